package sfu

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	voiceservice "github.com/parley-chat/parley/app/modules/voice/application"
	voicedomain "github.com/parley-chat/parley/app/modules/voice/domain"
)

const iceGatherTimeout = 10 * time.Second

var routerCodecs = []voicedomain.CodecCapability{
	{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
}

// Engine is the process-wide SFU built on pion. All rooms share one
// certificate and one media configuration; each transport is its own
// peer connection.
type Engine struct {
	api    *webrtc.API
	cert   webrtc.Certificate
	config webrtc.Configuration
	logger *slog.Logger

	closed atomic.Bool

	mu      sync.Mutex
	routers map[*Router]struct{}
}

// NewEngine builds the media engine with the codecs the platform supports
// (Opus audio, VP8 video) and a fresh DTLS certificate.
func NewEngine(iceServers []string, logger *slog.Logger) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register opus: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("failed to register vp8: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate DTLS key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("failed to generate DTLS certificate: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)

	config := webrtc.Configuration{Certificates: []webrtc.Certificate{*cert}}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &Engine{
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		cert:    *cert,
		config:  config,
		logger:  logger,
		routers: make(map[*Router]struct{}),
	}, nil
}

func (e *Engine) Capabilities() voicedomain.RTPCapabilities {
	return voicedomain.RTPCapabilities{Codecs: routerCodecs}
}

func (e *Engine) Closed() bool {
	return e.closed.Load()
}

func (e *Engine) NewRouter(ctx context.Context) (voiceservice.Router, error) {
	if e.closed.Load() {
		return nil, voicedomain.ErrEngineClosed
	}
	r := &Router{
		engine:     e,
		transports: make(map[string]*transport),
	}
	e.mu.Lock()
	e.routers[r] = struct{}{}
	e.mu.Unlock()
	return r, nil
}

// Close shuts the engine down permanently. Every router and transport it
// created is closed; future operations fail with ErrEngineClosed.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.mu.Lock()
	routers := make([]*Router, 0, len(e.routers))
	for r := range e.routers {
		routers = append(routers, r)
	}
	e.routers = make(map[*Router]struct{})
	e.mu.Unlock()
	for _, r := range routers {
		r.Close()
	}
	return nil
}

// Router groups the transports of one voice room.
type Router struct {
	engine *Engine

	mu         sync.Mutex
	closed     bool
	transports map[string]*transport
}

func (r *Router) NewTransport(ctx context.Context, direction voicedomain.Direction) (voiceservice.Transport, error) {
	if r.engine.closed.Load() {
		return nil, voicedomain.ErrEngineClosed
	}

	pc, err := r.engine.api.NewPeerConnection(r.engine.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &transport{
		id:        uuid.NewString(),
		direction: direction,
		router:    r,
		pc:        pc,
		logger:    r.engine.logger,
		incoming:  make(map[voicedomain.MediaKind]*webrtc.TrackRemote),
		producers: make(map[string]*producer),
		consumers: make(map[string]*consumer),
	}

	switch direction {
	case voicedomain.DirectionSend:
		// The client will send us media; receive-only transceivers make the
		// m-lines appear in the initial offer.
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
		}
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add video transceiver: %w", err)
		}
		pc.OnTrack(t.onTrack)
	case voicedomain.DirectionRecv:
		// Consumers add tracks later. A throwaway data channel forces a
		// section into the offer so it is valid before the first consume.
		if _, err := pc.CreateDataChannel("init", nil); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create init data channel: %w", err)
		}
	default:
		pc.Close()
		return nil, fmt.Errorf("unknown transport direction %q", direction)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		pc.Close()
		return nil, voicedomain.ErrEngineClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[string]*transport)
	r.mu.Unlock()
	for _, t := range transports {
		t.Close()
	}
}

type transport struct {
	id        string
	direction voicedomain.Direction
	router    *Router
	pc        *webrtc.PeerConnection
	logger    *slog.Logger

	mu        sync.Mutex
	closed    bool
	connected bool
	incoming  map[voicedomain.MediaKind]*webrtc.TrackRemote
	producers map[string]*producer
	consumers map[string]*consumer
}

func (t *transport) ID() string                       { return t.id }
func (t *transport) Direction() voicedomain.Direction { return t.direction }

func (t *transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// onTrack wires an incoming remote track to the producer registered for its
// kind. Produce and the actual media arrival race; whichever happens second
// starts the forwarding loop.
func (t *transport) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := voicedomain.KindAudio
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		kind = voicedomain.KindVideo
	}

	t.mu.Lock()
	t.incoming[kind] = remote
	var waiting *producer
	for _, p := range t.producers {
		if p.kind == kind && !p.started {
			p.started = true
			waiting = p
			break
		}
	}
	t.mu.Unlock()

	if waiting != nil {
		go waiting.forward(remote)
	}
}

func (t *transport) CreateOffer(ctx context.Context) (voicedomain.TransportInfo, error) {
	if t.router.engine.closed.Load() {
		return voicedomain.TransportInfo{}, voicedomain.ErrEngineClosed
	}

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return voicedomain.TransportInfo{}, fmt.Errorf("failed to create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return voicedomain.TransportInfo{}, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return voicedomain.TransportInfo{}, fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return voicedomain.TransportInfo{}, ctx.Err()
	}

	fps, err := t.router.engine.cert.GetFingerprints()
	if err != nil {
		return voicedomain.TransportInfo{}, fmt.Errorf("failed to compute DTLS fingerprints: %w", err)
	}
	fingerprints := make([]voicedomain.DTLSFingerprint, 0, len(fps))
	for _, fp := range fps {
		fingerprints = append(fingerprints, voicedomain.DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}

	return voicedomain.TransportInfo{
		ID:               t.id,
		Direction:        t.direction,
		OfferSDP:         t.pc.LocalDescription().SDP,
		DTLSFingerprints: fingerprints,
	}, nil
}

func (t *transport) Connect(ctx context.Context, params voicedomain.ConnectParameters) error {
	if t.router.engine.closed.Load() {
		return voicedomain.ErrEngineClosed
	}
	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  params.AnswerSDP,
	}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *transport) Produce(ctx context.Context, userID string, kind voicedomain.MediaKind, params voicedomain.RTPParameters) (voiceservice.Producer, error) {
	if t.router.engine.closed.Load() {
		return nil, voicedomain.ErrEngineClosed
	}
	if t.direction != voicedomain.DirectionSend {
		return nil, fmt.Errorf("cannot produce on a %s transport", t.direction)
	}

	codec, ok := routerCodec(kind)
	if !ok {
		return nil, fmt.Errorf("unsupported media kind %q", kind)
	}
	if len(params.Codecs) > 0 && !codecsIntersect(params.Codecs, codec) {
		return nil, voicedomain.ErrCannotConsume
	}

	p := &producer{
		id:        uuid.NewString(),
		userID:    userID,
		kind:      kind,
		codec:     codec,
		transport: t,
		logger:    t.logger,
		consumers: make(map[string]*consumer),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, voicedomain.ErrEngineClosed
	}
	t.producers[p.id] = p
	remote := t.incoming[kind]
	if remote != nil {
		p.started = true
	}
	t.mu.Unlock()

	if remote != nil {
		go p.forward(remote)
	}
	return p, nil
}

func (t *transport) Consume(ctx context.Context, prod voiceservice.Producer, caps voicedomain.RTPCapabilities) (voiceservice.Consumer, error) {
	if t.router.engine.closed.Load() {
		return nil, voicedomain.ErrEngineClosed
	}
	if t.direction != voicedomain.DirectionRecv {
		return nil, fmt.Errorf("cannot consume on a %s transport", t.direction)
	}
	p, ok := prod.(*producer)
	if !ok {
		return nil, voicedomain.ErrProducerNotFound
	}
	if !codecsIntersect(caps.Codecs, p.codec) {
		return nil, voicedomain.ErrCannotConsume
	}

	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:  p.codec.MimeType,
			ClockRate: p.codec.ClockRate,
			Channels:  p.codec.Channels,
		},
		p.id, "parley-"+p.userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	c := &consumer{
		id:        uuid.NewString(),
		producer:  p,
		transport: t,
		track:     local,
		sender:    sender,
	}
	c.paused.Store(true)

	t.mu.Lock()
	t.consumers[c.id] = c
	t.mu.Unlock()
	p.attach(c)
	return c, nil
}

func (t *transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = make(map[string]*producer)
	t.consumers = make(map[string]*consumer)
	t.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	if err := t.pc.Close(); err != nil {
		t.logger.Error("failed to close peer connection", "transport_id", t.id, "error", err)
	}

	t.router.mu.Lock()
	delete(t.router.transports, t.id)
	t.router.mu.Unlock()
}

type producer struct {
	id        string
	userID    string
	kind      voicedomain.MediaKind
	codec     voicedomain.CodecCapability
	transport *transport
	logger    *slog.Logger

	started bool

	mu        sync.Mutex
	consumers map[string]*consumer

	closeOnce sync.Once
	done      chan struct{}
}

func (p *producer) ID() string                  { return p.id }
func (p *producer) UserID() string              { return p.userID }
func (p *producer) Kind() voicedomain.MediaKind { return p.kind }

func (p *producer) attach(c *consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[c.id] = c
}

func (p *producer) detach(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

// forward pumps RTP from the client's remote track to every unpaused
// consumer. Runs until the remote track errors or the producer closes.
func (p *producer) forward(remote *webrtc.TrackRemote) {
	for {
		select {
		case <-p.done:
			return
		default:
		}

		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}

		p.mu.Lock()
		consumers := make([]*consumer, 0, len(p.consumers))
		for _, c := range p.consumers {
			consumers = append(consumers, c)
		}
		p.mu.Unlock()

		for _, c := range consumers {
			if c.paused.Load() {
				continue
			}
			if err := c.track.WriteRTP(pkt); err != nil {
				p.logger.Debug("dropping rtp write", "consumer_id", c.id, "error", err)
			}
		}
	}
}

func (p *producer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		consumers := make([]*consumer, 0, len(p.consumers))
		for _, c := range p.consumers {
			consumers = append(consumers, c)
		}
		p.consumers = make(map[string]*consumer)
		p.mu.Unlock()
		for _, c := range consumers {
			c.Close()
		}
		p.transport.mu.Lock()
		delete(p.transport.producers, p.id)
		p.transport.mu.Unlock()
	})
}

type consumer struct {
	id        string
	producer  *producer
	transport *transport
	track     *webrtc.TrackLocalStaticRTP
	sender    *webrtc.RTPSender

	paused    atomic.Bool
	closeOnce sync.Once
}

func (c *consumer) ID() string { return c.id }

func (c *consumer) Info() voicedomain.ConsumerInfo {
	return voicedomain.ConsumerInfo{
		ID:         c.id,
		ProducerID: c.producer.id,
		Kind:       c.producer.kind,
		Paused:     c.paused.Load(),
	}
}

func (c *consumer) Resume() error {
	if c.transport.router.engine.closed.Load() {
		return voicedomain.ErrEngineClosed
	}
	c.paused.Store(false)
	return nil
}

func (c *consumer) Close() {
	c.closeOnce.Do(func() {
		c.paused.Store(true)
		c.producer.detach(c.id)
		if err := c.sender.Stop(); err != nil {
			c.transport.logger.Debug("failed to stop rtp sender", "consumer_id", c.id, "error", err)
		}
		c.transport.mu.Lock()
		delete(c.transport.consumers, c.id)
		c.transport.mu.Unlock()
	})
}

func routerCodec(kind voicedomain.MediaKind) (voicedomain.CodecCapability, bool) {
	switch kind {
	case voicedomain.KindAudio:
		return routerCodecs[0], true
	case voicedomain.KindVideo:
		return routerCodecs[1], true
	default:
		return voicedomain.CodecCapability{}, false
	}
}

func codecsIntersect(offered []voicedomain.CodecCapability, want voicedomain.CodecCapability) bool {
	for _, c := range offered {
		if strings.EqualFold(c.MimeType, want.MimeType) && c.ClockRate == want.ClockRate {
			return true
		}
	}
	return false
}
