package voiceservice

import (
	"context"
	"fmt"
	"strings"
	"sync"

	voicedomain "github.com/parley-chat/parley/app/modules/voice/domain"
)

// fakeEngine implements Engine in memory, forwarding media as producer ids
// instead of packets. Per-method Fn fields override behavior for one test.
type fakeEngine struct {
	mu      sync.Mutex
	closed  bool
	routers []*fakeRouter

	NewRouterFn func(ctx context.Context) (Router, error)
}

func newFakeEngine() *fakeEngine { return &fakeEngine{} }

func (e *fakeEngine) Capabilities() voicedomain.RTPCapabilities {
	return voicedomain.RTPCapabilities{Codecs: []voicedomain.CodecCapability{
		{MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{MimeType: "video/VP8", ClockRate: 90000},
	}}
}

func (e *fakeEngine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) NewRouter(ctx context.Context) (Router, error) {
	if e.NewRouterFn != nil {
		return e.NewRouterFn(ctx)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, voicedomain.ErrEngineClosed
	}
	r := &fakeRouter{engine: e}
	e.routers = append(e.routers, r)
	return r, nil
}

func (e *fakeEngine) openRouters() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range e.routers {
		if !r.closed {
			n++
		}
	}
	return n
}

type fakeRouter struct {
	engine *fakeEngine
	mu     sync.Mutex
	closed bool
	nextID int
}

func (r *fakeRouter) NewTransport(ctx context.Context, direction voicedomain.Direction) (Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, voicedomain.ErrEngineClosed
	}
	r.nextID++
	return &fakeTransport{
		id:        fmt.Sprintf("transport-%d", r.nextID),
		direction: direction,
		router:    r,
	}, nil
}

func (r *fakeRouter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

type fakeTransport struct {
	id        string
	direction voicedomain.Direction
	router    *fakeRouter

	mu        sync.Mutex
	connected bool
	closed    bool
	offers    int
}

func (t *fakeTransport) ID() string                       { return t.id }
func (t *fakeTransport) Direction() voicedomain.Direction { return t.direction }

func (t *fakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) CreateOffer(ctx context.Context) (voicedomain.TransportInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offers++
	return voicedomain.TransportInfo{
		ID:        t.id,
		Direction: t.direction,
		OfferSDP:  fmt.Sprintf("v=0 offer-%d", t.offers),
		DTLSFingerprints: []voicedomain.DTLSFingerprint{
			{Algorithm: "sha-256", Value: "00:11:22"},
		},
	}, nil
}

func (t *fakeTransport) Connect(ctx context.Context, params voicedomain.ConnectParameters) error {
	if params.AnswerSDP == "" {
		return fmt.Errorf("empty answer")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *fakeTransport) Produce(ctx context.Context, userID string, kind voicedomain.MediaKind, params voicedomain.RTPParameters) (Producer, error) {
	if t.direction != voicedomain.DirectionSend {
		return nil, fmt.Errorf("cannot produce on a %s transport", t.direction)
	}
	return &fakeProducer{
		id:     fmt.Sprintf("producer-%s-%s", userID, kind),
		userID: userID,
		kind:   kind,
	}, nil
}

func (t *fakeTransport) Consume(ctx context.Context, prod Producer, caps voicedomain.RTPCapabilities) (Consumer, error) {
	if t.direction != voicedomain.DirectionRecv {
		return nil, fmt.Errorf("cannot consume on a %s transport", t.direction)
	}
	want := "audio/opus"
	if prod.Kind() == voicedomain.KindVideo {
		want = "video/VP8"
	}
	match := false
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, want) {
			match = true
		}
	}
	if !match {
		return nil, voicedomain.ErrCannotConsume
	}
	c := &fakeConsumer{
		id:       "consumer-" + prod.ID(),
		producer: prod,
	}
	c.paused = true
	return c, nil
}

func (t *fakeTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

type fakeProducer struct {
	id     string
	userID string
	kind   voicedomain.MediaKind

	mu     sync.Mutex
	closed bool
}

func (p *fakeProducer) ID() string                  { return p.id }
func (p *fakeProducer) UserID() string              { return p.userID }
func (p *fakeProducer) Kind() voicedomain.MediaKind { return p.kind }
func (p *fakeProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

type fakeConsumer struct {
	id       string
	producer Producer

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *fakeConsumer) ID() string { return c.id }

func (c *fakeConsumer) Info() voicedomain.ConsumerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return voicedomain.ConsumerInfo{
		ID:         c.id,
		ProducerID: c.producer.ID(),
		Kind:       c.producer.Kind(),
		Paused:     c.paused,
	}
}

func (c *fakeConsumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *fakeConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// fakeBroadcaster records every dispatch for assertion.
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []broadcastEvent
}

type broadcastEvent struct {
	Scope  string // "guild", "channel", "user", "device"
	Target string
	T      string
	D      any
}

func (b *fakeBroadcaster) record(scope, target, t string, d any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, broadcastEvent{Scope: scope, Target: target, T: t, D: d})
}

func (b *fakeBroadcaster) BroadcastGuild(guildID, t string, d any) {
	b.record("guild", guildID, t, d)
}

func (b *fakeBroadcaster) BroadcastChannel(channelID, t string, d any) {
	b.record("channel", channelID, t, d)
}

func (b *fakeBroadcaster) SendUser(userID, t string, d any) bool {
	b.record("user", userID, t, d)
	return true
}

func (b *fakeBroadcaster) SendDevice(deviceID, t string, d any) bool {
	b.record("device", deviceID, t, d)
	return true
}

func (b *fakeBroadcaster) ofType(t string) []broadcastEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broadcastEvent
	for _, ev := range b.events {
		if ev.T == t {
			out = append(out, ev)
		}
	}
	return out
}

// fakeVoiceStateStore records upserts and deletes.
type fakeVoiceStateStore struct {
	mu      sync.Mutex
	upserts []string
	deletes []string

	UpsertFn func(ctx context.Context, userID, guildID, channelID string) error
	DeleteFn func(ctx context.Context, userID, guildID string) error
}

func (s *fakeVoiceStateStore) UpsertVoiceState(ctx context.Context, userID, guildID, channelID string) error {
	if s.UpsertFn != nil {
		return s.UpsertFn(ctx, userID, guildID, channelID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, userID+"/"+guildID+"/"+channelID)
	return nil
}

func (s *fakeVoiceStateStore) DeleteVoiceState(ctx context.Context, userID, guildID string) error {
	if s.DeleteFn != nil {
		return s.DeleteFn(ctx, userID, guildID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, userID+"/"+guildID)
	return nil
}
