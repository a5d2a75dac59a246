package voiceservice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gatewaydomain "github.com/parley-chat/parley/app/modules/gateway/domain"
	gatewayregistry "github.com/parley-chat/parley/app/modules/gateway/registry"
	voicedomain "github.com/parley-chat/parley/app/modules/voice/domain"
	"go.opentelemetry.io/otel/trace"
)

// VoiceStateStore persists who occupies which voice channel.
type VoiceStateStore interface {
	UpsertVoiceState(ctx context.Context, userID, guildID, channelID string) error
	DeleteVoiceState(ctx context.Context, userID, guildID string) error
}

// VoiceStatePayload is the body of VOICE_STATE_UPDATE and VOICE_STATE_REMOVE.
type VoiceStatePayload struct {
	UserID    string `json:"user_id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
}

// NewProducerPayload is the body of VOICE_NEW_PRODUCER.
type NewProducerPayload struct {
	GuildID    string                `json:"guild_id"`
	ChannelID  string                `json:"channel_id"`
	ProducerID string                `json:"producer_id"`
	UserID     string                `json:"user_id"`
	Kind       voicedomain.MediaKind `json:"kind"`
}

// JoinResult tells the joining client what already exists in the room.
type JoinResult struct {
	RTPCapabilities voicedomain.RTPCapabilities `json:"rtp_capabilities"`
	Producers       []voicedomain.ProducerInfo  `json:"producers"`
}

// ConsumeResult carries the consumer plus, when consuming forced a
// renegotiation on an already-connected transport, the fresh offer the
// client must answer.
type ConsumeResult struct {
	Consumer voicedomain.ConsumerInfo   `json:"consumer"`
	Reoffer  *voicedomain.TransportInfo `json:"reoffer,omitempty"`
}

type peer struct {
	userID     string
	transports map[string]Transport
	producers  map[string]Producer
	consumers  map[string]Consumer
}

// teardown closes the peer's media in dependency order: producers first so
// remote consumers stop receiving, then this peer's consumers, then the
// transports carrying both.
func (p *peer) teardown() {
	for _, prod := range p.producers {
		prod.Close()
	}
	for _, cons := range p.consumers {
		cons.Close()
	}
	for _, t := range p.transports {
		t.Close()
	}
	p.producers = make(map[string]Producer)
	p.consumers = make(map[string]Consumer)
	p.transports = make(map[string]Transport)
}

type roomKey struct {
	guildID   string
	channelID string
}

type room struct {
	key    roomKey
	router Router
	peers  map[string]*peer
}

// Service owns the live voice rooms of this process. Rooms are created
// lazily on first join and torn down when the last peer leaves.
type Service struct {
	engine      Engine
	store       VoiceStateStore
	broadcaster gatewayregistry.Broadcaster
	logger      *slog.Logger
	tracer      trace.Tracer

	mu        sync.Mutex
	rooms     map[roomKey]*room
	userRooms map[string]roomKey // userID:guildID -> occupied room
}

func NewService(engine Engine, store VoiceStateStore, broadcaster gatewayregistry.Broadcaster, logger *slog.Logger, tracer trace.Tracer) *Service {
	return &Service{
		engine:      engine,
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		tracer:      tracer,
		rooms:       make(map[roomKey]*room),
		userRooms:   make(map[string]roomKey),
	}
}

func userGuildKey(userID, guildID string) string {
	return userID + ":" + guildID
}

// Join places the user in the voice channel. A user occupies at most one
// voice channel per guild; joining another moves them.
func (s *Service) Join(ctx context.Context, userID, guildID, channelID string) (*JoinResult, error) {
	ctx, span := s.tracer.Start(ctx, "voice.Join")
	defer span.End()

	if s.engine.Closed() {
		return nil, voicedomain.ErrEngineClosed
	}

	key := roomKey{guildID: guildID, channelID: channelID}

	s.mu.Lock()
	if prev, ok := s.userRooms[userGuildKey(userID, guildID)]; ok {
		if prev == key {
			res, err := s.snapshotLocked(key, userID)
			s.mu.Unlock()
			return res, err
		}
		s.leaveLocked(ctx, userID, prev)
	}

	rm, ok := s.rooms[key]
	if !ok {
		router, err := s.engine.NewRouter(ctx)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		rm = &room{key: key, router: router, peers: make(map[string]*peer)}
		s.rooms[key] = rm
		s.logger.InfoContext(ctx, "voice room created",
			slog.String("guild_id", guildID), slog.String("channel_id", channelID))
	}
	rm.peers[userID] = &peer{
		userID:     userID,
		transports: make(map[string]Transport),
		producers:  make(map[string]Producer),
		consumers:  make(map[string]Consumer),
	}
	s.userRooms[userGuildKey(userID, guildID)] = key
	s.mu.Unlock()

	if err := s.store.UpsertVoiceState(ctx, userID, guildID, channelID); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist voice state", "user_id", userID, "error", err)
	}
	s.broadcaster.BroadcastGuild(guildID, gatewaydomain.EventVoiceStateUpdate, VoiceStatePayload{
		UserID: userID, GuildID: guildID, ChannelID: channelID,
	})

	return s.snapshot(key, userID)
}

// snapshot lists the room's existing producers from other peers.
func (s *Service) snapshot(key roomKey, exceptUser string) (*JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(key, exceptUser)
}

func (s *Service) snapshotLocked(key roomKey, exceptUser string) (*JoinResult, error) {
	rm, ok := s.rooms[key]
	if !ok {
		return nil, voicedomain.ErrRoomNotFound
	}
	res := &JoinResult{RTPCapabilities: s.engine.Capabilities()}
	for uid, p := range rm.peers {
		if uid == exceptUser {
			continue
		}
		for _, prod := range p.producers {
			res.Producers = append(res.Producers, voicedomain.ProducerInfo{
				ID: prod.ID(), UserID: prod.UserID(), Kind: prod.Kind(),
			})
		}
	}
	return res, nil
}

// Leave removes the user from the voice channel, tearing down their media.
// Idempotent: leaving a room the user is not in is a no-op.
func (s *Service) Leave(ctx context.Context, userID, guildID, channelID string) error {
	ctx, span := s.tracer.Start(ctx, "voice.Leave")
	defer span.End()

	key := roomKey{guildID: guildID, channelID: channelID}

	s.mu.Lock()
	left := s.leaveLocked(ctx, userID, key)
	s.mu.Unlock()

	if !left {
		return nil
	}

	if err := s.store.DeleteVoiceState(ctx, userID, guildID); err != nil {
		s.logger.ErrorContext(ctx, "failed to clear voice state", "user_id", userID, "error", err)
	}
	s.broadcaster.BroadcastGuild(guildID, gatewaydomain.EventVoiceStateRemove, VoiceStatePayload{
		UserID: userID, GuildID: guildID, ChannelID: channelID,
	})
	return nil
}

func (s *Service) leaveLocked(ctx context.Context, userID string, key roomKey) bool {
	rm, ok := s.rooms[key]
	if !ok {
		return false
	}
	p, ok := rm.peers[userID]
	if !ok {
		return false
	}
	p.teardown()
	delete(rm.peers, userID)
	delete(s.userRooms, userGuildKey(userID, key.guildID))

	if len(rm.peers) == 0 {
		rm.router.Close()
		delete(s.rooms, key)
		s.logger.InfoContext(ctx, "voice room torn down",
			slog.String("guild_id", key.guildID), slog.String("channel_id", key.channelID))
	}
	return true
}

// LeaveAll removes the user from whatever rooms they occupy on this process.
// Called when a gateway connection dies.
func (s *Service) LeaveAll(ctx context.Context, userID string) {
	s.mu.Lock()
	var keys []roomKey
	for ug, key := range s.userRooms {
		if ug == userGuildKey(userID, key.guildID) {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	for _, key := range keys {
		if err := s.Leave(ctx, userID, key.guildID, key.channelID); err != nil {
			s.logger.ErrorContext(ctx, "failed to leave voice room on disconnect",
				"user_id", userID, "error", err)
		}
	}
}

func (s *Service) peerLocked(key roomKey, userID string) (*room, *peer, error) {
	rm, ok := s.rooms[key]
	if !ok {
		return nil, nil, voicedomain.ErrRoomNotFound
	}
	p, ok := rm.peers[userID]
	if !ok {
		return nil, nil, voicedomain.ErrNotInVoice
	}
	return rm, p, nil
}

// CreateTransport builds a send or recv transport for the user's peer and
// returns the offer the client must answer.
func (s *Service) CreateTransport(ctx context.Context, userID, guildID, channelID string, direction voicedomain.Direction) (voicedomain.TransportInfo, error) {
	ctx, span := s.tracer.Start(ctx, "voice.CreateTransport")
	defer span.End()

	if s.engine.Closed() {
		return voicedomain.TransportInfo{}, voicedomain.ErrEngineClosed
	}

	key := roomKey{guildID: guildID, channelID: channelID}
	s.mu.Lock()
	rm, p, err := s.peerLocked(key, userID)
	if err != nil {
		s.mu.Unlock()
		return voicedomain.TransportInfo{}, err
	}
	s.mu.Unlock()

	t, err := rm.router.NewTransport(ctx, direction)
	if err != nil {
		return voicedomain.TransportInfo{}, err
	}
	info, err := t.CreateOffer(ctx)
	if err != nil {
		t.Close()
		return voicedomain.TransportInfo{}, err
	}

	s.mu.Lock()
	p.transports[t.ID()] = t
	s.mu.Unlock()
	return info, nil
}

// ConnectTransport applies the client's answer.
func (s *Service) ConnectTransport(ctx context.Context, userID, guildID, channelID, transportID string, params voicedomain.ConnectParameters) error {
	ctx, span := s.tracer.Start(ctx, "voice.ConnectTransport")
	defer span.End()

	key := roomKey{guildID: guildID, channelID: channelID}
	s.mu.Lock()
	_, p, err := s.peerLocked(key, userID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	t, ok := p.transports[transportID]
	s.mu.Unlock()
	if !ok {
		return voicedomain.ErrTransportNotFound
	}
	return t.Connect(ctx, params)
}

// Produce starts a media stream on the user's send transport and announces
// it to the other peers in the room.
func (s *Service) Produce(ctx context.Context, userID, guildID, channelID, transportID string, kind voicedomain.MediaKind, params voicedomain.RTPParameters) (voicedomain.ProducerInfo, error) {
	ctx, span := s.tracer.Start(ctx, "voice.Produce")
	defer span.End()

	key := roomKey{guildID: guildID, channelID: channelID}
	s.mu.Lock()
	rm, p, err := s.peerLocked(key, userID)
	if err != nil {
		s.mu.Unlock()
		return voicedomain.ProducerInfo{}, err
	}
	t, ok := p.transports[transportID]
	if !ok {
		s.mu.Unlock()
		return voicedomain.ProducerInfo{}, voicedomain.ErrTransportNotFound
	}
	s.mu.Unlock()

	prod, err := t.Produce(ctx, userID, kind, params)
	if err != nil {
		return voicedomain.ProducerInfo{}, err
	}

	s.mu.Lock()
	p.producers[prod.ID()] = prod
	others := make([]string, 0, len(rm.peers))
	for uid := range rm.peers {
		if uid != userID {
			others = append(others, uid)
		}
	}
	s.mu.Unlock()

	payload := NewProducerPayload{
		GuildID: guildID, ChannelID: channelID,
		ProducerID: prod.ID(), UserID: userID, Kind: kind,
	}
	for _, uid := range others {
		s.broadcaster.SendUser(uid, gatewaydomain.EventVoiceNewProducer, payload)
	}

	return voicedomain.ProducerInfo{ID: prod.ID(), UserID: userID, Kind: kind}, nil
}

// Consume attaches another peer's producer to the user's recv transport. The
// consumer starts paused; the client resumes it once its receiver is wired.
func (s *Service) Consume(ctx context.Context, userID, guildID, channelID, producerID string, caps voicedomain.RTPCapabilities) (*ConsumeResult, error) {
	ctx, span := s.tracer.Start(ctx, "voice.Consume")
	defer span.End()

	key := roomKey{guildID: guildID, channelID: channelID}
	s.mu.Lock()
	rm, p, err := s.peerLocked(key, userID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	var prod Producer
	for uid, other := range rm.peers {
		if uid == userID {
			continue
		}
		if found, ok := other.producers[producerID]; ok {
			prod = found
			break
		}
	}
	if prod == nil {
		s.mu.Unlock()
		return nil, voicedomain.ErrProducerNotFound
	}

	var recv Transport
	for _, t := range p.transports {
		if t.Direction() == voicedomain.DirectionRecv {
			recv = t
			break
		}
	}
	s.mu.Unlock()
	if recv == nil {
		return nil, voicedomain.ErrTransportNotFound
	}

	cons, err := recv.Consume(ctx, prod, caps)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	p.consumers[cons.ID()] = cons
	s.mu.Unlock()

	res := &ConsumeResult{Consumer: cons.Info()}

	// Adding a track to a live transport invalidates the old SDP; hand the
	// client a fresh offer to answer.
	if recv.Connected() {
		info, err := recv.CreateOffer(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to renegotiate recv transport: %w", err)
		}
		res.Reoffer = &info
	}
	return res, nil
}

// ResumeConsumer unpauses a consumer.
func (s *Service) ResumeConsumer(ctx context.Context, userID, guildID, channelID, consumerID string) error {
	key := roomKey{guildID: guildID, channelID: channelID}
	s.mu.Lock()
	_, p, err := s.peerLocked(key, userID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	cons, ok := p.consumers[consumerID]
	s.mu.Unlock()
	if !ok {
		return voicedomain.ErrConsumerNotFound
	}
	return cons.Resume()
}

// Capabilities returns the codec set the SFU supports.
func (s *Service) Capabilities() voicedomain.RTPCapabilities {
	return s.engine.Capabilities()
}

// Close tears down every room and the engine.
func (s *Service) Close() error {
	s.mu.Lock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		rooms = append(rooms, rm)
	}
	s.rooms = make(map[roomKey]*room)
	s.userRooms = make(map[string]roomKey)
	s.mu.Unlock()

	for _, rm := range rooms {
		for _, p := range rm.peers {
			p.teardown()
		}
		rm.router.Close()
	}
	return s.engine.Close()
}
