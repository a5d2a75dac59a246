package gatewayapp

import (
	"context"
	"errors"
	"sync"

	"github.com/parley-chat/parley/app/modules/fanout"
	gatewaydomain "github.com/parley-chat/parley/app/modules/gateway/domain"
	gatewaytransport "github.com/parley-chat/parley/app/modules/gateway/transport"
	memberdomain "github.com/parley-chat/parley/app/modules/membership/domain"
	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
	voiceservice "github.com/parley-chat/parley/app/modules/voice/application"
	voicedomain "github.com/parley-chat/parley/app/modules/voice/domain"
)

type fakePresenceStore struct {
	mu       sync.Mutex
	upserts  []string
	offlines []string

	UpsertFn func(ctx context.Context, userID, status, customStatus string, activity []byte) error
}

func (s *fakePresenceStore) Upsert(ctx context.Context, userID, status, customStatus string, activity []byte) error {
	if s.UpsertFn != nil {
		return s.UpsertFn(ctx, userID, status, customStatus, activity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, userID+"="+status)
	return nil
}

func (s *fakePresenceStore) SetOffline(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offlines = append(s.offlines, userID)
	return nil
}

type fakeSessionVerifier struct {
	claims *memberdomain.SessionClaims
	err    error
}

func (v *fakeSessionVerifier) VerifySession(token string) (*memberdomain.SessionClaims, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.claims, nil
}

type fakeMembershipVerifier struct {
	claims *memberdomain.Claims
	err    error
}

func (v *fakeMembershipVerifier) Verify(ctx context.Context, token string) (*memberdomain.Claims, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.claims, nil
}

type fakePerms struct {
	grant permdomain.Bitset
	err   error

	mu    sync.Mutex
	calls int
}

func (p *fakePerms) Resolve(ctx context.Context, guildID, channelID, userID string, platformRole permdomain.PlatformRole) (permdomain.Bitset, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.grant, p.err
}

type fakeVoice struct {
	mu     sync.Mutex
	joins  []string
	leaves []string

	JoinErr error
}

func (v *fakeVoice) Join(ctx context.Context, userID, guildID, channelID string) (*voiceservice.JoinResult, error) {
	if v.JoinErr != nil {
		return nil, v.JoinErr
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.joins = append(v.joins, userID+"/"+guildID+"/"+channelID)
	return &voiceservice.JoinResult{}, nil
}

func (v *fakeVoice) Leave(ctx context.Context, userID, guildID, channelID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leaves = append(v.leaves, userID+"/"+guildID+"/"+channelID)
	return nil
}

func (v *fakeVoice) CreateTransport(ctx context.Context, userID, guildID, channelID string, direction voicedomain.Direction) (voicedomain.TransportInfo, error) {
	return voicedomain.TransportInfo{ID: "t-1", Direction: direction}, nil
}

func (v *fakeVoice) ConnectTransport(ctx context.Context, userID, guildID, channelID, transportID string, params voicedomain.ConnectParameters) error {
	return nil
}

func (v *fakeVoice) Produce(ctx context.Context, userID, guildID, channelID, transportID string, kind voicedomain.MediaKind, params voicedomain.RTPParameters) (voicedomain.ProducerInfo, error) {
	return voicedomain.ProducerInfo{ID: "p-1", UserID: userID, Kind: kind}, nil
}

func (v *fakeVoice) Consume(ctx context.Context, userID, guildID, channelID, producerID string, caps voicedomain.RTPCapabilities) (*voiceservice.ConsumeResult, error) {
	return &voiceservice.ConsumeResult{}, nil
}

func (v *fakeVoice) ResumeConsumer(ctx context.Context, userID, guildID, channelID, consumerID string) error {
	return nil
}

type fakeBridge struct {
	mu        sync.Mutex
	dms       []fanout.DMEvent
	presences []fanout.PresenceEvent
	signals   []fanout.SignalEvent
}

func (b *fakeBridge) PublishDM(ctx context.Context, ev fanout.DMEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dms = append(b.dms, ev)
	return nil
}

func (b *fakeBridge) PublishPresence(ctx context.Context, ev fanout.PresenceEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.presences = append(b.presences, ev)
	return nil
}

func (b *fakeBridge) PublishSignal(ctx context.Context, ev fanout.SignalEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = append(b.signals, ev)
	return nil
}

func (b *fakeBridge) Start(ctx context.Context, h fanout.Handler) error { return nil }
func (b *fakeBridge) Close() error                                      { return nil }

type fakeTunneler struct {
	mu      sync.Mutex
	tunnels int
	err     error
}

func (t *fakeTunneler) Tunnel(ctx context.Context, conn *gatewaytransport.Conn, identify gatewaydomain.IdentifyPayload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tunnels++
	return t.err
}

var errFakeAuth = errors.New("bad token")
