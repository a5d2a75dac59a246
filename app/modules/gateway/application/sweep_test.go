package gatewayapp

import (
	"context"
	"testing"
	"time"

	gatewayregistry "github.com/parley-chat/parley/app/modules/gateway/registry"
	gatewaytransport "github.com/parley-chat/parley/app/modules/gateway/transport"
	"github.com/parley-chat/parley/app/modules/fanout"
	"github.com/parley-chat/parley/app/shared/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSweepFixture(t *testing.T) (*LivenessSweeper, *gatewayregistry.Registry, time.Time) {
	t.Helper()
	obs := observability.Init("sweep-test", "test")
	reg := gatewayregistry.New(obs.Logger)
	s := NewLivenessSweeper(reg, obs)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, reg, now
}

func readyConn(t *testing.T, reg *gatewayregistry.Registry, userID string, at time.Time) *gatewaytransport.Conn {
	t.Helper()
	obs := observability.Init("sweep-test", "test")
	conn := gatewaytransport.NewConn(context.Background(), nil, nil, nil, obs.Logger)
	conn.Identify(userID, "")
	conn.SetReady()
	conn.MarkHeartbeat(at)
	conn.MarkSynced(at)
	reg.Add(conn)
	return conn
}

func TestLivenessSweep_HealthyConnectionUntouched(t *testing.T) {
	s, reg, now := newSweepFixture(t)
	conn := readyConn(t, reg, "alice", now.Add(-5*time.Second))

	s.sweepOnce(context.Background())

	assert.False(t, isClosed(conn))
	awaiting, _ := conn.SyncState()
	assert.False(t, awaiting)
}

func TestLivenessSweep_SilentConnectionClosed(t *testing.T) {
	s, reg, now := newSweepFixture(t)
	conn := readyConn(t, reg, "alice", now.Add(-91*time.Second))

	s.sweepOnce(context.Background())

	assert.True(t, isClosed(conn))
}

func TestLivenessSweep_QuietConnectionGetsProbedOnce(t *testing.T) {
	s, reg, now := newSweepFixture(t)
	conn := readyConn(t, reg, "alice", now.Add(-61*time.Second))
	// Heartbeats still flowing, presence quiet.
	conn.MarkHeartbeat(now.Add(-5 * time.Second))

	s.sweepOnce(context.Background())

	assert.False(t, isClosed(conn))
	awaiting, lastSync := conn.SyncState()
	assert.True(t, awaiting)
	assert.Equal(t, now, lastSync)

	// A second sweep inside the sync window neither re-probes nor closes.
	s.sweepOnce(context.Background())
	assert.False(t, isClosed(conn))
}

func TestLivenessSweep_IgnoredProbeCloses(t *testing.T) {
	s, reg, now := newSweepFixture(t)
	conn := readyConn(t, reg, "alice", now.Add(-70*time.Second))
	conn.MarkHeartbeat(now.Add(-5 * time.Second))
	conn.MarkSyncRequested(now.Add(-21 * time.Second))

	s.sweepOnce(context.Background())

	assert.True(t, isClosed(conn))
}

func TestLivenessSweep_AnsweredProbeResetsWindow(t *testing.T) {
	s, reg, now := newSweepFixture(t)
	conn := readyConn(t, reg, "alice", now.Add(-70*time.Second))
	conn.MarkHeartbeat(now.Add(-5 * time.Second))
	conn.MarkSyncRequested(now.Add(-15 * time.Second))
	conn.MarkSynced(now.Add(-1 * time.Second))

	s.sweepOnce(context.Background())

	assert.False(t, isClosed(conn))
	awaiting, _ := conn.SyncState()
	assert.False(t, awaiting)
}

type fakeStaleStore struct {
	stale []string
	calls int
	err   error
}

func (s *fakeStaleStore) SweepStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := s.stale
	// The UPDATE flips the rows; a second sweep finds nothing.
	s.stale = nil
	return out, nil
}

type fakePresencePublisher struct {
	events []fanout.PresenceEvent
}

func (p *fakePresencePublisher) PublishPresence(ctx context.Context, ev fanout.PresenceEvent) {
	p.events = append(p.events, ev)
}

func TestStalePresenceSweep_FlipsAndFansOut(t *testing.T) {
	obs := observability.Init("sweep-test", "test")
	store := &fakeStaleStore{stale: []string{"alice", "bob"}}
	pub := &fakePresencePublisher{}
	s := NewStalePresenceSweeper(store, pub, obs)

	s.sweepOnce(context.Background())

	require.Len(t, pub.events, 2)
	for _, ev := range pub.events {
		assert.Equal(t, "offline", ev.Status)
	}

	// Idempotent: nothing left to flip, nothing re-published.
	s.sweepOnce(context.Background())
	assert.Len(t, pub.events, 2)
	assert.Equal(t, 2, store.calls)
}
