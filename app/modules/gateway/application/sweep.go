package gatewayapp

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/parley-chat/parley/app/modules/fanout"
	gatewaydomain "github.com/parley-chat/parley/app/modules/gateway/domain"
	gatewayregistry "github.com/parley-chat/parley/app/modules/gateway/registry"
	"github.com/parley-chat/parley/app/shared/observability"
)

// LivenessSweeper walks the registry on a fixed tick and enforces the
// heartbeat contract: silent connections are probed once, then closed.
type LivenessSweeper struct {
	registry *gatewayregistry.Registry
	obs      *observability.Observability
	logger   *slog.Logger

	tick             time.Duration
	heartbeatTimeout time.Duration
	probeAfter       time.Duration
	syncTimeout      time.Duration

	now func() time.Time
}

func NewLivenessSweeper(registry *gatewayregistry.Registry, obs *observability.Observability) *LivenessSweeper {
	return &LivenessSweeper{
		registry:         registry,
		obs:              obs,
		logger:           obs.Logger.With(slog.String("component", "liveness_sweep")),
		tick:             LivenessTick,
		heartbeatTimeout: HeartbeatTimeout,
		probeAfter:       ProbeAfter,
		syncTimeout:      SyncTimeout,
		now:              time.Now,
	}
}

// Run sweeps until the context ends.
func (s *LivenessSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *LivenessSweeper) sweepOnce(ctx context.Context) {
	now := s.now()
	for _, conn := range s.registry.All() {
		if !conn.Ready() {
			continue
		}

		sinceHeartbeat := now.Sub(conn.LastHeartbeat())
		if sinceHeartbeat > s.heartbeatTimeout {
			s.obs.Metrics.SweepCloses.WithLabelValues("heartbeat_timeout").Inc()
			s.logger.InfoContext(ctx, "closing silent connection",
				slog.String("conn_id", conn.ID().String()),
				slog.Duration("since_heartbeat", sinceHeartbeat))
			conn.Close(websocket.StatusCode(gatewaydomain.CloseHeartbeatTimeout), "heartbeat timeout", nil)
			continue
		}

		awaiting, lastSync := conn.SyncState()
		if awaiting {
			if now.Sub(lastSync) > s.syncTimeout {
				s.obs.Metrics.SweepCloses.WithLabelValues("sync_timeout").Inc()
				s.logger.InfoContext(ctx, "closing connection that ignored sync probe",
					slog.String("conn_id", conn.ID().String()))
				conn.Close(websocket.StatusCode(gatewaydomain.CloseSyncTimeout), "sync timeout", nil)
			}
			continue
		}

		if now.Sub(lastSync) > s.probeAfter {
			conn.MarkSyncRequested(now)
			conn.SendDispatch(gatewaydomain.EventPresenceSyncRequest, nil)
		}
	}
}

// PresencePublisher fans a presence flip out to local connections and the
// bridge. Implemented by the SessionManager.
type PresencePublisher interface {
	PublishPresence(ctx context.Context, ev fanout.PresenceEvent)
}

// StaleSweepStore is the slice of the presence repository the stale sweep
// uses.
type StaleSweepStore interface {
	SweepStale(ctx context.Context, olderThan time.Time) ([]string, error)
}

// StalePresenceSweeper repairs presence rows orphaned by a crashed process:
// any non-offline row not refreshed within the threshold flips to offline.
// Other processes run the same sweep; the UPDATE ... RETURNING shape makes
// double-flipping harmless.
type StalePresenceSweeper struct {
	store     StaleSweepStore
	publisher PresencePublisher
	logger    *slog.Logger

	tick      time.Duration
	threshold time.Duration
	now       func() time.Time
}

func NewStalePresenceSweeper(store StaleSweepStore, publisher PresencePublisher, obs *observability.Observability) *StalePresenceSweeper {
	return &StalePresenceSweeper{
		store:     store,
		publisher: publisher,
		logger:    obs.Logger.With(slog.String("component", "stale_presence_sweep")),
		tick:      PresenceSweepTick,
		threshold: StaleThreshold,
		now:       time.Now,
	}
}

// Run sweeps until the context ends.
func (s *StalePresenceSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StalePresenceSweeper) sweepOnce(ctx context.Context) {
	userIDs, err := s.store.SweepStale(ctx, s.now().Add(-s.threshold))
	if err != nil {
		s.logger.ErrorContext(ctx, "stale presence sweep failed", "error", err)
		return
	}
	if len(userIDs) == 0 {
		return
	}
	s.logger.InfoContext(ctx, "flipped stale presences offline", slog.Int("count", len(userIDs)))
	for _, userID := range userIDs {
		s.publisher.PublishPresence(ctx, fanout.PresenceEvent{UserID: userID, Status: "offline"})
	}
}
