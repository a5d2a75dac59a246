package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/parley-chat/parley/app/modules/fanout"
	gatewayapp "github.com/parley-chat/parley/app/modules/gateway/application"
	gatewayregistry "github.com/parley-chat/parley/app/modules/gateway/registry"
	voiceservice "github.com/parley-chat/parley/app/modules/voice/application"
	"github.com/parley-chat/parley/app/modules/voice/infrastructure/sfu"
	"github.com/parley-chat/parley/app/shared/observability"
	"github.com/parley-chat/parley/config"
	"github.com/parley-chat/parley/db/bundb"
)

// Deps carries the role-specific collaborators the gateway composes. The
// core leaves Members and Perms nil and sets Tunneler; a node does the
// opposite. EnableVoice starts the SFU engine, node-only.
type Deps struct {
	Registry    *gatewayregistry.Registry
	DB          *bundb.DBService
	Sessions    gatewayapp.SessionVerifier
	Members     gatewayapp.MembershipVerifier
	Perms       gatewayapp.PermissionChecker
	Bridge      fanout.Bridge
	Tunneler    gatewayapp.Tunneler
	EnableVoice bool
}

// Module is the realtime surface: WebSocket sessions, presence sweeps,
// cross-instance fanout and (on nodes) the voice control plane.
type Module struct {
	config   *config.Config
	registry *gatewayregistry.Registry
	manager  *gatewayapp.SessionManager
	liveness *gatewayapp.LivenessSweeper
	stale    *gatewayapp.StalePresenceSweeper
	voice    *voiceservice.Service
	engine   *sfu.Engine
	bridge   fanout.Bridge

	connCtx    context.Context
	cancelFunc context.CancelFunc
	logger     *slog.Logger
}

// NewModule wires the gateway and registers the WebSocket route.
func NewModule(
	ctx context.Context,
	cfg *config.Config,
	obs *observability.Observability,
	deps Deps,
	httpRouter chi.Router,
) (*Module, error) {
	logger := obs.Logger.With(slog.String("component", "gateway"))

	logger.InfoContext(ctx, "Initializing gateway module")

	var (
		voice  *voiceservice.Service
		engine *sfu.Engine
	)
	if deps.EnableVoice {
		var err error
		engine, err = sfu.NewEngine(cfg.Voice.ICEServers, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start sfu engine: %w", err)
		}
		voice = voiceservice.NewService(engine, deps.DB.Presence, deps.Registry, logger, obs.Tracer)
	}

	sessionDeps := gatewayapp.Deps{
		Registry: deps.Registry,
		Presence: deps.DB.Presence,
		Sessions: deps.Sessions,
		Members:  deps.Members,
		Perms:    deps.Perms,
		Bridge:   deps.Bridge,
		Tunneler: deps.Tunneler,
	}
	if voice != nil {
		sessionDeps.Voice = voice
	}
	manager := gatewayapp.NewSessionManager(sessionDeps, obs)

	module := &Module{
		config:   cfg,
		registry: deps.Registry,
		manager:  manager,
		liveness: gatewayapp.NewLivenessSweeper(deps.Registry, obs),
		voice:    voice,
		engine:   engine,
		bridge:   deps.Bridge,
		connCtx:  ctx,
		logger:   logger,
	}
	// Only access-token sessions write presence rows, so the stale sweep
	// has work to do only where those sessions land.
	if deps.Sessions != nil {
		module.stale = gatewayapp.NewStalePresenceSweeper(deps.DB.Presence, manager, obs)
	}

	if httpRouter != nil {
		httpRouter.Get("/gateway", module.handleWS)
		if deps.Members != nil {
			// Node listeners also answer on the root path, which is what
			// the core's tunnel and older clients dial.
			httpRouter.Get("/", module.handleWS)
		}
	}

	return module, nil
}

// handleWS upgrades the request and hands the socket to the session manager.
// The handler blocks until the connection dies; returning earlier would tear
// the hijacked socket down under the pumps.
func (m *Module) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: m.config.HTTP.AllowedOrigins,
	})
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// Connections hang off the process context so shutdown cancels every
	// pump without waiting on the HTTP server.
	conn := m.manager.Accept(m.connCtx, ws)
	<-conn.Done()
}

// Run starts the bridge and the sweeps, then blocks until the context ends.
func (m *Module) Run(ctx context.Context, wg *sync.WaitGroup) {
	m.logger.InfoContext(ctx, "Starting gateway module")

	ctx, cancel := context.WithCancel(ctx)
	m.cancelFunc = cancel
	defer cancel()

	if wg != nil {
		defer wg.Done()
	}

	if m.bridge != nil {
		if err := m.bridge.Start(ctx, m.manager); err != nil {
			m.logger.ErrorContext(ctx, "Failed to start fanout bridge", "error", err)
			return
		}
	}

	go m.liveness.Run(ctx)
	if m.stale != nil {
		go m.stale.Run(ctx)
	}

	m.logger.InfoContext(ctx, "Gateway module started")
	<-ctx.Done()
	m.logger.InfoContext(ctx, "Gateway module goroutine stopped")
}

// Close stops the gateway module and tears down every voice room.
func (m *Module) Close() error {
	m.logger.Info("Stopping gateway module")

	if m.cancelFunc != nil {
		m.cancelFunc()
	}
	if m.voice != nil {
		if err := m.voice.Close(); err != nil {
			m.logger.Error("Error closing voice service", "error", err)
		}
	}
	if m.engine != nil {
		if err := m.engine.Close(); err != nil {
			m.logger.Error("Error closing sfu engine", "error", err)
		}
	}

	m.logger.Info("Gateway module stopped")
	return nil
}

// SessionManager exposes the manager for delivery entry points (DMs,
// signals) owned by other modules.
func (m *Module) SessionManager() *gatewayapp.SessionManager {
	return m.manager
}
