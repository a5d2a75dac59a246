package permissions

import (
	"context"
	"log/slog"
	"sync"

	"github.com/go-chi/chi/v5"
	gatewayregistry "github.com/parley-chat/parley/app/modules/gateway/registry"
	memberhandlers "github.com/parley-chat/parley/app/modules/membership/infrastructure/handlers"
	memberjwt "github.com/parley-chat/parley/app/modules/membership/infrastructure/jwt"
	permservice "github.com/parley-chat/parley/app/modules/permissions/application"
	permhandlers "github.com/parley-chat/parley/app/modules/permissions/infrastructure/handlers"
	"github.com/parley-chat/parley/app/shared/observability"
	"github.com/parley-chat/parley/config"
	"github.com/parley-chat/parley/db/bundb"
)

// Module owns permission resolution and the guild administration surface.
// It runs on nodes; the core only reads the node directory table.
type Module struct {
	config     *config.Config
	resolver   *permservice.Resolver
	hierarchy  *permservice.Hierarchy
	cancelFunc context.CancelFunc
	logger     *slog.Logger
}

// NewModule wires the resolver, hierarchy and REST handlers. The verifier
// guards the member-facing routes; the admin (provisioning) routes are
// mounted without it and must stay on the internal listener.
func NewModule(
	ctx context.Context,
	cfg *config.Config,
	obs *observability.Observability,
	dbs *bundb.DBService,
	verifier memberjwt.MembershipVerifier,
	broadcaster gatewayregistry.Broadcaster,
	httpRouter chi.Router,
) (*Module, error) {
	logger := obs.Logger.With(slog.String("component", "permissions"))

	logger.InfoContext(ctx, "Initializing permissions module")

	store := dbs.Permissions
	resolver := permservice.NewResolver(store, logger, obs.Tracer)
	hierarchy := permservice.NewHierarchy(store, resolver, logger)

	handlers := permhandlers.NewHandlers(store, hierarchy, resolver, broadcaster, logger)
	adminHandlers := permhandlers.NewAdminHandlers(store, logger)

	if httpRouter != nil {
		httpRouter.Group(func(r chi.Router) {
			r.Use(memberhandlers.CORSMiddleware(cfg.HTTP.AllowedOrigins))
			r.Use(memberhandlers.RequireMembership(verifier))
			handlers.Routes(r)
		})
		adminHandlers.Routes(httpRouter)
	}

	return &Module{
		config:    cfg,
		resolver:  resolver,
		hierarchy: hierarchy,
		logger:    logger,
	}, nil
}

// Run blocks until the context is cancelled.
func (m *Module) Run(ctx context.Context, wg *sync.WaitGroup) {
	m.logger.InfoContext(ctx, "Starting permissions module")

	ctx, cancel := context.WithCancel(ctx)
	m.cancelFunc = cancel
	defer cancel()

	if wg != nil {
		defer wg.Done()
	}

	<-ctx.Done()
	m.logger.InfoContext(ctx, "Permissions module goroutine stopped")
}

// Close stops the permissions module.
func (m *Module) Close() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
	}
	m.logger.Info("Permissions module stopped")
	return nil
}

// Resolver exposes the permission resolver for the gateway's voice checks.
func (m *Module) Resolver() *permservice.Resolver {
	return m.resolver
}
