package membership

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-chi/chi/v5"
	memberservice "github.com/parley-chat/parley/app/modules/membership/application"
	memberhandlers "github.com/parley-chat/parley/app/modules/membership/infrastructure/handlers"
	memberjwt "github.com/parley-chat/parley/app/modules/membership/infrastructure/jwt"
	"github.com/parley-chat/parley/app/shared/observability"
	"github.com/parley-chat/parley/config"
	"github.com/parley-chat/parley/db/bundb"
	"github.com/parley-chat/parley/internal/nodeclient"
)

// Module is the core-side identity surface: it mints membership tokens,
// publishes the JWKS nodes verify against and provisions tenant servers.
// Nodes do not run this module; they build a verifier with NewNodeVerifier.
type Module struct {
	config     *config.Config
	issuer     *memberjwt.Issuer
	sessions   *memberjwt.HMACSessionVerifier
	cancelFunc context.CancelFunc
	logger     *slog.Logger
}

// NewModule wires the issuer and registers the identity routes.
func NewModule(
	ctx context.Context,
	cfg *config.Config,
	obs *observability.Observability,
	dbs *bundb.DBService,
	httpRouter chi.Router,
) (*Module, error) {
	logger := obs.Logger.With(slog.String("component", "membership"))

	logger.InfoContext(ctx, "Initializing membership module")

	issuer, err := memberjwt.NewIssuerFromPEM(cfg.Core.SigningKeyPath, cfg.Core.Issuer, cfg.Core.MembershipTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	sessions := memberjwt.NewHMACSessionVerifier(cfg.Core.SessionSecret)

	jwksHandler := memberhandlers.NewJWKSHandler(issuer, logger)
	mintHandler := memberhandlers.NewMintHandler(dbs.Memberships, issuer, logger)

	provisioner := memberservice.NewProvisioner(
		nodeclient.New(logger),
		dbs.Permissions,
		dbs.Memberships,
		logger,
		obs.Tracer,
	)
	provisionHandler := memberhandlers.NewProvisionHandler(provisioner, logger)
	joinHandler := memberhandlers.NewJoinHandler(provisioner, logger)

	if httpRouter != nil {
		// Minting is cheap but unauthenticated failures are not; the
		// per-IP limiter keeps token-guessing from turning into DB load.
		limiter := memberhandlers.NewIPRateLimiter(5, 10)
		httpRouter.Group(func(r chi.Router) {
			r.Use(memberhandlers.CORSMiddleware(cfg.HTTP.AllowedOrigins))

			r.Get("/v1/jwks", jwksHandler.ServeHTTP)

			r.Group(func(r chi.Router) {
				r.Use(memberhandlers.RateLimit(limiter))
				r.Use(memberhandlers.RequireSession(sessions))
				r.Post("/v1/servers/{coreServerID}/membership", mintHandler.ServeHTTP)
				r.Post("/v1/servers/{coreServerID}/join", joinHandler.ServeHTTP)
				r.Post("/v1/admin/servers", provisionHandler.ServeHTTP)
			})
		})
	}

	return &Module{
		config:   cfg,
		issuer:   issuer,
		sessions: sessions,
		logger:   logger,
	}, nil
}

// Run blocks until the context is cancelled; the module has no background
// work of its own.
func (m *Module) Run(ctx context.Context, wg *sync.WaitGroup) {
	m.logger.InfoContext(ctx, "Starting membership module")

	ctx, cancel := context.WithCancel(ctx)
	m.cancelFunc = cancel
	defer cancel()

	if wg != nil {
		defer wg.Done()
	}

	<-ctx.Done()
	m.logger.InfoContext(ctx, "Membership module goroutine stopped")
}

// Close stops the membership module.
func (m *Module) Close() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
	}
	m.logger.Info("Membership module stopped")
	return nil
}

// Issuer returns the token issuer, used by the core gateway to verify
// membership tokens before tunnelling.
func (m *Module) Issuer() *memberjwt.Issuer {
	return m.issuer
}

// SessionVerifier returns the session verifier shared with the gateway.
func (m *Module) SessionVerifier() *memberjwt.HMACSessionVerifier {
	return m.sessions
}

// SelfVerifier builds a verifier over the core's own signing key. The empty
// audience skips the audience check: the core sees tokens minted for every
// node, and the owning node re-checks its own audience after the tunnel.
func (m *Module) SelfVerifier(logger *slog.Logger) *memberjwt.Verifier {
	keys := memberjwt.NewStaticKeySource(map[string]*rsa.PublicKey{
		m.issuer.KeyID(): m.issuer.PublicKey(),
	})
	return memberjwt.NewVerifier(keys, m.config.Core.Issuer, "", logger)
}

// NewNodeVerifier builds the membership verifier a node runs: keys come from
// the core's JWKS endpoint and the audience is pinned to this node's
// identity.
func NewNodeVerifier(cfg config.NodeConfig, logger *slog.Logger) *memberjwt.Verifier {
	keys := memberjwt.NewRemoteKeySource(cfg.CoreJWKS, nil)
	return memberjwt.NewVerifier(keys, cfg.CoreIssuer, cfg.ServerID, logger)
}
