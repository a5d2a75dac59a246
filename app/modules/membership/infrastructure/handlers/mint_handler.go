package memberhandlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	memberdomain "github.com/parley-chat/parley/app/modules/membership/domain"
	memberdb "github.com/parley-chat/parley/app/modules/membership/infrastructure/repositories"
	memberjwt "github.com/parley-chat/parley/app/modules/membership/infrastructure/jwt"
	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
)

type sessionKey struct{}

// SessionFromContext returns the session claims placed by RequireSession.
func SessionFromContext(ctx context.Context) *memberdomain.SessionClaims {
	claims, _ := ctx.Value(sessionKey{}).(*memberdomain.SessionClaims)
	return claims
}

func contextWithSession(ctx context.Context, claims *memberdomain.SessionClaims) context.Context {
	return context.WithValue(ctx, sessionKey{}, claims)
}

// RequireSession authenticates requests with a core user session token.
func RequireSession(verifier memberjwt.SessionVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := verifier.VerifySession(token)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := contextWithSession(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MembershipReader is the slice of the membership repository minting needs.
type MembershipReader interface {
	Get(ctx context.Context, userID, coreServerID string) (*memberdb.CoreMembership, error)
}

// MintHandler issues membership tokens: the client presents its session and
// names a tenant server; the core answers with a short-lived RS256 token the
// owning node will accept. Minting is per-request; role changes take effect
// on the next mint.
type MintHandler struct {
	memberships MembershipReader
	issuer      memberjwt.MembershipIssuer
	logger      *slog.Logger
}

func NewMintHandler(memberships MembershipReader, issuer memberjwt.MembershipIssuer, logger *slog.Logger) *MintHandler {
	return &MintHandler{memberships: memberships, issuer: issuer, logger: logger}
}

type mintResponse struct {
	MembershipToken string `json:"membership_token"`
}

func (h *MintHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	if session == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	coreServerID := chi.URLParam(r, "coreServerID")

	membership, err := h.memberships.Get(r.Context(), session.UserID, coreServerID)
	if err != nil {
		h.logger.Error("failed to load membership", "user_id", session.UserID, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if membership == nil {
		// Non-members get the same answer as unknown servers.
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	token, err := h.issuer.Mint(&memberdomain.Claims{
		UserID:       session.UserID,
		ServerID:     membership.NodeServerID,
		CoreServerID: membership.CoreServerID,
		Roles:        membership.Roles,
		PlatformRole: permdomain.PlatformRole(membership.PlatformRole),
	})
	if err != nil {
		h.logger.Error("failed to mint membership token", "user_id", session.UserID, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(mintResponse{MembershipToken: token})
}
