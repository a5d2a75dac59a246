package memberhandlers

import (
	"context"
	"net/http"
	"strings"

	memberdomain "github.com/parley-chat/parley/app/modules/membership/domain"
	memberjwt "github.com/parley-chat/parley/app/modules/membership/infrastructure/jwt"
)

type contextKey struct{}

var authContextKey contextKey

// FromContext returns the authorization context populated by
// RequireMembership, or nil when the request never passed the middleware.
func FromContext(ctx context.Context) *memberdomain.AuthContext {
	auth, _ := ctx.Value(authContextKey).(*memberdomain.AuthContext)
	return auth
}

// WithAuthContext injects an authorization context; the gateway uses it when
// driving handlers from an identified WebSocket session, tests use it
// directly.
func WithAuthContext(ctx context.Context, auth *memberdomain.AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, auth)
}

// RequireMembership verifies the bearer membership token and populates the
// request's authorization context. Every guild/channel-scoped route mounts
// it; handlers may assume FromContext is non-nil behind it.
func RequireMembership(verifier memberjwt.MembershipVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				// One generic rejection for every failure class.
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			auth := &memberdomain.AuthContext{
				UserID:       claims.UserID,
				ServerID:     claims.ServerID,
				CoreServerID: claims.CoreServerID,
				Roles:        claims.Roles,
				PlatformRole: claims.PlatformRole,
				RawToken:     raw,
			}
			next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), auth)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
