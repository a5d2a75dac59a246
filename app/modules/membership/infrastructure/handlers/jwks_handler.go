package memberhandlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	memberjwt "github.com/parley-chat/parley/app/modules/membership/infrastructure/jwt"
)

// JWKSHandler serves the core's public key set at /v1/jwks.
type JWKSHandler struct {
	issuer memberjwt.MembershipIssuer
	logger *slog.Logger
}

// NewJWKSHandler creates the JWKS handler.
func NewJWKSHandler(issuer memberjwt.MembershipIssuer, logger *slog.Logger) *JWKSHandler {
	return &JWKSHandler{
		issuer: issuer,
		logger: logger,
	}
}

// ServeHTTP writes the key set. Keys rotate rarely; a short shared cache is
// fine and keeps node restarts from stampeding the core.
func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	set, err := h.issuer.PublicJWKS()
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to build jwks", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	if err := json.NewEncoder(w).Encode(set); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to write jwks response", "error", err)
	}
}
