package memberhandlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	memberservice "github.com/parley-chat/parley/app/modules/membership/application"
	"github.com/parley-chat/parley/internal/nodeclient"
)

// JoinHandler adds the calling user to a tenant server and mirrors the
// membership onto the hosting node.
type JoinHandler struct {
	provisioner *memberservice.Provisioner
	logger      *slog.Logger
}

func NewJoinHandler(provisioner *memberservice.Provisioner, logger *slog.Logger) *JoinHandler {
	return &JoinHandler{provisioner: provisioner, logger: logger}
}

type joinResponse struct {
	CoreServerID string `json:"core_server_id"`
	NodeServerID string `json:"node_server_id"`
}

func (h *JoinHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	if session == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	coreServerID := chi.URLParam(r, "coreServerID")

	membership, err := h.provisioner.Join(r.Context(), coreServerID, session.UserID)
	if err != nil {
		if errors.Is(err, memberservice.ErrServerNotFound) {
			http.Error(w, "unknown server", http.StatusNotFound)
			return
		}
		if errors.Is(err, nodeclient.ErrNodeUnreachable) {
			http.Error(w, "node unreachable", http.StatusBadGateway)
			return
		}
		h.logger.Error("failed to join server",
			"core_server_id", coreServerID, "user_id", session.UserID, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(joinResponse{
		CoreServerID: membership.CoreServerID,
		NodeServerID: membership.NodeServerID,
	})
}
