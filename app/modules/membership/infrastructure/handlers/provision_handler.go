package memberhandlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	memberservice "github.com/parley-chat/parley/app/modules/membership/application"
	"github.com/parley-chat/parley/internal/nodeclient"
)

// ProvisionHandler creates a tenant server: the caller becomes the owner and
// the named node receives the default guild. Mounted on the operator
// surface; the session middleware has already run.
type ProvisionHandler struct {
	provisioner *memberservice.Provisioner
	logger      *slog.Logger
}

func NewProvisionHandler(provisioner *memberservice.Provisioner, logger *slog.Logger) *ProvisionHandler {
	return &ProvisionHandler{provisioner: provisioner, logger: logger}
}

type provisionPayload struct {
	CoreServerID string `json:"core_server_id"`
	NodeServerID string `json:"node_server_id"`
	GatewayURL   string `json:"gateway_url"`
	APIBaseURL   string `json:"api_base_url"`
	Name         string `json:"name"`
}

type provisionResponse struct {
	CoreServerID string `json:"core_server_id"`
	GuildID      string `json:"guild_id"`
}

func (h *ProvisionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	if session == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var payload provisionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.CoreServerID == "" || payload.NodeServerID == "" ||
		payload.GatewayURL == "" || payload.APIBaseURL == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	res, err := h.provisioner.Provision(r.Context(), memberservice.ProvisionRequest{
		CoreServerID: payload.CoreServerID,
		NodeServerID: payload.NodeServerID,
		GatewayURL:   payload.GatewayURL,
		APIBaseURL:   payload.APIBaseURL,
		OwnerID:      session.UserID,
		Name:         payload.Name,
	})
	if err != nil {
		if errors.Is(err, nodeclient.ErrNodeUnreachable) {
			http.Error(w, "node unreachable", http.StatusBadGateway)
			return
		}
		if errors.Is(err, nodeclient.ErrNodeRejected) {
			http.Error(w, "node rejected provision", http.StatusConflict)
			return
		}
		h.logger.Error("failed to provision server", "user_id", session.UserID, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(provisionResponse{
		CoreServerID: res.CoreServerID,
		GuildID:      res.GuildID,
	})
}
