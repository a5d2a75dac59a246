package permhandlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
)

// defaultEveryonePermissions is the grant a fresh guild's everyone role
// starts with.
const defaultEveryonePermissions = permdomain.ViewChannel |
	permdomain.SendMessages |
	permdomain.CreateInvite |
	permdomain.Connect |
	permdomain.Speak

// ProvisionStore is the slice of the store the admin surface needs.
type ProvisionStore interface {
	GetGuild(ctx context.Context, guildID string) (*permdomain.Guild, error)
	GuildsByCoreServer(ctx context.Context, coreServerID string) ([]*permdomain.Guild, error)
	ProvisionGuild(ctx context.Context, guild *permdomain.Guild, everyone *permdomain.Role) error
	DeleteGuild(ctx context.Context, guildID string) error
	UpsertMember(ctx context.Context, guildID, userID string) error
}

// AdminHandlers is the node-local provisioning surface the core calls when
// placing or removing a tenant. It is mounted on the internal listener only;
// end users never reach it.
type AdminHandlers struct {
	store  ProvisionStore
	logger *slog.Logger
}

func NewAdminHandlers(store ProvisionStore, logger *slog.Logger) *AdminHandlers {
	return &AdminHandlers{store: store, logger: logger}
}

// Routes mounts the provisioning endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	r.Route("/v1/admin", func(r chi.Router) {
		r.Post("/guilds", h.provisionGuild)
		r.Delete("/guilds/{guildID}", h.deleteGuild)
		r.Put("/servers/{coreServerID}/members/{userID}", h.syncMember)
	})
}

type guildProvisionPayload struct {
	CoreServerID string `json:"core_server_id"`
	GuildID      string `json:"guild_id"`
	OwnerID      string `json:"owner_id"`
	Name         string `json:"name"`
}

func (h *AdminHandlers) provisionGuild(w http.ResponseWriter, r *http.Request) {
	var payload guildProvisionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.GuildID == "" || payload.CoreServerID == "" || payload.OwnerID == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	existing, err := h.store.GetGuild(r.Context(), payload.GuildID)
	if err != nil {
		h.logger.Error("failed to check guild", "guild_id", payload.GuildID, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if existing != nil {
		// The core retries provision calls; an already-placed guild is a
		// replay, not a conflict.
		if existing.CoreServerID == payload.CoreServerID {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "guild id taken by another tenant", http.StatusConflict)
		return
	}

	guild := &permdomain.Guild{
		ID:           payload.GuildID,
		CoreServerID: payload.CoreServerID,
		OwnerID:      payload.OwnerID,
		Name:         payload.Name,
	}
	everyone := &permdomain.Role{
		ID:          uuid.NewString(),
		GuildID:     payload.GuildID,
		Name:        "everyone",
		Position:    0,
		Permissions: defaultEveryonePermissions,
		IsEveryone:  true,
	}
	if err := h.store.ProvisionGuild(r.Context(), guild, everyone); err != nil {
		h.logger.Error("failed to provision guild", "guild_id", payload.GuildID, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.logger.Info("guild provisioned",
		"guild_id", payload.GuildID,
		"core_server_id", payload.CoreServerID,
	)
	w.WriteHeader(http.StatusCreated)
}

// syncMember mirrors a core-side join onto this node: the user becomes a
// member of every guild the tenant owns here. Upserts, so replays are safe.
func (h *AdminHandlers) syncMember(w http.ResponseWriter, r *http.Request) {
	coreServerID := chi.URLParam(r, "coreServerID")
	userID := chi.URLParam(r, "userID")

	guilds, err := h.store.GuildsByCoreServer(r.Context(), coreServerID)
	if err != nil {
		h.logger.Error("failed to list tenant guilds", "core_server_id", coreServerID, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if len(guilds) == 0 {
		http.Error(w, "unknown tenant", http.StatusNotFound)
		return
	}

	for _, guild := range guilds {
		if err := h.store.UpsertMember(r.Context(), guild.ID, userID); err != nil {
			h.logger.Error("failed to sync member",
				"guild_id", guild.ID, "user_id", userID, "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandlers) deleteGuild(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	if err := h.store.DeleteGuild(r.Context(), guildID); err != nil {
		h.logger.Error("failed to delete guild", "guild_id", guildID, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
