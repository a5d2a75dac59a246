package permhandlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	gatewaydomain "github.com/parley-chat/parley/app/modules/gateway/domain"
	gatewayregistry "github.com/parley-chat/parley/app/modules/gateway/registry"
	memberhandlers "github.com/parley-chat/parley/app/modules/membership/infrastructure/handlers"
	permservice "github.com/parley-chat/parley/app/modules/permissions/application"
	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
)

// AdminStore is the write side of the permission tables.
type AdminStore interface {
	GetRole(ctx context.Context, roleID string) (*permdomain.Role, error)
	CreateRole(ctx context.Context, role *permdomain.Role) error
	UpdateRole(ctx context.Context, roleID string, updates map[string]interface{}) error
	DeleteRole(ctx context.Context, roleID string) error
	UpsertOverwrite(ctx context.Context, ow *permdomain.Overwrite) error
	DeleteOverwrite(ctx context.Context, channelID string, targetType permdomain.OverwriteTarget, targetID string) error
	AssignRole(ctx context.Context, guildID, userID, roleID string) error
	UnassignRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveMember(ctx context.Context, guildID, userID string) error
	CreateBan(ctx context.Context, guildID, userID, reason string) error
}

// Handlers exposes guild administration over REST. Every route requires a
// verified membership token; the hierarchy service decides whether the actor
// outranks the target.
type Handlers struct {
	store       AdminStore
	hierarchy   *permservice.Hierarchy
	resolver    *permservice.Resolver
	broadcaster gatewayregistry.Broadcaster
	logger      *slog.Logger
}

func NewHandlers(store AdminStore, hierarchy *permservice.Hierarchy, resolver *permservice.Resolver, broadcaster gatewayregistry.Broadcaster, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:       store,
		hierarchy:   hierarchy,
		resolver:    resolver,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Routes mounts the guild administration endpoints.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/v1/guilds/{guildID}", func(r chi.Router) {
		r.Post("/roles", h.createRole)
		r.Patch("/roles/{roleID}", h.updateRole)
		r.Delete("/roles/{roleID}", h.deleteRole)

		r.Put("/channels/{channelID}/overwrites/{targetType}/{targetID}", h.upsertOverwrite)
		r.Delete("/channels/{channelID}/overwrites/{targetType}/{targetID}", h.deleteOverwrite)

		r.Put("/members/{userID}/roles/{roleID}", h.assignRole)
		r.Delete("/members/{userID}/roles/{roleID}", h.unassignRole)
		r.Delete("/members/{userID}", h.kickMember)
		r.Put("/bans/{userID}", h.banMember)
	})
}

type rolePayload struct {
	Name        string `json:"name"`
	Position    int    `json:"position"`
	Permissions uint64 `json:"permissions"`
}

type banPayload struct {
	Reason string `json:"reason"`
}

type overwritePayload struct {
	Allow uint64 `json:"allow"`
	Deny  uint64 `json:"deny"`
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, permdomain.ErrMissingPerms),
		errors.Is(err, permdomain.ErrRoleHierarchy),
		errors.Is(err, permdomain.ErrCannotEditEveryone),
		errors.Is(err, permdomain.ErrCannotKickOwner),
		errors.Is(err, permdomain.ErrCannotBanOwner):
		status = http.StatusForbidden
	case errors.Is(err, permdomain.ErrNotGuildMember):
		status = http.StatusForbidden
	case errors.Is(err, permdomain.ErrGuildNotFound),
		errors.Is(err, permdomain.ErrChannelNotFound),
		errors.Is(err, permdomain.ErrRoleNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("guild admin request failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func (h *Handlers) createRole(w http.ResponseWriter, r *http.Request) {
	auth := memberhandlers.FromContext(r.Context())
	guildID := chi.URLParam(r, "guildID")

	var payload rolePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	// Creating at a position requires the actor to outrank that position.
	if err := h.hierarchy.CanEditRole(r.Context(), guildID, auth.UserID, auth.PlatformRole, payload.Position); err != nil {
		h.writeError(w, err)
		return
	}

	role := &permdomain.Role{
		GuildID:     guildID,
		Name:        payload.Name,
		Position:    payload.Position,
		Permissions: permdomain.Bitset(payload.Permissions),
	}
	if err := h.store.CreateRole(r.Context(), role); err != nil {
		h.writeError(w, err)
		return
	}

	h.broadcaster.BroadcastGuild(guildID, gatewaydomain.EventRoleCreate, role)
	h.writeJSON(w, http.StatusCreated, role)
}

func (h *Handlers) updateRole(w http.ResponseWriter, r *http.Request) {
	auth := memberhandlers.FromContext(r.Context())
	guildID := chi.URLParam(r, "guildID")
	roleID := chi.URLParam(r, "roleID")

	role, err := h.store.GetRole(r.Context(), roleID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if role == nil || role.GuildID != guildID {
		h.writeError(w, permdomain.ErrRoleNotFound)
		return
	}
	if err := h.hierarchy.CanEditRoleRow(r.Context(), role, auth.UserID, auth.PlatformRole); err != nil {
		h.writeError(w, err)
		return
	}

	var payload rolePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	updates := map[string]interface{}{
		"name":        payload.Name,
		"position":    payload.Position,
		"permissions": payload.Permissions,
	}
	if err := h.store.UpdateRole(r.Context(), roleID, updates); err != nil {
		h.writeError(w, err)
		return
	}

	h.broadcaster.BroadcastGuild(guildID, gatewaydomain.EventRoleUpdate, map[string]any{
		"role_id": roleID, "updates": updates,
	})
	h.writeJSON(w, http.StatusOK, nil)
}

func (h *Handlers) deleteRole(w http.ResponseWriter, r *http.Request) {
	auth := memberhandlers.FromContext(r.Context())
	guildID := chi.URLParam(r, "guildID")
	roleID := chi.URLParam(r, "roleID")

	role, err := h.store.GetRole(r.Context(), roleID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if role == nil || role.GuildID != guildID {
		h.writeError(w, permdomain.ErrRoleNotFound)
		return
	}
	if err := h.hierarchy.CanEditRoleRow(r.Context(), role, auth.UserID, auth.PlatformRole); err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.store.DeleteRole(r.Context(), roleID); err != nil {
		h.writeError(w, err)
		return
	}

	h.broadcaster.BroadcastGuild(guildID, gatewaydomain.EventRoleDelete, map[string]string{"role_id": roleID})
	h.writeJSON(w, http.StatusNoContent, nil)
}

func parseTargetType(s string) (permdomain.OverwriteTarget, bool) {
	switch s {
	case string(permdomain.TargetRole):
		return permdomain.TargetRole, true
	case string(permdomain.TargetMember):
		return permdomain.TargetMember, true
	default:
		return "", false
	}
}

func (h *Handlers) upsertOverwrite(w http.ResponseWriter, r *http.Request) {
	auth := memberhandlers.FromContext(r.Context())
	guildID := chi.URLParam(r, "guildID")
	channelID := chi.URLParam(r, "channelID")

	targetType, ok := parseTargetType(chi.URLParam(r, "targetType"))
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid target type"})
		return
	}

	var payload overwritePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	if err := h.hierarchy.CanModerate(r.Context(), guildID, auth.UserID, auth.PlatformRole, permdomain.ManageRoles); err != nil {
		h.writeError(w, err)
		return
	}

	ow := &permdomain.Overwrite{
		ChannelID:  channelID,
		TargetType: targetType,
		TargetID:   chi.URLParam(r, "targetID"),
		Allow:      permdomain.Bitset(payload.Allow),
		Deny:       permdomain.Bitset(payload.Deny),
	}
	if err := h.store.UpsertOverwrite(r.Context(), ow); err != nil {
		h.writeError(w, err)
		return
	}

	h.broadcaster.BroadcastChannel(channelID, gatewaydomain.EventChannelOverwriteUpdate, ow)
	h.writeJSON(w, http.StatusOK, ow)
}

func (h *Handlers) deleteOverwrite(w http.ResponseWriter, r *http.Request) {
	auth := memberhandlers.FromContext(r.Context())
	guildID := chi.URLParam(r, "guildID")
	channelID := chi.URLParam(r, "channelID")

	targetType, ok := parseTargetType(chi.URLParam(r, "targetType"))
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid target type"})
		return
	}

	if err := h.hierarchy.CanModerate(r.Context(), guildID, auth.UserID, auth.PlatformRole, permdomain.ManageRoles); err != nil {
		h.writeError(w, err)
		return
	}

	targetID := chi.URLParam(r, "targetID")
	if err := h.store.DeleteOverwrite(r.Context(), channelID, targetType, targetID); err != nil {
		h.writeError(w, err)
		return
	}

	h.broadcaster.BroadcastChannel(channelID, gatewaydomain.EventChannelOverwriteDelete, map[string]string{
		"channel_id": channelID, "target_type": string(targetType), "target_id": targetID,
	})
	h.writeJSON(w, http.StatusNoContent, nil)
}

func (h *Handlers) assignRole(w http.ResponseWriter, r *http.Request) {
	h.changeMemberRole(w, r, true)
}

func (h *Handlers) unassignRole(w http.ResponseWriter, r *http.Request) {
	h.changeMemberRole(w, r, false)
}

// changeMemberRole covers both assignment and removal: either way the actor
// must be able to edit the role being granted or revoked.
func (h *Handlers) changeMemberRole(w http.ResponseWriter, r *http.Request, assign bool) {
	auth := memberhandlers.FromContext(r.Context())
	guildID := chi.URLParam(r, "guildID")
	userID := chi.URLParam(r, "userID")
	roleID := chi.URLParam(r, "roleID")

	role, err := h.store.GetRole(r.Context(), roleID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if role == nil || role.GuildID != guildID {
		h.writeError(w, permdomain.ErrRoleNotFound)
		return
	}
	if err := h.hierarchy.CanEditRole(r.Context(), guildID, auth.UserID, auth.PlatformRole, role.Position); err != nil {
		h.writeError(w, err)
		return
	}

	if assign {
		err = h.store.AssignRole(r.Context(), guildID, userID, roleID)
	} else {
		err = h.store.UnassignRole(r.Context(), guildID, userID, roleID)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.broadcaster.BroadcastGuild(guildID, gatewaydomain.EventGuildMemberUpdate, map[string]any{
		"user_id": userID, "role_id": roleID, "assigned": assign,
	})
	h.writeJSON(w, http.StatusNoContent, nil)
}

func (h *Handlers) kickMember(w http.ResponseWriter, r *http.Request) {
	auth := memberhandlers.FromContext(r.Context())
	guildID := chi.URLParam(r, "guildID")
	userID := chi.URLParam(r, "userID")

	if err := h.hierarchy.CanKick(r.Context(), guildID, auth.UserID, userID, auth.PlatformRole); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.store.RemoveMember(r.Context(), guildID, userID); err != nil {
		h.writeError(w, err)
		return
	}

	h.broadcaster.BroadcastGuild(guildID, gatewaydomain.EventGuildMemberKick, map[string]string{"user_id": userID})
	h.writeJSON(w, http.StatusNoContent, nil)
}

func (h *Handlers) banMember(w http.ResponseWriter, r *http.Request) {
	auth := memberhandlers.FromContext(r.Context())
	guildID := chi.URLParam(r, "guildID")
	userID := chi.URLParam(r, "userID")

	var payload banPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	if err := h.hierarchy.CanBan(r.Context(), guildID, auth.UserID, userID, auth.PlatformRole); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.store.CreateBan(r.Context(), guildID, userID, payload.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.store.RemoveMember(r.Context(), guildID, userID); err != nil {
		h.writeError(w, err)
		return
	}

	h.broadcaster.BroadcastGuild(guildID, gatewaydomain.EventGuildMemberBan, map[string]string{"user_id": userID})
	h.writeJSON(w, http.StatusNoContent, nil)
}
