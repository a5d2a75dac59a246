package permservice

import (
	"context"
	"fmt"
	"log/slog"

	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
)

// Hierarchy decides role-management and moderation authority using role
// position ordering on top of the resolver's permission bits.
type Hierarchy struct {
	store    Store
	resolver *Resolver
	logger   *slog.Logger
}

// NewHierarchy creates a hierarchy authorizer.
func NewHierarchy(store Store, resolver *Resolver, logger *slog.Logger) *Hierarchy {
	return &Hierarchy{
		store:    store,
		resolver: resolver,
		logger:   logger,
	}
}

// topPosition returns the position of the actor's highest assigned role.
// A member with no assigned roles sits at the everyone role's position 0.
func (h *Hierarchy) topPosition(ctx context.Context, guildID, userID string) (int, error) {
	roles, err := h.store.MemberRoles(ctx, guildID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load member roles: %w", err)
	}
	top := 0
	for _, role := range roles {
		if role.Position > top {
			top = role.Position
		}
	}
	return top, nil
}

// bypass reports whether the actor is the guild owner, platform staff, or a
// guild administrator. All of those skip hierarchy and bit checks.
func (h *Hierarchy) bypass(ctx context.Context, guild *permdomain.Guild, actorID string, platformRole permdomain.PlatformRole) (bool, error) {
	if actorID == guild.OwnerID {
		return true, nil
	}
	perms, err := h.resolver.ResolveGuild(ctx, guild.ID, actorID, platformRole)
	if err != nil {
		return false, err
	}
	return perms.Has(permdomain.Administrator), nil
}

// CanEditRole reports whether the actor may create, edit, assign or delete a
// role at the given position. The everyone role is never editable; its
// callers must reject it before consulting the hierarchy (see CanEditRoleRow).
func (h *Hierarchy) CanEditRole(ctx context.Context, guildID, actorID string, platformRole permdomain.PlatformRole, targetPosition int) error {
	guild, err := h.store.GetGuild(ctx, guildID)
	if err != nil {
		return fmt.Errorf("failed to load guild: %w", err)
	}
	if guild == nil {
		return permdomain.ErrGuildNotFound
	}

	ok, err := h.bypass(ctx, guild, actorID, platformRole)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	perms, err := h.resolver.ResolveGuild(ctx, guildID, actorID, platformRole)
	if err != nil {
		return err
	}
	if !perms.Has(permdomain.ManageRoles) {
		return permdomain.ErrMissingPerms
	}

	top, err := h.topPosition(ctx, guildID, actorID)
	if err != nil {
		return err
	}
	if top <= targetPosition {
		return permdomain.ErrRoleHierarchy
	}
	return nil
}

// CanEditRoleRow applies the everyone-role protection before the positional
// check. Owners and administrators do not bypass it: the everyone role is
// immutable for everybody.
func (h *Hierarchy) CanEditRoleRow(ctx context.Context, role *permdomain.Role, actorID string, platformRole permdomain.PlatformRole) error {
	if role.IsEveryone {
		return permdomain.ErrCannotEditEveryone
	}
	return h.CanEditRole(ctx, role.GuildID, actorID, platformRole, role.Position)
}

// CanModerate reports whether the actor holds the given moderation bit
// (or a bypass) in the guild.
func (h *Hierarchy) CanModerate(ctx context.Context, guildID, actorID string, platformRole permdomain.PlatformRole, bit permdomain.Bitset) error {
	guild, err := h.store.GetGuild(ctx, guildID)
	if err != nil {
		return fmt.Errorf("failed to load guild: %w", err)
	}
	if guild == nil {
		return permdomain.ErrGuildNotFound
	}

	ok, err := h.bypass(ctx, guild, actorID, platformRole)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	perms, err := h.resolver.ResolveGuild(ctx, guildID, actorID, platformRole)
	if err != nil {
		return err
	}
	if !perms.Has(bit) {
		return permdomain.ErrMissingPerms
	}
	return nil
}

// CanKick authorizes a kick: the owner is unkickable, the actor needs
// KICK_MEMBERS (or a bypass), and a non-bypassing actor must outrank the
// target.
func (h *Hierarchy) CanKick(ctx context.Context, guildID, actorID, targetID string, platformRole permdomain.PlatformRole) error {
	return h.canRemove(ctx, guildID, actorID, targetID, platformRole, permdomain.KickMembers, permdomain.ErrCannotKickOwner)
}

// CanBan authorizes a ban with the same shape as CanKick.
func (h *Hierarchy) CanBan(ctx context.Context, guildID, actorID, targetID string, platformRole permdomain.PlatformRole) error {
	return h.canRemove(ctx, guildID, actorID, targetID, platformRole, permdomain.BanMembers, permdomain.ErrCannotBanOwner)
}

func (h *Hierarchy) canRemove(ctx context.Context, guildID, actorID, targetID string, platformRole permdomain.PlatformRole, bit permdomain.Bitset, ownerErr error) error {
	guild, err := h.store.GetGuild(ctx, guildID)
	if err != nil {
		return fmt.Errorf("failed to load guild: %w", err)
	}
	if guild == nil {
		return permdomain.ErrGuildNotFound
	}
	if targetID == guild.OwnerID {
		// Owner protection holds regardless of the actor's permission bits.
		return ownerErr
	}

	ok, err := h.bypass(ctx, guild, actorID, platformRole)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	perms, err := h.resolver.ResolveGuild(ctx, guildID, actorID, platformRole)
	if err != nil {
		return err
	}
	if !perms.Has(bit) {
		return permdomain.ErrMissingPerms
	}

	actorTop, err := h.topPosition(ctx, guildID, actorID)
	if err != nil {
		return err
	}
	targetTop, err := h.topPosition(ctx, guildID, targetID)
	if err != nil {
		return err
	}
	if actorTop <= targetTop {
		return permdomain.ErrRoleHierarchy
	}
	return nil
}
