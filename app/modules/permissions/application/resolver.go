package permservice

import (
	"context"
	"fmt"
	"log/slog"

	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
	"go.opentelemetry.io/otel/trace"
)

// Resolver computes effective channel permissions from role, membership and
// overwrite rows. It holds no state of its own; every call reads the current
// rows, so no resolved value can go stale.
type Resolver struct {
	store  Store
	logger *slog.Logger
	tracer trace.Tracer
}

// NewResolver creates a permission resolver.
func NewResolver(store Store, logger *slog.Logger, tracer trace.Tracer) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger,
		tracer: tracer,
	}
}

// Resolve returns the caller's effective permissions in the given channel.
//
// Short-circuit order: platform staff get the all-ones mask before any guild
// rows are read; ADMINISTRATOR in the role union bypasses channel overwrites.
// Otherwise overwrites apply as everyone-target, then all matching role
// targets merged into one allow/deny pair, then the member target.
func (r *Resolver) Resolve(ctx context.Context, guildID, channelID, userID string, platformRole permdomain.PlatformRole) (permdomain.Bitset, error) {
	ctx, span := r.tracer.Start(ctx, "permissions.Resolve")
	defer span.End()

	if platformRole.IsStaff() {
		return permdomain.All, nil
	}

	everyone, err := r.store.EveryoneRole(ctx, guildID)
	if err != nil {
		return 0, fmt.Errorf("failed to load everyone role: %w", err)
	}
	if everyone == nil {
		return 0, permdomain.ErrGuildNotFound
	}

	assigned, err := r.store.MemberRoles(ctx, guildID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load member roles: %w", err)
	}

	base := everyone.Permissions
	roleIDs := make(map[string]struct{}, len(assigned))
	for _, role := range assigned {
		base |= role.Permissions
		roleIDs[role.ID] = struct{}{}
	}

	if base.Has(permdomain.Administrator) {
		return permdomain.All, nil
	}

	if channelID == "" {
		// Guild-level resolve: no overwrites apply.
		return base, nil
	}

	overwrites, err := r.store.ChannelOverwrites(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("failed to load channel overwrites: %w", err)
	}

	var (
		everyoneOW *permdomain.Overwrite
		memberOW   *permdomain.Overwrite
		rolesAllow permdomain.Bitset
		rolesDeny  permdomain.Bitset
		hasRoleOWs bool
	)
	for i := range overwrites {
		ow := &overwrites[i]
		switch ow.TargetType {
		case permdomain.TargetRole:
			if ow.TargetID == everyone.ID {
				everyoneOW = ow
				continue
			}
			if _, held := roleIDs[ow.TargetID]; held {
				// Merge before applying: a deny on one held role can be
				// overridden by an allow on another, and the result is
				// independent of iteration order.
				rolesAllow |= ow.Allow
				rolesDeny |= ow.Deny
				hasRoleOWs = true
			}
		case permdomain.TargetMember:
			if ow.TargetID == userID {
				memberOW = ow
			}
		}
	}

	perms := base
	if everyoneOW != nil {
		perms = perms.Apply(everyoneOW.Allow, everyoneOW.Deny)
	}
	if hasRoleOWs {
		perms = perms.Apply(rolesAllow, rolesDeny)
	}
	if memberOW != nil {
		perms = perms.Apply(memberOW.Allow, memberOW.Deny)
	}

	return perms, nil
}

// ResolveGuild returns the caller's guild-level permissions, ignoring
// channel overwrites. ADMINISTRATOR is guild-global, so this is the right
// input for hierarchy and moderation checks.
func (r *Resolver) ResolveGuild(ctx context.Context, guildID, userID string, platformRole permdomain.PlatformRole) (permdomain.Bitset, error) {
	return r.Resolve(ctx, guildID, "", userID, platformRole)
}
