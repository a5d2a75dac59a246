package permservice

import (
	"context"

	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
)

// Store is the read surface the resolver and authorizer need. The bun
// repository implements it; tests use the fake in fake_test.go.
type Store interface {
	GetGuild(ctx context.Context, guildID string) (*permdomain.Guild, error)
	EveryoneRole(ctx context.Context, guildID string) (*permdomain.Role, error)
	// MemberRoles returns the roles explicitly assigned to the member, not
	// including the everyone role.
	MemberRoles(ctx context.Context, guildID, userID string) ([]permdomain.Role, error)
	IsMember(ctx context.Context, guildID, userID string) (bool, error)
	ChannelOverwrites(ctx context.Context, channelID string) ([]permdomain.Overwrite, error)
}
