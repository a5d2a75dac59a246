package permservice

import (
	"context"

	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
)

// ------------------------
// Fake Store
// ------------------------

type FakeStore struct {
	trace []string

	GetGuildFn          func(ctx context.Context, guildID string) (*permdomain.Guild, error)
	EveryoneRoleFn      func(ctx context.Context, guildID string) (*permdomain.Role, error)
	MemberRolesFn       func(ctx context.Context, guildID, userID string) ([]permdomain.Role, error)
	IsMemberFn          func(ctx context.Context, guildID, userID string) (bool, error)
	ChannelOverwritesFn func(ctx context.Context, channelID string) ([]permdomain.Overwrite, error)
}

func (f *FakeStore) Trace() []string {
	return f.trace
}

func (f *FakeStore) record(step string) {
	f.trace = append(f.trace, step)
}

func (f *FakeStore) GetGuild(ctx context.Context, guildID string) (*permdomain.Guild, error) {
	f.record("GetGuild")
	if f.GetGuildFn != nil {
		return f.GetGuildFn(ctx, guildID)
	}
	return &permdomain.Guild{ID: guildID, CoreServerID: "tenant-1", OwnerID: "owner"}, nil
}

func (f *FakeStore) EveryoneRole(ctx context.Context, guildID string) (*permdomain.Role, error) {
	f.record("EveryoneRole")
	if f.EveryoneRoleFn != nil {
		return f.EveryoneRoleFn(ctx, guildID)
	}
	return &permdomain.Role{ID: "everyone", GuildID: guildID, Position: 0, IsEveryone: true}, nil
}

func (f *FakeStore) MemberRoles(ctx context.Context, guildID, userID string) ([]permdomain.Role, error) {
	f.record("MemberRoles")
	if f.MemberRolesFn != nil {
		return f.MemberRolesFn(ctx, guildID, userID)
	}
	return nil, nil
}

func (f *FakeStore) IsMember(ctx context.Context, guildID, userID string) (bool, error) {
	f.record("IsMember")
	if f.IsMemberFn != nil {
		return f.IsMemberFn(ctx, guildID, userID)
	}
	return true, nil
}

func (f *FakeStore) ChannelOverwrites(ctx context.Context, channelID string) ([]permdomain.Overwrite, error) {
	f.record("ChannelOverwrites")
	if f.ChannelOverwritesFn != nil {
		return f.ChannelOverwritesFn(ctx, channelID)
	}
	return nil, nil
}
