package permhandlers

import (
	"context"

	memberdomain "github.com/parley-chat/parley/app/modules/membership/domain"
	memberjwt "github.com/parley-chat/parley/app/modules/membership/infrastructure/jwt"
	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
)

// fakeStore backs both the read side the hierarchy consults and the write
// side the handlers mutate.
type fakeStore struct {
	guild    *permdomain.Guild
	everyone *permdomain.Role
	roles    map[string]*permdomain.Role
	// memberRoles maps "guild/user" to assigned roles.
	memberRoles map[string][]permdomain.Role
	members     map[string]bool
	overwrites  map[string][]permdomain.Overwrite

	createdRoles []*permdomain.Role
	updatedRoles map[string]map[string]interface{}
	deletedRoles []string
	upserted     []*permdomain.Overwrite
	owDeleted    []string
	assigned     []string
	unassigned   []string
	removed      []string
	banned       []string
}

func newFakeStore() *fakeStore {
	everyone := &permdomain.Role{
		ID:          "everyone",
		GuildID:     "g-1",
		Position:    0,
		Permissions: permdomain.ViewChannel | permdomain.SendMessages,
		IsEveryone:  true,
	}
	mod := &permdomain.Role{
		ID:       "mod",
		GuildID:  "g-1",
		Name:     "Moderator",
		Position: 5,
		Permissions: permdomain.ManageRoles | permdomain.KickMembers |
			permdomain.BanMembers | permdomain.ViewChannel,
	}
	vip := &permdomain.Role{ID: "vip", GuildID: "g-1", Name: "VIP", Position: 3}

	return &fakeStore{
		guild:    &permdomain.Guild{ID: "g-1", CoreServerID: "srv-1", OwnerID: "owner"},
		everyone: everyone,
		roles:    map[string]*permdomain.Role{"everyone": everyone, "mod": mod, "vip": vip},
		memberRoles: map[string][]permdomain.Role{
			"g-1/mod-user": {*mod},
			"g-1/vip-user": {*vip},
		},
		members: map[string]bool{
			"g-1/owner":    true,
			"g-1/mod-user": true,
			"g-1/vip-user": true,
			"g-1/pleb":     true,
		},
		overwrites:   map[string][]permdomain.Overwrite{},
		updatedRoles: map[string]map[string]interface{}{},
	}
}

func (f *fakeStore) GetGuild(_ context.Context, guildID string) (*permdomain.Guild, error) {
	if f.guild != nil && f.guild.ID == guildID {
		return f.guild, nil
	}
	return nil, nil
}

func (f *fakeStore) EveryoneRole(_ context.Context, guildID string) (*permdomain.Role, error) {
	if f.guild != nil && f.guild.ID == guildID {
		return f.everyone, nil
	}
	return nil, nil
}

func (f *fakeStore) MemberRoles(_ context.Context, guildID, userID string) ([]permdomain.Role, error) {
	return f.memberRoles[guildID+"/"+userID], nil
}

func (f *fakeStore) IsMember(_ context.Context, guildID, userID string) (bool, error) {
	return f.members[guildID+"/"+userID], nil
}

func (f *fakeStore) ChannelOverwrites(_ context.Context, channelID string) ([]permdomain.Overwrite, error) {
	return f.overwrites[channelID], nil
}

func (f *fakeStore) GetRole(_ context.Context, roleID string) (*permdomain.Role, error) {
	return f.roles[roleID], nil
}

func (f *fakeStore) CreateRole(_ context.Context, role *permdomain.Role) error {
	f.createdRoles = append(f.createdRoles, role)
	return nil
}

func (f *fakeStore) UpdateRole(_ context.Context, roleID string, updates map[string]interface{}) error {
	f.updatedRoles[roleID] = updates
	return nil
}

func (f *fakeStore) DeleteRole(_ context.Context, roleID string) error {
	f.deletedRoles = append(f.deletedRoles, roleID)
	return nil
}

func (f *fakeStore) UpsertOverwrite(_ context.Context, ow *permdomain.Overwrite) error {
	f.upserted = append(f.upserted, ow)
	return nil
}

func (f *fakeStore) DeleteOverwrite(_ context.Context, channelID string, targetType permdomain.OverwriteTarget, targetID string) error {
	f.owDeleted = append(f.owDeleted, channelID+"/"+string(targetType)+"/"+targetID)
	return nil
}

func (f *fakeStore) AssignRole(_ context.Context, guildID, userID, roleID string) error {
	f.assigned = append(f.assigned, guildID+"/"+userID+"/"+roleID)
	return nil
}

func (f *fakeStore) UnassignRole(_ context.Context, guildID, userID, roleID string) error {
	f.unassigned = append(f.unassigned, guildID+"/"+userID+"/"+roleID)
	return nil
}

func (f *fakeStore) RemoveMember(_ context.Context, guildID, userID string) error {
	f.removed = append(f.removed, guildID+"/"+userID)
	return nil
}

func (f *fakeStore) CreateBan(_ context.Context, guildID, userID, reason string) error {
	f.banned = append(f.banned, guildID+"/"+userID+"/"+reason)
	return nil
}

type broadcastEvent struct {
	Scope  string
	Target string
	T      string
}

type fakeBroadcaster struct {
	events []broadcastEvent
}

func (f *fakeBroadcaster) BroadcastGuild(guildID, t string, _ any) {
	f.events = append(f.events, broadcastEvent{Scope: "guild", Target: guildID, T: t})
}

func (f *fakeBroadcaster) BroadcastChannel(channelID, t string, _ any) {
	f.events = append(f.events, broadcastEvent{Scope: "channel", Target: channelID, T: t})
}

func (f *fakeBroadcaster) SendUser(userID, t string, _ any) bool {
	f.events = append(f.events, broadcastEvent{Scope: "user", Target: userID, T: t})
	return true
}

func (f *fakeBroadcaster) SendDevice(deviceID, t string, _ any) bool {
	f.events = append(f.events, broadcastEvent{Scope: "device", Target: deviceID, T: t})
	return true
}

func (f *fakeBroadcaster) ofType(t string) []broadcastEvent {
	var out []broadcastEvent
	for _, ev := range f.events {
		if ev.T == t {
			out = append(out, ev)
		}
	}
	return out
}

// fakeMemberVerifier maps bearer tokens to membership claims so tests can
// act as different users through the real middleware.
type fakeMemberVerifier struct {
	claims map[string]*memberdomain.Claims
}

func (f *fakeMemberVerifier) Verify(_ context.Context, token string) (*memberdomain.Claims, error) {
	claims, ok := f.claims[token]
	if !ok {
		return nil, memberjwt.ErrInvalidMembership
	}
	return claims, nil
}
