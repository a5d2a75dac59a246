package permdb

import (
	"time"

	"github.com/uptrace/bun"
	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
)

// Guild is a community row. CoreServerID is the tenant key used for all
// guild-scoped queries; it is deliberately distinct from the node's own
// identity so one node can host guilds for many tenants.
type Guild struct {
	bun.BaseModel `bun:"table:guilds,alias:g"`
	ID            string    `bun:"id,pk,type:varchar(36)"`
	CoreServerID  string    `bun:"core_server_id,notnull,type:varchar(36)"`
	OwnerID       string    `bun:"owner_id,notnull,type:varchar(36)"`
	Name          string    `bun:"name,notnull"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// Channel is a text or voice channel row.
type Channel struct {
	bun.BaseModel `bun:"table:channels,alias:c"`
	ID            string    `bun:"id,pk,type:varchar(36)"`
	GuildID       string    `bun:"guild_id,notnull,type:varchar(36)"`
	Name          string    `bun:"name,notnull"`
	Kind          string    `bun:"kind,notnull,default:'text'"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// Role is a permission bundle row. Permissions is the raw uint64 bitset.
type Role struct {
	bun.BaseModel `bun:"table:roles,alias:r"`
	ID            string    `bun:"id,pk,type:varchar(36)"`
	GuildID       string    `bun:"guild_id,notnull,type:varchar(36)"`
	Name          string    `bun:"name,notnull"`
	Position      int       `bun:"position,notnull,default:0"`
	Permissions   uint64    `bun:"permissions,notnull,default:0"`
	IsEveryone    bool      `bun:"is_everyone,notnull,default:false"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// Member is a user's presence in a guild.
type Member struct {
	bun.BaseModel `bun:"table:guild_members,alias:m"`
	GuildID       string    `bun:"guild_id,pk,type:varchar(36)"`
	UserID        string    `bun:"user_id,pk,type:varchar(36)"`
	JoinedAt      time.Time `bun:"joined_at,nullzero,notnull,default:current_timestamp"`
}

// MemberRole is the many-to-many role assignment row.
type MemberRole struct {
	bun.BaseModel `bun:"table:member_roles,alias:mr"`
	GuildID       string `bun:"guild_id,pk,type:varchar(36)"`
	UserID        string `bun:"user_id,pk,type:varchar(36)"`
	RoleID        string `bun:"role_id,pk,type:varchar(36)"`
}

// Overwrite is a per-channel permission delta row.
type Overwrite struct {
	bun.BaseModel `bun:"table:channel_overwrites,alias:o"`
	ChannelID     string `bun:"channel_id,pk,type:varchar(36)"`
	TargetType    string `bun:"target_type,pk,type:varchar(10)"`
	TargetID      string `bun:"target_id,pk,type:varchar(36)"`
	Allow         uint64 `bun:"allow_bits,notnull,default:0"`
	Deny          uint64 `bun:"deny_bits,notnull,default:0"`
}

// Ban records a guild ban.
type Ban struct {
	bun.BaseModel `bun:"table:guild_bans,alias:b"`
	GuildID       string    `bun:"guild_id,pk,type:varchar(36)"`
	UserID        string    `bun:"user_id,pk,type:varchar(36)"`
	Reason        string    `bun:"reason"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// ServerNode maps a tenant (core_server_id) to the node that hosts it. The
// core gateway reads it to resolve proxy targets.
type ServerNode struct {
	bun.BaseModel `bun:"table:server_nodes,alias:sn"`
	CoreServerID  string `bun:"core_server_id,pk,type:varchar(36)"`
	NodeServerID  string `bun:"node_server_id,notnull,type:varchar(64)"`
	GatewayURL    string `bun:"gateway_url,notnull"`
	APIBaseURL    string `bun:"api_base_url,notnull"`
}

func toDomainGuild(g *Guild) *permdomain.Guild {
	if g == nil {
		return nil
	}
	return &permdomain.Guild{
		ID:           g.ID,
		CoreServerID: g.CoreServerID,
		OwnerID:      g.OwnerID,
		Name:         g.Name,
	}
}

func toDomainChannel(c *Channel) *permdomain.Channel {
	if c == nil {
		return nil
	}
	return &permdomain.Channel{
		ID:      c.ID,
		GuildID: c.GuildID,
		Name:    c.Name,
		Kind:    c.Kind,
	}
}

func toDomainRole(r *Role) *permdomain.Role {
	if r == nil {
		return nil
	}
	return &permdomain.Role{
		ID:          r.ID,
		GuildID:     r.GuildID,
		Name:        r.Name,
		Position:    r.Position,
		Permissions: permdomain.Bitset(r.Permissions),
		IsEveryone:  r.IsEveryone,
	}
}

func toDomainOverwrite(o *Overwrite) permdomain.Overwrite {
	return permdomain.Overwrite{
		ChannelID:  o.ChannelID,
		TargetType: permdomain.OverwriteTarget(o.TargetType),
		TargetID:   o.TargetID,
		Allow:      permdomain.Bitset(o.Allow),
		Deny:       permdomain.Bitset(o.Deny),
	}
}
