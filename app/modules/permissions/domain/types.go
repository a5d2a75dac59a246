package permdomain

// PlatformRole is a core-level (cross-tenant) role carried in membership
// claims. Platform staff bypass every guild-level permission check.
type PlatformRole string

const (
	PlatformUser  PlatformRole = "platform_user"
	PlatformAdmin PlatformRole = "platform_admin"
	PlatformOwner PlatformRole = "platform_owner"
)

// IsStaff reports whether the role grants the absolute platform bypass.
func (r PlatformRole) IsStaff() bool {
	return r == PlatformAdmin || r == PlatformOwner
}

// Guild is a community owned by a single tenant on one node.
type Guild struct {
	ID           string
	CoreServerID string
	OwnerID      string
	Name         string
}

// Channel is a text or voice channel inside a guild.
type Channel struct {
	ID      string
	GuildID string
	Name    string
	Kind    string
}

// Role is a named permission bundle. Position orders the hierarchy: higher
// means more senior. Every guild has an implicit everyone role at position 0.
type Role struct {
	ID          string
	GuildID     string
	Name        string
	Position    int
	Permissions Bitset
	IsEveryone  bool
}

// OverwriteTarget names what a channel overwrite applies to.
type OverwriteTarget string

const (
	TargetRole   OverwriteTarget = "role"
	TargetMember OverwriteTarget = "member"
)

// Overwrite is a per-channel allow/deny delta for one role or one member.
type Overwrite struct {
	ChannelID  string
	TargetType OverwriteTarget
	TargetID   string
	Allow      Bitset
	Deny       Bitset
}
