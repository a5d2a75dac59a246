package permdomain

import "errors"

var (
	// ErrNotGuildMember is returned when the acting user is not a member of
	// the guild.
	ErrNotGuildMember = errors.New("not a guild member")

	// ErrMissingPerms is returned when the actor lacks the required
	// permission bit.
	ErrMissingPerms = errors.New("missing permissions")

	// ErrRoleHierarchy is returned when the actor's highest role position
	// does not exceed the target's.
	ErrRoleHierarchy = errors.New("role hierarchy violation")

	// ErrCannotEditEveryone is returned for any mutation of the everyone role.
	ErrCannotEditEveryone = errors.New("cannot edit the everyone role")

	// ErrCannotKickOwner is returned when a kick targets the guild owner.
	ErrCannotKickOwner = errors.New("cannot kick the guild owner")

	// ErrCannotBanOwner is returned when a ban targets the guild owner.
	ErrCannotBanOwner = errors.New("cannot ban the guild owner")

	// ErrGuildNotFound is returned when the guild does not exist.
	ErrGuildNotFound = errors.New("guild not found")

	// ErrChannelNotFound is returned when the channel does not exist.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrRoleNotFound is returned when the role does not exist.
	ErrRoleNotFound = errors.New("role not found")
)
