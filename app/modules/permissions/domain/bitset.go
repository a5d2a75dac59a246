package permdomain

import "strconv"

// Bitset is a permission bitmap. Each bit independently enables one
// capability; bits combine with OR (grant) and AND-NOT (deny). Resolved
// values are computed on demand and never stored.
type Bitset uint64

const (
	ViewChannel Bitset = 1 << iota
	SendMessages
	ManageMessages
	ManageChannels
	ManageRoles
	ManageGuild
	KickMembers
	BanMembers
	CreateInvite
	Connect
	Speak
	MuteMembers
	DeafenMembers
	Administrator
)

// All is the all-ones mask returned for administrators and platform staff.
const All = ^Bitset(0)

// Has reports whether every bit of flag is set.
func (b Bitset) Has(flag Bitset) bool {
	return b&flag == flag
}

// Apply overlays one allow/deny overwrite pair: denied bits are cleared
// before allowed bits are set, so an allow always wins within a single pair.
func (b Bitset) Apply(allow, deny Bitset) Bitset {
	return (b &^ deny) | allow
}

// String renders the bitset as its decimal value, matching the wire format
// used in role and overwrite payloads.
func (b Bitset) String() string {
	return strconv.FormatUint(uint64(b), 10)
}
