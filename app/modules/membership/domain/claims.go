package memberdomain

import (
	"time"

	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
)

// Claims is the verified content of a membership token: a core-signed
// assertion that a user may act with a role set against one tenant server.
// Tokens are minted per request and never persisted; there is no node-side
// revocation list, the short expiry bounds a leaked token's blast radius.
type Claims struct {
	// UserID is the token subject.
	UserID string
	// ServerID is the audience: the external identity of the node the
	// token was minted for. Nodes reject tokens whose ServerID does not
	// match their own configured identity.
	ServerID string
	// CoreServerID is the tenant key used for guild-scoped queries. One
	// physical node may host guilds for many tenants, so this is
	// deliberately decoupled from ServerID.
	CoreServerID string
	Roles        []string
	PlatformRole permdomain.PlatformRole
	ExpiresAt    time.Time
	IssuedAt     time.Time
}

// IsPlatformStaff reports whether the claims carry the global staff bypass.
func (c *Claims) IsPlatformStaff() bool {
	return c.PlatformRole.IsStaff()
}

// AuthContext is the authorization context every guild/channel-scoped
// handler and WS IDENTIFY receives after token verification.
type AuthContext struct {
	UserID       string
	ServerID     string
	CoreServerID string
	Roles        []string
	PlatformRole permdomain.PlatformRole
	RawToken     string
}

// SessionClaims is the verified content of a core-issued user session
// (access) token, used for social/presence features on the core gateway.
type SessionClaims struct {
	UserID    string
	DeviceID  string
	ExpiresAt time.Time
}
