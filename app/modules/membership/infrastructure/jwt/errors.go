package memberjwt

import "errors"

var (
	// ErrInvalidMembership is the single error returned for every
	// membership verification failure: bad signature, expired, wrong
	// audience, wrong issuer, malformed. Collapsing them prevents the
	// error from acting as an oracle for credential probing.
	ErrInvalidMembership = errors.New("invalid membership")

	// ErrInvalidToken is returned for invalid user session tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNoSigningKey is returned when the issuer is constructed without a
	// usable private key.
	ErrNoSigningKey = errors.New("no signing key configured")

	// ErrUnknownKey is returned by key sources when no key matches the
	// requested id.
	ErrUnknownKey = errors.New("unknown signing key id")
)
