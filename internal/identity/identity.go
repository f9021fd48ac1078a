package identity

import "errors"

// ErrInvalidToken covers any malformed, expired or unverifiable external
// assertion: signature mismatch, audience mismatch, expiry.
var ErrInvalidToken = errors.New("invalid external token")

// Identity is a verified assertion from an external identity provider.
type Identity struct {
	ExternalID    string
	Email         string
	EmailVerified bool
	Name          string
	AvatarURL     string
}
