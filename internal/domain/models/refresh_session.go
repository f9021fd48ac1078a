package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshSession is one link of a refresh-token rotation chain. A row is
// mutated exactly once: revoked_at (+ replaced_by_hash on rotation) is set,
// then the row is never touched again.
type RefreshSession struct {
	ID        int64
	UserUUID  uuid.UUID
	TokenHash string

	ExpiresAt time.Time
	CreatedAt time.Time
	RevokedAt *time.Time

	ReplacedByHash *string

	// Remember keeps the remember-me TTL sticky across rotations.
	Remember bool

	IPAddress *string
	UserAgent *string
}
