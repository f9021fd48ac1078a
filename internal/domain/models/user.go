package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID   int64
	UUID uuid.UUID

	Name  string
	Email string

	// PasswordHash is nil for accounts created through Google sign-in
	// until a password is set.
	PasswordHash []byte

	Role     string
	IsActive bool

	AvatarURL *string
	GoogleID  *string

	ResetTokenHash      *string
	ResetTokenExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
