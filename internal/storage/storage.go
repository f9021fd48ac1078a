package storage

import (
	"errors"
)

var (
	ErrUserExists      = errors.New("user already exists")
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionExists   = errors.New("refresh session already exists")
	ErrSessionNotFound = errors.New("refresh session not found")
)
