package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"sessiond/internal/domain/models"
)

var (
	ErrNoSecret     = errors.New("signing secret is not configured")
	ErrInvalidToken = errors.New("invalid or expired token")
)

type Claims struct {
	UserUUID uuid.UUID `json:"uid"`
	Role     string    `json:"role"`
	jwt.RegisteredClaims
}

// Manager signs and verifies access tokens with a single HS256 secret
// supplied by the config layer.
type Manager struct {
	secret []byte
}

func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret)}
}

func (m *Manager) NewToken(user models.User, ttl time.Duration) (string, error) {
	const op = "jwt.NewToken"

	if len(m.secret) == 0 {
		return "", fmt.Errorf("%s: %w", op, ErrNoSecret)
	}

	now := time.Now()
	claims := &Claims{
		UserUUID: user.UUID,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UUID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

func (m *Manager) ParseToken(tokenStr string) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, ErrNoSecret
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
