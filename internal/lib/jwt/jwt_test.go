package jwt_test

import (
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/domain/models"
	"sessiond/internal/lib/jwt"
)

func newUser() models.User {
	return models.User{
		UUID: uuid.New(),
		Role: models.RoleUser,
	}
}

func TestManager_RoundTrip(t *testing.T) {
	m := jwt.NewManager(gofakeit.LetterN(32))
	user := newUser()

	token, err := m.NewToken(user, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := m.ParseToken(token)
	require.NoError(t, err)

	assert.Equal(t, user.UUID, claims.UserUUID)
	assert.Equal(t, user.Role, claims.Role)
	assert.Equal(t, user.UUID.String(), claims.Subject)
}

func TestManager_ExpiredToken(t *testing.T) {
	m := jwt.NewManager(gofakeit.LetterN(32))

	token, err := m.NewToken(newUser(), -time.Minute)
	require.NoError(t, err)

	_, err = m.ParseToken(token)
	assert.ErrorIs(t, err, jwt.ErrInvalidToken)
}

func TestManager_WrongSecret(t *testing.T) {
	signer := jwt.NewManager(gofakeit.LetterN(32))
	verifier := jwt.NewManager(gofakeit.LetterN(32))

	token, err := signer.NewToken(newUser(), time.Minute)
	require.NoError(t, err)

	_, err = verifier.ParseToken(token)
	assert.ErrorIs(t, err, jwt.ErrInvalidToken)
}

func TestManager_NoSecret(t *testing.T) {
	m := jwt.NewManager("")

	_, err := m.NewToken(newUser(), time.Minute)
	assert.ErrorIs(t, err, jwt.ErrNoSecret)

	_, err = m.ParseToken("whatever")
	assert.ErrorIs(t, err, jwt.ErrNoSecret)
}

func TestManager_GarbageToken(t *testing.T) {
	m := jwt.NewManager(gofakeit.LetterN(32))

	_, err := m.ParseToken("not.a.token")
	assert.ErrorIs(t, err, jwt.ErrInvalidToken)
}
