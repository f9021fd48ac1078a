package session_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"sessiond/internal/identity"
	"sessiond/internal/lib/jwt"
	"sessiond/internal/services/session"
	"sessiond/internal/storage/memory"
)

const resetBaseURL = "https://app.example.com/reset-password"

type mailRecord struct {
	email string
	link  string
}

// fakeMailer is safe for concurrent use: reset mail is delivered from a
// goroutine off the request path.
type fakeMailer struct {
	mu   sync.Mutex
	sent []mailRecord
}

func (m *fakeMailer) SendPasswordReset(_ context.Context, email, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, mailRecord{email: email, link: link})
	return nil
}

func (m *fakeMailer) sentMail() []mailRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mailRecord(nil), m.sent...)
}

type fakeIDP struct {
	identities map[string]identity.Identity
}

func (f *fakeIDP) Verify(_ context.Context, rawToken string) (identity.Identity, error) {
	id, ok := f.identities[rawToken]
	if !ok {
		return identity.Identity{}, identity.ErrInvalidToken
	}
	return id, nil
}

type env struct {
	svc    *session.Service
	store  *memory.Storage
	mailer *fakeMailer
	idp    *fakeIDP
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store := memory.New()
	mailer := &fakeMailer{}
	idp := &fakeIDP{identities: map[string]identity.Identity{}}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := session.New(
		log,
		store, store, store,
		store, store, store, store,
		jwt.NewManager(gofakeit.LetterN(32)),
		idp,
		mailer,
		time.Minute,
		7*24*time.Hour,
		30*24*time.Hour,
		15*time.Minute,
		bcrypt.MinCost,
		resetBaseURL,
	)

	return &env{svc: svc, store: store, mailer: mailer, idp: idp}
}

func hashHex(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func fakePassword() string {
	return gofakeit.Password(true, true, true, true, false, 12)
}

func TestSignUp_HappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	email := gofakeit.Email()
	pass := fakePassword()

	sess, err := e.svc.SignUp(ctx, gofakeit.Name(), email, pass, "10.0.0.1", "test-agent")
	require.NoError(t, err)

	assert.NotEmpty(t, sess.AccessToken)
	assert.NotEmpty(t, sess.RefreshToken)
	assert.NotEqual(t, uuid.Nil, sess.User.UUID)
	assert.Equal(t, email, sess.User.Email)

	// only the hash of the refresh secret is persisted
	stored, err := e.store.SessionByHash(ctx, hashHex(sess.RefreshToken))
	require.NoError(t, err)
	assert.NotEqual(t, sess.RefreshToken, stored.TokenHash)
	assert.Nil(t, stored.RevokedAt)

	_, err = e.store.SessionByHash(ctx, sess.RefreshToken)
	assert.Error(t, err)
}

func TestSignUp_DuplicateEmail(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	email := gofakeit.Email()

	_, err := e.svc.SignUp(ctx, gofakeit.Name(), email, fakePassword(), "", "")
	require.NoError(t, err)

	_, err = e.svc.SignUp(ctx, gofakeit.Name(), email, fakePassword(), "", "")
	assert.ErrorIs(t, err, session.ErrUserExists)
}

func TestLogin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	email := gofakeit.Email()
	pass := fakePassword()

	_, err := e.svc.SignUp(ctx, gofakeit.Name(), email, pass, "", "")
	require.NoError(t, err)

	sess, err := e.svc.Login(ctx, email, pass, false, "10.0.0.2", "test-agent")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.AccessToken)
	assert.Equal(t, 7*24*time.Hour, sess.RefreshTTL)

	_, err = e.svc.Login(ctx, email, "wrong-password", false, "", "")
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)

	_, err = e.svc.Login(ctx, gofakeit.Email(), pass, false, "", "")
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)
}

func TestLogin_RememberMe(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	email := gofakeit.Email()
	pass := fakePassword()

	_, err := e.svc.SignUp(ctx, gofakeit.Name(), email, pass, "", "")
	require.NoError(t, err)

	sess, err := e.svc.Login(ctx, email, pass, true, "", "")
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, sess.RefreshTTL)

	// the extended lifetime sticks through rotation
	rotated, err := e.svc.Refresh(ctx, sess.RefreshToken, "", "")
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, rotated.RefreshTTL)
}

func TestRefresh_RotatesAndRejectsReplay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sess, err := e.svc.SignUp(ctx, gofakeit.Name(), gofakeit.Email(), fakePassword(), "", "")
	require.NoError(t, err)

	rotated, err := e.svc.Refresh(ctx, sess.RefreshToken, "10.0.0.3", "other-agent")
	require.NoError(t, err)
	assert.NotEqual(t, sess.RefreshToken, rotated.RefreshToken)
	assert.NotEmpty(t, rotated.AccessToken)

	// old record is revoked and points at its replacement
	old, err := e.store.SessionByHash(ctx, hashHex(sess.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, old.RevokedAt)
	require.NotNil(t, old.ReplacedByHash)
	assert.Equal(t, hashHex(rotated.RefreshToken), *old.ReplacedByHash)

	// replaying the consumed token fails closed
	_, err = e.svc.Refresh(ctx, sess.RefreshToken, "", "")
	assert.ErrorIs(t, err, session.ErrInvalidRefreshToken)

	// the replacement still works
	_, err = e.svc.Refresh(ctx, rotated.RefreshToken, "", "")
	assert.NoError(t, err)
}

func TestRefresh_ConcurrentOneWinner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sess, err := e.svc.SignUp(ctx, gofakeit.Name(), gofakeit.Email(), fakePassword(), "", "")
	require.NoError(t, err)

	const workers = 16

	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.svc.Refresh(ctx, sess.RefreshToken, "", "")
			results <- err
		}()
	}

	close(start)
	wg.Wait()
	close(results)

	// the token is one-shot: exactly one rotation wins, every loser
	// fails closed
	var wins, losses int
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, session.ErrInvalidRefreshToken)
		losses++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, losses)
}

func TestRefresh_UnknownToken(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.Refresh(context.Background(), "never-issued", "", "")
	assert.ErrorIs(t, err, session.ErrInvalidRefreshToken)

	_, err = e.svc.Refresh(context.Background(), "", "", "")
	assert.ErrorIs(t, err, session.ErrInvalidRefreshToken)
}

func TestLogout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sess, err := e.svc.SignUp(ctx, gofakeit.Name(), gofakeit.Email(), fakePassword(), "", "")
	require.NoError(t, err)

	require.NoError(t, e.svc.Logout(ctx, sess.RefreshToken))

	_, err = e.svc.Refresh(ctx, sess.RefreshToken, "", "")
	assert.ErrorIs(t, err, session.ErrInvalidRefreshToken)

	// repeated and bogus logouts are fine
	assert.NoError(t, e.svc.Logout(ctx, sess.RefreshToken))
	assert.NoError(t, e.svc.Logout(ctx, "never-issued"))
	assert.NoError(t, e.svc.Logout(ctx, ""))
}

func TestForgotPassword_UnknownEmail(t *testing.T) {
	e := newEnv(t)

	err := e.svc.ForgotPassword(context.Background(), gofakeit.Email())
	assert.NoError(t, err)
	assert.Empty(t, e.mailer.sentMail())
}

// blockingMailer holds every delivery until released, to pin down that mail
// never sits on the request path.
type blockingMailer struct {
	release chan struct{}
	sent    chan string
}

func (m *blockingMailer) SendPasswordReset(_ context.Context, _, link string) error {
	<-m.release
	m.sent <- link
	return nil
}

func TestForgotPassword_MailOffRequestPath(t *testing.T) {
	store := memory.New()
	m := &blockingMailer{release: make(chan struct{}), sent: make(chan string, 1)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := session.New(
		log,
		store, store, store,
		store, store, store, store,
		jwt.NewManager(gofakeit.LetterN(32)),
		nil,
		m,
		time.Minute,
		7*24*time.Hour,
		30*24*time.Hour,
		15*time.Minute,
		bcrypt.MinCost,
		resetBaseURL,
	)

	ctx := context.Background()
	email := gofakeit.Email()

	_, err := svc.SignUp(ctx, gofakeit.Name(), email, fakePassword(), "", "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.ForgotPassword(ctx, email) }()

	// returns while delivery is still held, so a known email answers as
	// fast as an unknown one
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ForgotPassword waited on mail delivery")
	}

	close(m.release)
	select {
	case link := <-m.sent:
		assert.Contains(t, link, resetBaseURL)
	case <-time.After(time.Second):
		t.Fatal("reset mail was never delivered")
	}
}

func TestResetPassword_FullFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	email := gofakeit.Email()
	oldPass := fakePassword()
	newPass := fakePassword()

	sess, err := e.svc.SignUp(ctx, gofakeit.Name(), email, oldPass, "", "")
	require.NoError(t, err)

	require.NoError(t, e.svc.ForgotPassword(ctx, email))
	require.Eventually(t, func() bool {
		return len(e.mailer.sentMail()) == 1
	}, time.Second, 10*time.Millisecond)

	mail := e.mailer.sentMail()[0]
	assert.Equal(t, email, mail.email)

	link := mail.link
	require.True(t, strings.HasPrefix(link, resetBaseURL+"?token="))
	raw := strings.TrimPrefix(link, resetBaseURL+"?token=")
	require.NotEmpty(t, raw)

	require.NoError(t, e.svc.ResetPassword(ctx, raw, newPass))

	// every outstanding session is revoked
	_, err = e.svc.Refresh(ctx, sess.RefreshToken, "", "")
	assert.ErrorIs(t, err, session.ErrInvalidRefreshToken)

	// the token is one-shot
	err = e.svc.ResetPassword(ctx, raw, fakePassword())
	assert.ErrorIs(t, err, session.ErrInvalidResetToken)

	_, err = e.svc.Login(ctx, email, oldPass, false, "", "")
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)

	_, err = e.svc.Login(ctx, email, newPass, false, "", "")
	assert.NoError(t, err)
}

func TestResetPassword_BadToken(t *testing.T) {
	e := newEnv(t)

	err := e.svc.ResetPassword(context.Background(), "never-issued", fakePassword())
	assert.ErrorIs(t, err, session.ErrInvalidResetToken)

	err = e.svc.ResetPassword(context.Background(), "", fakePassword())
	assert.ErrorIs(t, err, session.ErrInvalidResetToken)
}

func TestChangePassword(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	email := gofakeit.Email()
	oldPass := fakePassword()
	newPass := fakePassword()

	sess, err := e.svc.SignUp(ctx, gofakeit.Name(), email, oldPass, "", "")
	require.NoError(t, err)

	err = e.svc.ChangePassword(ctx, sess.User.UUID, "wrong-password", newPass)
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)

	require.NoError(t, e.svc.ChangePassword(ctx, sess.User.UUID, oldPass, newPass))

	_, err = e.svc.Refresh(ctx, sess.RefreshToken, "", "")
	assert.ErrorIs(t, err, session.ErrInvalidRefreshToken)

	_, err = e.svc.Login(ctx, email, newPass, false, "", "")
	assert.NoError(t, err)
}

func TestGoogleSignIn_CreatesUser(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	email := gofakeit.Email()
	e.idp.identities["good-token"] = identity.Identity{
		ExternalID:    gofakeit.UUID(),
		Email:         email,
		EmailVerified: true,
		Name:          gofakeit.Name(),
		AvatarURL:     gofakeit.URL(),
	}

	sess, err := e.svc.GoogleSignIn(ctx, "good-token", false, "", "")
	require.NoError(t, err)
	assert.Equal(t, email, sess.User.Email)
	require.NotNil(t, sess.User.GoogleID)

	// no password is set, password login must not work
	_, err = e.svc.Login(ctx, email, "", false, "", "")
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)

	// refresh lineage works like any other session
	_, err = e.svc.Refresh(ctx, sess.RefreshToken, "", "")
	assert.NoError(t, err)
}

func TestGoogleSignIn_LinksExistingAccount(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	email := gofakeit.Email()
	pass := fakePassword()

	first, err := e.svc.SignUp(ctx, gofakeit.Name(), email, pass, "", "")
	require.NoError(t, err)
	require.Nil(t, first.User.GoogleID)

	googleID := gofakeit.UUID()
	e.idp.identities["good-token"] = identity.Identity{
		ExternalID:    googleID,
		Email:         email,
		EmailVerified: true,
		Name:          gofakeit.Name(),
	}

	sess, err := e.svc.GoogleSignIn(ctx, "good-token", false, "", "")
	require.NoError(t, err)
	assert.Equal(t, first.User.UUID, sess.User.UUID)
	require.NotNil(t, sess.User.GoogleID)
	assert.Equal(t, googleID, *sess.User.GoogleID)

	// linking must not disturb the password
	_, err = e.svc.Login(ctx, email, pass, false, "", "")
	assert.NoError(t, err)
}

func TestGoogleSignIn_Rejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.GoogleSignIn(ctx, "bad-token", false, "", "")
	assert.ErrorIs(t, err, session.ErrInvalidExternalToken)

	e.idp.identities["unverified"] = identity.Identity{
		ExternalID:    gofakeit.UUID(),
		Email:         gofakeit.Email(),
		EmailVerified: false,
	}

	_, err = e.svc.GoogleSignIn(ctx, "unverified", false, "", "")
	assert.ErrorIs(t, err, session.ErrInvalidExternalToken)
}

func TestLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	email := gofakeit.Email()
	pass := fakePassword()

	signedUp, err := e.svc.SignUp(ctx, gofakeit.Name(), email, pass, "10.0.0.9", "lifecycle")
	require.NoError(t, err)

	loggedIn, err := e.svc.Login(ctx, email, pass, true, "10.0.0.9", "lifecycle")
	require.NoError(t, err)

	// walk the rotation chain a few times
	current := loggedIn
	for i := 0; i < 3; i++ {
		next, err := e.svc.Refresh(ctx, current.RefreshToken, "10.0.0.9", "lifecycle")
		require.NoError(t, err)
		assert.NotEqual(t, current.RefreshToken, next.RefreshToken)
		current = next
	}

	// any consumed link of the chain is dead
	_, err = e.svc.Refresh(ctx, loggedIn.RefreshToken, "", "")
	assert.ErrorIs(t, err, session.ErrInvalidRefreshToken)

	// logging out one device leaves the other alone
	require.NoError(t, e.svc.Logout(ctx, current.RefreshToken))
	_, err = e.svc.Refresh(ctx, signedUp.RefreshToken, "", "")
	assert.NoError(t, err)
}
