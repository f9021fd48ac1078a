package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"sessiond/internal/domain/models"
	"sessiond/internal/identity"
	"sessiond/internal/lib/logger/sl"
	"sessiond/internal/storage"
)

var (
	ErrUserExists           = errors.New("user already exists")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")
	ErrInvalidResetToken    = errors.New("invalid or expired reset token")
	ErrInvalidExternalToken = errors.New("invalid external token")
)

// dummyHash keeps the unknown-user branch of Login on the same bcrypt-cost
// path as the wrong-password branch.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

type Service struct {
	log          *slog.Logger
	usrSaver     UserSaver
	usrProvider  UserProvider
	usrUpdater   UserUpdater
	sessSaver    SessionSaver
	sessProvider SessionProvider
	sessRotator  SessionRotator
	sessRevoker  SessionRevoker
	tokens       TokenManager
	idp          IdentityProvider
	mailer       Mailer

	tokenTTL     time.Duration
	refreshTTL   time.Duration
	rememberTTL  time.Duration
	resetTTL     time.Duration
	bcryptCost   int
	resetBaseURL string
}

type UserSaver interface {
	SaveUser(ctx context.Context, name, email string, passHash []byte, role string, googleID, avatarURL *string) (models.User, error)
}

type UserProvider interface {
	UserByEmail(ctx context.Context, email string) (models.User, error)
	UserByUUID(ctx context.Context, userUUID uuid.UUID) (models.User, error)
	UserByNameOrEmail(ctx context.Context, name, email string) (models.User, error)
	UserByResetTokenHash(ctx context.Context, hash string) (models.User, error)
}

type UserUpdater interface {
	// UpdatePassword also clears any pending reset-token fields.
	UpdatePassword(ctx context.Context, userUUID uuid.UUID, passHash []byte) error
	SetResetToken(ctx context.Context, userUUID uuid.UUID, hash string, expiresAt time.Time) error
	LinkGoogleID(ctx context.Context, userUUID uuid.UUID, googleID string) error
}

type SessionSaver interface {
	SaveSession(ctx context.Context, userUUID uuid.UUID, tokenHash string, expiresAt time.Time, remember bool, ip, userAgent string) error
}

type SessionProvider interface {
	SessionByHash(ctx context.Context, hash string) (models.RefreshSession, error)
}

type SessionRotator interface {
	// RotateSession atomically inserts the replacement and revokes the old
	// record; it fails with storage.ErrSessionNotFound when the old record
	// is already revoked.
	RotateSession(ctx context.Context, oldHash, newHash string, newExpiresAt time.Time, ip, userAgent string) error
}

type SessionRevoker interface {
	RevokeSession(ctx context.Context, hash string) error
	RevokeAllForUser(ctx context.Context, userUUID uuid.UUID) error
}

type TokenManager interface {
	NewToken(user models.User, ttl time.Duration) (string, error)
}

type IdentityProvider interface {
	Verify(ctx context.Context, rawToken string) (identity.Identity, error)
}

type Mailer interface {
	SendPasswordReset(ctx context.Context, email, resetLink string) error
}

// Session is the result of every token-issuing operation. RefreshToken is
// the raw opaque secret; it leaves the service exactly once and is never
// persisted.
type Session struct {
	User         models.User
	AccessToken  string
	RefreshToken string
	RefreshTTL   time.Duration
}

func New(
	log *slog.Logger,
	usrSaver UserSaver,
	usrProvider UserProvider,
	usrUpdater UserUpdater,
	sessSaver SessionSaver,
	sessProvider SessionProvider,
	sessRotator SessionRotator,
	sessRevoker SessionRevoker,
	tokens TokenManager,
	idp IdentityProvider,
	mailer Mailer,
	tokenTTL time.Duration,
	refreshTTL time.Duration,
	rememberTTL time.Duration,
	resetTTL time.Duration,
	bcryptCost int,
	resetBaseURL string,
) *Service {
	return &Service{
		log:          log,
		usrSaver:     usrSaver,
		usrProvider:  usrProvider,
		usrUpdater:   usrUpdater,
		sessSaver:    sessSaver,
		sessProvider: sessProvider,
		sessRotator:  sessRotator,
		sessRevoker:  sessRevoker,
		tokens:       tokens,
		idp:          idp,
		mailer:       mailer,
		tokenTTL:     tokenTTL,
		refreshTTL:   refreshTTL,
		rememberTTL:  rememberTTL,
		resetTTL:     resetTTL,
		bcryptCost:   bcryptCost,
		resetBaseURL: resetBaseURL,
	}
}

func (s *Service) SignUp(ctx context.Context, name, email, password, ip, userAgent string) (Session, error) {
	const op = "session.SignUp"

	log := s.log.With(
		slog.String("op", op),
		slog.String("email", email),
	)

	log.Info("registering user")

	if _, err := s.usrProvider.UserByNameOrEmail(ctx, name, email); err == nil {
		return Session{}, fmt.Errorf("%s: %w", op, ErrUserExists)
	} else if !errors.Is(err, storage.ErrUserNotFound) {
		log.Error("existence lookup failed", sl.Err(err))
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}

	user, err := s.usrSaver.SaveUser(ctx, name, email, passHash, models.RoleUser, nil, nil)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return Session{}, fmt.Errorf("%s: %w", op, ErrUserExists)
		}
		log.Error("failed to save user", sl.Err(err))
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.String("user_uuid", user.UUID.String()))

	return s.issueSession(ctx, log, user, false, ip, userAgent)
}

func (s *Service) Login(ctx context.Context, email, password string, rememberMe bool, ip, userAgent string) (Session, error) {
	const op = "session.Login"

	log := s.log.With(
		slog.String("op", op),
		slog.String("email", email),
	)

	log.Info("attempting to login user")

	user, err := s.usrProvider.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return Session{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get user", sl.Err(err))
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		log.Info("invalid credentials")
		return Session{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if !user.IsActive {
		return Session{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	log.Info("user logged in successfully")

	return s.issueSession(ctx, log, user, rememberMe, ip, userAgent)
}

func (s *Service) Refresh(ctx context.Context, rawToken, ip, userAgent string) (Session, error) {
	const op = "session.Refresh"

	log := s.log.With(slog.String("op", op))

	if rawToken == "" {
		return Session{}, fmt.Errorf("%s: %w", op, ErrInvalidRefreshToken)
	}

	oldHash := hashSecret(rawToken)

	sess, err := s.sessProvider.SessionByHash(ctx, oldHash)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return Session{}, fmt.Errorf("%s: %w", op, ErrInvalidRefreshToken)
		}
		log.Error("session lookup failed", sl.Err(err))
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}

	if sess.RevokedAt != nil || time.Now().After(sess.ExpiresAt) {
		// Replay of a rotated, revoked or expired token. Keep the record
		// revoked and fail closed.
		_ = s.sessRevoker.RevokeSession(ctx, oldHash)
		log.Warn("refresh token reuse detected", slog.String("user_uuid", sess.UserUUID.String()))
		return Session{}, fmt.Errorf("%s: %w", op, ErrInvalidRefreshToken)
	}

	user, err := s.usrProvider.UserByUUID(ctx, sess.UserUUID)
	if err != nil || !user.IsActive {
		return Session{}, fmt.Errorf("%s: %w", op, ErrInvalidRefreshToken)
	}

	access, err := s.tokens.NewToken(user, s.tokenTTL)
	if err != nil {
		log.Error("failed to mint access token", sl.Err(err))
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}

	newRaw, err := newOpaqueSecret(secretBytes)
	if err != nil {
		log.Error("failed to generate refresh token", sl.Err(err))
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}

	ttl := s.refreshTTL
	if sess.Remember {
		ttl = s.rememberTTL
	}

	if err := s.sessRotator.RotateSession(ctx, oldHash, hashSecret(newRaw), time.Now().Add(ttl), ip, userAgent); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			// Lost a concurrent rotation race; the token is already revoked.
			return Session{}, fmt.Errorf("%s: %w", op, ErrInvalidRefreshToken)
		}
		log.Error("rotation failed", sl.Err(err))
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return Session{User: user, AccessToken: access, RefreshToken: newRaw, RefreshTTL: ttl}, nil
}

// Logout is idempotent: a missing or already-revoked token is not an error,
// so callers cannot probe token validity through it.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	const op = "session.Logout"

	log := s.log.With(slog.String("op", op))

	if rawToken == "" {
		return nil
	}

	log.Info("logout")

	_ = s.sessRevoker.RevokeSession(ctx, hashSecret(rawToken))

	return nil
}

// ForgotPassword returns nil whether or not the email is registered;
// internal failures are logged, never surfaced.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	const op = "session.ForgotPassword"

	log := s.log.With(slog.String("op", op))

	log.Info("password reset requested")

	user, err := s.usrProvider.UserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, storage.ErrUserNotFound) {
			log.Error("user lookup failed", sl.Err(err))
		}
		return nil
	}

	raw, err := newOpaqueSecret(secretBytes)
	if err != nil {
		log.Error("failed to generate reset token", sl.Err(err))
		return nil
	}

	if err := s.usrUpdater.SetResetToken(ctx, user.UUID, hashSecret(raw), time.Now().Add(s.resetTTL)); err != nil {
		log.Error("failed to store reset token", sl.Err(err))
		return nil
	}

	link := s.resetBaseURL + "?token=" + raw

	// Mail goes out off the request path so response time does not reveal
	// whether the address is registered.
	go func() {
		if err := s.mailer.SendPasswordReset(context.WithoutCancel(ctx), email, link); err != nil {
			log.Error("failed to send reset mail", sl.Err(err))
		}
	}()

	return nil
}

func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	const op = "session.ResetPassword"

	log := s.log.With(slog.String("op", op))

	if rawToken == "" {
		return fmt.Errorf("%s: %w", op, ErrInvalidResetToken)
	}

	user, err := s.usrProvider.UserByResetTokenHash(ctx, hashSecret(rawToken))
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return fmt.Errorf("%s: %w", op, ErrInvalidResetToken)
		}
		log.Error("reset token lookup failed", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if user.ResetTokenExpiresAt == nil || time.Now().After(*user.ResetTokenExpiresAt) {
		return fmt.Errorf("%s: %w", op, ErrInvalidResetToken)
	}

	passHash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.bcryptCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.usrUpdater.UpdatePassword(ctx, user.UUID, passHash); err != nil {
		log.Error("failed to update password", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	// Forced logout of every session after a password reset.
	if err := s.sessRevoker.RevokeAllForUser(ctx, user.UUID); err != nil {
		log.Error("failed to revoke sessions", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("password reset", slog.String("user_uuid", user.UUID.String()))

	return nil
}

func (s *Service) ChangePassword(ctx context.Context, userUUID uuid.UUID, currentPassword, newPassword string) error {
	const op = "session.ChangePassword"

	log := s.log.With(
		slog.String("op", op),
		slog.String("user_uuid", userUUID.String()),
	)

	user, err := s.usrProvider.UserByUUID(ctx, userUUID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get user", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(currentPassword)); err != nil {
		return fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	passHash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.bcryptCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.usrUpdater.UpdatePassword(ctx, user.UUID, passHash); err != nil {
		log.Error("failed to update password", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.sessRevoker.RevokeAllForUser(ctx, user.UUID); err != nil {
		log.Error("failed to revoke sessions", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("password changed")

	return nil
}

func (s *Service) GoogleSignIn(ctx context.Context, idToken string, rememberMe bool, ip, userAgent string) (Session, error) {
	const op = "session.GoogleSignIn"

	log := s.log.With(slog.String("op", op))

	if s.idp == nil {
		return Session{}, fmt.Errorf("%s: %w", op, ErrInvalidExternalToken)
	}

	id, err := s.idp.Verify(ctx, idToken)
	if err != nil {
		log.Info("external token rejected", sl.Err(err))
		return Session{}, fmt.Errorf("%s: %w", op, ErrInvalidExternalToken)
	}
	if !id.EmailVerified {
		return Session{}, fmt.Errorf("%s: %w", op, ErrInvalidExternalToken)
	}

	user, err := s.usrProvider.UserByEmail(ctx, id.Email)
	switch {
	case errors.Is(err, storage.ErrUserNotFound):
		var avatar *string
		if id.AvatarURL != "" {
			avatar = &id.AvatarURL
		}
		gid := id.ExternalID

		user, err = s.usrSaver.SaveUser(ctx, id.Name, id.Email, nil, models.RoleUser, &gid, avatar)
		if err != nil {
			log.Error("failed to save user", sl.Err(err))
			return Session{}, fmt.Errorf("%s: %w", op, err)
		}

		log.Info("user created from google identity", slog.String("user_uuid", user.UUID.String()))
	case err != nil:
		log.Error("failed to get user", sl.Err(err))
		return Session{}, fmt.Errorf("%s: %w", op, err)
	case user.GoogleID == nil:
		// Account linking: attach the external id, touch nothing else.
		if err := s.usrUpdater.LinkGoogleID(ctx, user.UUID, id.ExternalID); err != nil {
			log.Error("failed to link google id", sl.Err(err))
			return Session{}, fmt.Errorf("%s: %w", op, err)
		}
		gid := id.ExternalID
		user.GoogleID = &gid
	}

	if !user.IsActive {
		return Session{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	return s.issueSession(ctx, log, user, rememberMe, ip, userAgent)
}

// issueSession is the shared issuance tail of SignUp, Login and GoogleSignIn:
// mint an access token and start a new refresh lineage.
func (s *Service) issueSession(ctx context.Context, log *slog.Logger, user models.User, remember bool, ip, userAgent string) (Session, error) {
	const op = "session.issueSession"

	access, err := s.tokens.NewToken(user, s.tokenTTL)
	if err != nil {
		log.Error("failed to mint access token", sl.Err(err))
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}

	raw, err := newOpaqueSecret(secretBytes)
	if err != nil {
		log.Error("failed to generate refresh token", sl.Err(err))
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}

	ttl := s.refreshTTL
	if remember {
		ttl = s.rememberTTL
	}

	// A hash collision surfaces as storage.ErrSessionExists and fails the
	// whole operation.
	if err := s.sessSaver.SaveSession(ctx, user.UUID, hashSecret(raw), time.Now().Add(ttl), remember, ip, userAgent); err != nil {
		log.Error("failed to save refresh session", sl.Err(err))
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return Session{User: user, AccessToken: access, RefreshToken: raw, RefreshTTL: ttl}, nil
}
