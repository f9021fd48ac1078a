package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"sessiond/internal/domain/models"
	"sessiond/internal/storage"
)

// Storage is the single-file variant used for local runs; it implements the
// same contract as the postgres store.
type Storage struct {
	db  *sql.DB
	log *slog.Logger
}

func New(storagePath string, log *slog.Logger) (*Storage, error) {
	const op = "storage.sqlite.New"

	db, err := sql.Open("sqlite3", storagePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db, log: log}, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

const userColumns = `
	id, uuid, name, email, password_hash, role, is_active,
	avatar_url, google_id, reset_token_hash, reset_token_expires_at,
	created_at, updated_at
`

func scanUser(row *sql.Row) (models.User, error) {
	var u models.User
	var passHash, avatar, googleID, resetHash sql.NullString
	var resetExp sql.NullTime

	err := row.Scan(
		&u.ID,
		&u.UUID,
		&u.Name,
		&u.Email,
		&passHash,
		&u.Role,
		&u.IsActive,
		&avatar,
		&googleID,
		&resetHash,
		&resetExp,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return models.User{}, err
	}

	if passHash.Valid {
		u.PasswordHash = []byte(passHash.String)
	}
	if avatar.Valid {
		u.AvatarURL = &avatar.String
	}
	if googleID.Valid {
		u.GoogleID = &googleID.String
	}
	if resetHash.Valid {
		u.ResetTokenHash = &resetHash.String
	}
	if resetExp.Valid {
		t := resetExp.Time
		u.ResetTokenExpiresAt = &t
	}

	return u, nil
}

func (s *Storage) SaveUser(ctx context.Context, name, email string, passHash []byte, role string, googleID, avatarURL *string) (models.User, error) {
	const op = "storage.sqlite.SaveUser"

	var pass sql.NullString
	if len(passHash) > 0 {
		pass = sql.NullString{String: string(passHash), Valid: true}
	}

	userUUID := uuid.New()
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (uuid, name, email, password_hash, role, is_active, google_id, avatar_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
	`, userUUID, name, email, pass, role, googleID, avatarURL, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	u := models.User{
		ID:        id,
		UUID:      userUUID,
		Name:      name,
		Email:     email,
		Role:      role,
		IsActive:  true,
		GoogleID:  googleID,
		AvatarURL: avatarURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if pass.Valid {
		u.PasswordHash = passHash
	}

	return u, nil
}

func (s *Storage) UserByEmail(ctx context.Context, email string) (models.User, error) {
	const op = "storage.sqlite.UserByEmail"

	q := `SELECT ` + userColumns + ` FROM users WHERE email = ? LIMIT 1`

	u, err := scanUser(s.db.QueryRowContext(ctx, q, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return u, nil
}

func (s *Storage) UserByUUID(ctx context.Context, userUUID uuid.UUID) (models.User, error) {
	const op = "storage.sqlite.UserByUUID"

	q := `SELECT ` + userColumns + ` FROM users WHERE uuid = ? LIMIT 1`

	u, err := scanUser(s.db.QueryRowContext(ctx, q, userUUID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return u, nil
}

func (s *Storage) UserByNameOrEmail(ctx context.Context, name, email string) (models.User, error) {
	const op = "storage.sqlite.UserByNameOrEmail"

	q := `SELECT ` + userColumns + ` FROM users WHERE name = ? OR email = ? LIMIT 1`

	u, err := scanUser(s.db.QueryRowContext(ctx, q, name, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return u, nil
}

func (s *Storage) UserByResetTokenHash(ctx context.Context, hash string) (models.User, error) {
	const op = "storage.sqlite.UserByResetTokenHash"

	q := `SELECT ` + userColumns + ` FROM users WHERE reset_token_hash = ? LIMIT 1`

	u, err := scanUser(s.db.QueryRowContext(ctx, q, hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return u, nil
}

func (s *Storage) UpdatePassword(ctx context.Context, userUUID uuid.UUID, passHash []byte) error {
	const op = "storage.sqlite.UpdatePassword"

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = ?,
		    reset_token_hash = NULL,
		    reset_token_expires_at = NULL,
		    updated_at = ?
		WHERE uuid = ?
	`, string(passHash), time.Now().UTC(), userUUID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	return nil
}

func (s *Storage) SetResetToken(ctx context.Context, userUUID uuid.UUID, hash string, expiresAt time.Time) error {
	const op = "storage.sqlite.SetResetToken"

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET reset_token_hash = ?,
		    reset_token_expires_at = ?,
		    updated_at = ?
		WHERE uuid = ?
	`, hash, expiresAt.UTC(), time.Now().UTC(), userUUID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	return nil
}

func (s *Storage) LinkGoogleID(ctx context.Context, userUUID uuid.UUID, googleID string) error {
	const op = "storage.sqlite.LinkGoogleID"

	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET google_id = ?, updated_at = ?
		WHERE uuid = ? AND google_id IS NULL
	`, googleID, time.Now().UTC(), userUUID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) SaveSession(
	ctx context.Context,
	userUUID uuid.UUID,
	tokenHash string,
	expiresAt time.Time,
	remember bool,
	ip string,
	userAgent string,
) error {
	const op = "storage.sqlite.SaveSession"

	var ipNS, uaNS sql.NullString
	if ip != "" {
		ipNS = sql.NullString{String: ip, Valid: true}
	}
	if userAgent != "" {
		uaNS = sql.NullString{String: userAgent, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_sessions (user_uuid, token_hash, expires_at, created_at, remember, ip_address, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, userUUID, tokenHash, expiresAt.UTC(), time.Now().UTC(), remember, ipNS, uaNS)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrSessionExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) SessionByHash(ctx context.Context, hash string) (models.RefreshSession, error) {
	const op = "storage.sqlite.SessionByHash"

	q := `
		SELECT id, user_uuid, token_hash, expires_at, created_at, revoked_at,
		       replaced_by_hash, remember, ip_address, user_agent
		FROM user_sessions
		WHERE token_hash = ?
		LIMIT 1
	`

	var sess models.RefreshSession
	var revokedAt sql.NullTime
	var replaced, ip, ua sql.NullString

	err := s.db.QueryRowContext(ctx, q, hash).Scan(
		&sess.ID,
		&sess.UserUUID,
		&sess.TokenHash,
		&sess.ExpiresAt,
		&sess.CreatedAt,
		&revokedAt,
		&replaced,
		&sess.Remember,
		&ip,
		&ua,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RefreshSession{}, fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
		}
		return models.RefreshSession{}, fmt.Errorf("%s: %w", op, err)
	}

	if revokedAt.Valid {
		t := revokedAt.Time
		sess.RevokedAt = &t
	}
	if replaced.Valid {
		v := replaced.String
		sess.ReplacedByHash = &v
	}
	if ip.Valid {
		sess.IPAddress = &ip.String
	}
	if ua.Valid {
		sess.UserAgent = &ua.String
	}

	return sess, nil
}

func (s *Storage) RotateSession(
	ctx context.Context,
	oldHash, newHash string,
	newExpiresAt time.Time,
	ip string,
	userAgent string,
) error {
	const op = "storage.sqlite.RotateSession"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var userUUID uuid.UUID
	var expiresAt time.Time
	var revokedAt sql.NullTime
	var remember bool

	err = tx.QueryRowContext(ctx, `
		SELECT user_uuid, expires_at, revoked_at, remember
		FROM user_sessions
		WHERE token_hash = ?
		LIMIT 1
	`, oldHash).Scan(&userUUID, &expiresAt, &revokedAt, &remember)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if revokedAt.Valid || time.Now().After(expiresAt) {
		return fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
	}

	var ipNS, uaNS sql.NullString
	if ip != "" {
		ipNS = sql.NullString{String: ip, Valid: true}
	}
	if userAgent != "" {
		uaNS = sql.NullString{String: userAgent, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_sessions (user_uuid, token_hash, expires_at, created_at, remember, ip_address, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, userUUID, newHash, newExpiresAt.UTC(), time.Now().UTC(), remember, ipNS, uaNS)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrSessionExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE user_sessions
		SET revoked_at = ?, replaced_by_hash = ?
		WHERE token_hash = ?
		  AND revoked_at IS NULL
	`, time.Now().UTC(), newHash, oldHash)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) RevokeSession(ctx context.Context, hash string) error {
	const op = "storage.sqlite.RevokeSession"

	res, err := s.db.ExecContext(ctx, `
		UPDATE user_sessions
		SET revoked_at = ?
		WHERE token_hash = ?
		  AND revoked_at IS NULL
	`, time.Now().UTC(), hash)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
	}

	return nil
}

func (s *Storage) RevokeAllForUser(ctx context.Context, userUUID uuid.UUID) error {
	const op = "storage.sqlite.RevokeAllForUser"

	_, err := s.db.ExecContext(ctx, `
		UPDATE user_sessions
		SET revoked_at = ?
		WHERE user_uuid = ?
		  AND revoked_at IS NULL
	`, time.Now().UTC(), userUUID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
