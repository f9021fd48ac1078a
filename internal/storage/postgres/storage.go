package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"sessiond/internal/domain/models"
	"sessiond/internal/storage"
)

type Storage struct {
	db  *sql.DB
	log *slog.Logger
}

func New(dsn string, log *slog.Logger) (*Storage, error) {
	const op = "storage.postgres.New"

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db, log: log}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	// fallback for errors wrapped in a way that hides PgError
	return strings.Contains(err.Error(), "SQLSTATE 23505")
}

const userColumns = `
	id, uuid, name, email, password_hash, role, is_active,
	avatar_url, google_id, reset_token_hash, reset_token_expires_at,
	created_at, updated_at
`

func scanUser(row *sql.Row) (models.User, error) {
	var u models.User
	var passHash sql.NullString
	var avatar, googleID, resetHash sql.NullString
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
	const op = "storage.postgres.SaveUser"

	q := `
		INSERT INTO users (uuid, name, email, password_hash, role, google_id, avatar_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + userColumns

	var pass sql.NullString
	if len(passHash) > 0 {
		pass = sql.NullString{String: string(passHash), Valid: true}
	}

	u, err := scanUser(s.db.QueryRowContext(ctx, q, uuid.New(), name, email, pass, role, googleID, avatarURL))
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return u, nil
}

func (s *Storage) UserByEmail(ctx context.Context, email string) (models.User, error) {
	const op = "storage.postgres.UserByEmail"

	q := `SELECT ` + userColumns + ` FROM users WHERE email = $1 LIMIT 1`

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
	const op = "storage.postgres.UserByUUID"

	q := `SELECT ` + userColumns + ` FROM users WHERE uuid = $1 LIMIT 1`

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
	const op = "storage.postgres.UserByNameOrEmail"

	q := `SELECT ` + userColumns + ` FROM users WHERE name = $1 OR email = $2 LIMIT 1`

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
	const op = "storage.postgres.UserByResetTokenHash"

	q := `SELECT ` + userColumns + ` FROM users WHERE reset_token_hash = $1 LIMIT 1`

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
	const op = "storage.postgres.UpdatePassword"

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2,
		    reset_token_hash = NULL,
		    reset_token_expires_at = NULL,
		    updated_at = NOW()
		WHERE uuid = $1
	`, userUUID, string(passHash))
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
	const op = "storage.postgres.SetResetToken"

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET reset_token_hash = $2,
		    reset_token_expires_at = $3,
		    updated_at = NOW()
		WHERE uuid = $1
	`, userUUID, hash, expiresAt)
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
	const op = "storage.postgres.LinkGoogleID"

	// only attaches; never overwrites an existing link
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET google_id = $2, updated_at = NOW()
		WHERE uuid = $1 AND google_id IS NULL
	`, userUUID, googleID)
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
	const op = "storage.postgres.SaveSession"

	q := `
		INSERT INTO user_sessions
			(user_uuid, token_hash, expires_at, remember, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, NULLIF($5,'')::inet, NULLIF($6,''))
	`

	_, err := s.db.ExecContext(ctx, q, userUUID, tokenHash, expiresAt, remember, ip, userAgent)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrSessionExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) SessionByHash(ctx context.Context, hash string) (models.RefreshSession, error) {
	const op = "storage.postgres.SessionByHash"

	q := `
		SELECT id, user_uuid, token_hash, expires_at, created_at, revoked_at,
		       replaced_by_hash, remember, ip_address, user_agent
		FROM user_sessions
		WHERE token_hash = $1
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

// RotateSession is the one-shot exchange: insert the replacement row and
// revoke the presented one in a single transaction. The UPDATE is guarded by
// revoked_at IS NULL, so of two concurrent rotations of the same token
// exactly one commits; the loser gets storage.ErrSessionNotFound.
func (s *Storage) RotateSession(
	ctx context.Context,
	oldHash, newHash string,
	newExpiresAt time.Time,
	ip string,
	userAgent string,
) error {
	const op = "storage.postgres.RotateSession"

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
		WHERE token_hash = $1
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_sessions
			(user_uuid, token_hash, expires_at, remember, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, NULLIF($5,'')::inet, NULLIF($6,''))
	`, userUUID, newHash, newExpiresAt, remember, ip, userAgent)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrSessionExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE user_sessions
		SET revoked_at = NOW(), replaced_by_hash = $2
		WHERE token_hash = $1
		  AND revoked_at IS NULL
	`, oldHash, newHash)
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
	const op = "storage.postgres.RevokeSession"

	res, err := s.db.ExecContext(ctx, `
		UPDATE user_sessions
		SET revoked_at = NOW()
		WHERE token_hash = $1
		  AND revoked_at IS NULL
	`, hash)
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
	const op = "storage.postgres.RevokeAllForUser"

	_, err := s.db.ExecContext(ctx, `
		UPDATE user_sessions
		SET revoked_at = NOW()
		WHERE user_uuid = $1
		  AND revoked_at IS NULL
	`, userUUID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
