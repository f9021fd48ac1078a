package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sessiond/internal/domain/models"
	"sessiond/internal/storage"
)

// Storage keeps users and refresh sessions in process memory. It implements
// the same contract as the SQL stores, including one-shot rotation, and is
// what the tests and local dev runs wire in.
type Storage struct {
	mu         sync.RWMutex
	users      map[uuid.UUID]*models.User
	sessions   map[string]*models.RefreshSession
	nextUserID int64
	nextSessID int64
}

func New() *Storage {
	return &Storage{
		users:    make(map[uuid.UUID]*models.User),
		sessions: make(map[string]*models.RefreshSession),
	}
}

func cloneUser(u *models.User) models.User {
	out := *u
	if u.PasswordHash != nil {
		out.PasswordHash = append([]byte(nil), u.PasswordHash...)
	}
	out.AvatarURL = cloneStr(u.AvatarURL)
	out.GoogleID = cloneStr(u.GoogleID)
	out.ResetTokenHash = cloneStr(u.ResetTokenHash)
	out.ResetTokenExpiresAt = cloneTime(u.ResetTokenExpiresAt)
	return out
}

func cloneSession(s *models.RefreshSession) models.RefreshSession {
	out := *s
	out.RevokedAt = cloneTime(s.RevokedAt)
	out.ReplacedByHash = cloneStr(s.ReplacedByHash)
	out.IPAddress = cloneStr(s.IPAddress)
	out.UserAgent = cloneStr(s.UserAgent)
	return out
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (s *Storage) SaveUser(ctx context.Context, name, email string, passHash []byte, role string, googleID, avatarURL *string) (models.User, error) {
	const op = "storage.memory.SaveUser"

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Email == email {
			return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
	}

	s.nextUserID++
	now := time.Now()
	u := &models.User{
		ID:        s.nextUserID,
		UUID:      uuid.New(),
		Name:      name,
		Email:     email,
		Role:      role,
		IsActive:  true,
		GoogleID:  cloneStr(googleID),
		AvatarURL: cloneStr(avatarURL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(passHash) > 0 {
		u.PasswordHash = append([]byte(nil), passHash...)
	}

	s.users[u.UUID] = u

	return cloneUser(u), nil
}

func (s *Storage) UserByEmail(ctx context.Context, email string) (models.User, error) {
	const op = "storage.memory.UserByEmail"

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}

	return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
}

func (s *Storage) UserByUUID(ctx context.Context, userUUID uuid.UUID) (models.User, error) {
	const op = "storage.memory.UserByUUID"

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userUUID]
	if !ok {
		return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	return cloneUser(u), nil
}

func (s *Storage) UserByNameOrEmail(ctx context.Context, name, email string) (models.User, error) {
	const op = "storage.memory.UserByNameOrEmail"

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Name == name || u.Email == email {
			return cloneUser(u), nil
		}
	}

	return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
}

func (s *Storage) UserByResetTokenHash(ctx context.Context, hash string) (models.User, error) {
	const op = "storage.memory.UserByResetTokenHash"

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.ResetTokenHash != nil && *u.ResetTokenHash == hash {
			return cloneUser(u), nil
		}
	}

	return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
}

func (s *Storage) UpdatePassword(ctx context.Context, userUUID uuid.UUID, passHash []byte) error {
	const op = "storage.memory.UpdatePassword"

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userUUID]
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	u.PasswordHash = append([]byte(nil), passHash...)
	u.ResetTokenHash = nil
	u.ResetTokenExpiresAt = nil
	u.UpdatedAt = time.Now()

	return nil
}

func (s *Storage) SetResetToken(ctx context.Context, userUUID uuid.UUID, hash string, expiresAt time.Time) error {
	const op = "storage.memory.SetResetToken"

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userUUID]
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	u.ResetTokenHash = &hash
	u.ResetTokenExpiresAt = &expiresAt
	u.UpdatedAt = time.Now()

	return nil
}

func (s *Storage) LinkGoogleID(ctx context.Context, userUUID uuid.UUID, googleID string) error {
	const op = "storage.memory.LinkGoogleID"

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userUUID]
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	if u.GoogleID == nil {
		u.GoogleID = &googleID
		u.UpdatedAt = time.Now()
	}

	return nil
}

func (s *Storage) SaveSession(ctx context.Context, userUUID uuid.UUID, tokenHash string, expiresAt time.Time, remember bool, ip, userAgent string) error {
	const op = "storage.memory.SaveSession"

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveSessionLocked(op, userUUID, tokenHash, expiresAt, remember, ip, userAgent)
}

func (s *Storage) saveSessionLocked(op string, userUUID uuid.UUID, tokenHash string, expiresAt time.Time, remember bool, ip, userAgent string) error {
	if _, exists := s.sessions[tokenHash]; exists {
		return fmt.Errorf("%s: %w", op, storage.ErrSessionExists)
	}

	s.nextSessID++
	sess := &models.RefreshSession{
		ID:        s.nextSessID,
		UserUUID:  userUUID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
		Remember:  remember,
	}
	if ip != "" {
		sess.IPAddress = &ip
	}
	if userAgent != "" {
		sess.UserAgent = &userAgent
	}

	s.sessions[tokenHash] = sess

	return nil
}

func (s *Storage) SessionByHash(ctx context.Context, hash string) (models.RefreshSession, error) {
	const op = "storage.memory.SessionByHash"

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[hash]
	if !ok {
		return models.RefreshSession{}, fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
	}

	return cloneSession(sess), nil
}

func (s *Storage) RotateSession(ctx context.Context, oldHash, newHash string, newExpiresAt time.Time, ip, userAgent string) error {
	const op = "storage.memory.RotateSession"

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.sessions[oldHash]
	if !ok || old.RevokedAt != nil || time.Now().After(old.ExpiresAt) {
		return fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
	}

	if err := s.saveSessionLocked(op, old.UserUUID, newHash, newExpiresAt, old.Remember, ip, userAgent); err != nil {
		return err
	}

	now := time.Now()
	old.RevokedAt = &now
	old.ReplacedByHash = &newHash

	return nil
}

func (s *Storage) RevokeSession(ctx context.Context, hash string) error {
	const op = "storage.memory.RevokeSession"

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[hash]
	if !ok || sess.RevokedAt != nil {
		return fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
	}

	now := time.Now()
	sess.RevokedAt = &now

	return nil
}

func (s *Storage) RevokeAllForUser(ctx context.Context, userUUID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, sess := range s.sessions {
		if sess.UserUUID == userUUID && sess.RevokedAt == nil {
			t := now
			sess.RevokedAt = &t
		}
	}

	return nil
}
