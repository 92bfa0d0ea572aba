package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// User is a local identity provider account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateUser inserts a new account. Email is stored lower-cased.
// Returns ErrDuplicate when the email is already registered.
func (s *Store) CreateUser(ctx context.Context, id, email, passwordHash, role string) (*User, error) {
	now := s.nowMillis()
	email = strings.ToLower(strings.TrimSpace(email))
	if role == "" {
		role = "user"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (id, email, password_hash, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		id, email, passwordHash, role, now, now)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &User{
		ID:           id,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    millisToTime(now),
		UpdatedAt:    millisToTime(now),
	}, nil
}

// GetUserByEmail looks up an account by case-insensitive email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

// GetUserByID looks up an account by id.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, "id", id)
}

func (s *Store) getUser(ctx context.Context, column, value string) (*User, error) {
	var (
		u                    User
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, email, password_hash, role, created_at, updated_at
		FROM users WHERE `+column+` = ?`), value).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by %s: %w", column, err)
	}
	u.CreatedAt = millisToTime(createdAt)
	u.UpdatedAt = millisToTime(updatedAt)
	return &u, nil
}

// RevokeToken records a signed-out token id until its natural expiry.
// Revoking the same id twice is a no-op.
func (s *Store) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO revoked_tokens (jti, expires_at) VALUES (?, ?)
		ON CONFLICT (jti) DO NOTHING`), jti, expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsTokenRevoked reports whether jti was revoked.
func (s *Store) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM revoked_tokens WHERE jti = ?`), jti).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return true, nil
}

// PurgeExpiredRevocations deletes revocations whose tokens have expired anyway.
func (s *Store) PurgeExpiredRevocations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM revoked_tokens WHERE expires_at < ?`), s.nowMillis())
	if err != nil {
		return 0, fmt.Errorf("purge revoked tokens: %w", err)
	}
	return res.RowsAffected()
}
