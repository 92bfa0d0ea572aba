package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Settings is a user's saved prompt configuration.
type Settings struct {
	UserID              string
	SystemPrompt        *string
	ConnectSystemPrompt *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SettingsPatch carries the fields to change; nil fields keep their value.
type SettingsPatch struct {
	SystemPrompt        *string
	ConnectSystemPrompt *string
}

// GetSettings returns the user's settings or ErrNotFound.
func (s *Store) GetSettings(ctx context.Context, userID string) (*Settings, error) {
	var (
		out                  Settings
		system, connect      sql.NullString
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT user_id, system_prompt, connect_system_prompt, created_at, updated_at
		FROM user_settings WHERE user_id = ?`), userID).
		Scan(&out.UserID, &system, &connect, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	if system.Valid {
		out.SystemPrompt = &system.String
	}
	if connect.Valid {
		out.ConnectSystemPrompt = &connect.String
	}
	out.CreatedAt = millisToTime(createdAt)
	out.UpdatedAt = millisToTime(updatedAt)
	return &out, nil
}

// UpsertSettings creates the user's row or patches it in place. There is never
// more than one row per user, and updated_at strictly advances on every save
// even when the clock does not.
func (s *Store) UpsertSettings(ctx context.Context, userID string, patch SettingsPatch) (*Settings, error) {
	now := s.nowMillis()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO user_settings (user_id, system_prompt, connect_system_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			system_prompt = COALESCE(excluded.system_prompt, user_settings.system_prompt),
			connect_system_prompt = COALESCE(excluded.connect_system_prompt, user_settings.connect_system_prompt),
			updated_at = CASE
				WHEN excluded.updated_at > user_settings.updated_at THEN excluded.updated_at
				ELSE user_settings.updated_at + 1
			END`),
		userID, nullableString(patch.SystemPrompt), nullableString(patch.ConnectSystemPrompt), now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert settings: %w", err)
	}
	return s.GetSettings(ctx, userID)
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
