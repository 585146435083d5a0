// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gonzagiaco/fin-inventory-hub-sub000/model"
)

// SaveToken persists the session tokens, replacing any previous row for the
// user. Called on every successful sign-in, sign-up and token refresh.
func (s *Store) SaveToken(ctx context.Context, tok model.AuthToken) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.DB.ExecContext(ctx, `
		INSERT OR REPLACE INTO auth_tokens (user_id, refresh_token, access_token, expires_at)
		VALUES (?, ?, ?, ?)
	`, tok.UserID, tok.RefreshToken, tok.AccessToken, tok.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save auth token: %w", err)
	}
	return nil
}

// LoadToken reads the persisted session. With no user id it returns whichever
// single row exists (the app signs in one user per device).
func (s *Store) LoadToken(ctx context.Context, userID string) (*model.AuthToken, error) {
	query := `SELECT user_id, refresh_token, access_token, expires_at FROM auth_tokens`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` LIMIT 1`

	var tok model.AuthToken
	var expiresAt int64
	err := s.DB.QueryRowContext(ctx, query, args...).
		Scan(&tok.UserID, &tok.RefreshToken, &tok.AccessToken, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load auth token: %w", err)
	}
	tok.ExpiresAt = time.Unix(expiresAt, 0)
	return &tok, nil
}

// ClearToken removes the persisted session on explicit sign-out. Mirrored
// data is left in place.
func (s *Store) ClearToken(ctx context.Context, userID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `DELETE FROM auth_tokens`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to clear auth token: %w", err)
	}
	return nil
}
