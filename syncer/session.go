// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gonzagiaco/fin-inventory-hub-sub000/localstore"
	"github.com/gonzagiaco/fin-inventory-hub-sub000/model"
	"github.com/gonzagiaco/fin-inventory-hub-sub000/remote"
)

// ErrSessionRestoreFailed means neither the auth endpoint nor the persisted
// token could produce a session; the user has to sign in again. Local data is
// left untouched.
var ErrSessionRestoreFailed = errors.New("syncer: session restore failed")

// SessionManager persists sessions across launches so the app can start
// offline. Every successful sign-in/sign-up/refresh saves the tokens; explicit
// sign-out clears them.
type SessionManager struct {
	store  *localstore.Store
	svc    remote.Service
	engine *Engine
	logger *slog.Logger
}

// NewSessionManager wires the session manager. engine may be nil when the
// caller handles the post-sign-in pull itself.
func NewSessionManager(store *localstore.Store, svc remote.Service, engine *Engine, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{store: store, svc: svc, engine: engine, logger: logger}
}

func (m *SessionManager) persist(ctx context.Context, sess *remote.Session) error {
	return m.store.SaveToken(ctx, model.AuthToken{
		UserID:       sess.UserID,
		RefreshToken: sess.RefreshToken,
		AccessToken:  sess.AccessToken,
		ExpiresAt:    sess.ExpiresAt,
	})
}

// SignIn authenticates, persists the tokens and refreshes the mirror.
func (m *SessionManager) SignIn(ctx context.Context, email, password string) (*remote.Session, error) {
	sess, err := m.svc.SignIn(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("sign-in failed: %w", err)
	}
	if err := m.persist(ctx, sess); err != nil {
		return nil, err
	}
	if m.engine != nil {
		if err := m.engine.PullAll(ctx); err != nil {
			m.logger.Warn("post-sign-in pull failed; mirror may be stale", "error", err)
		}
	}
	return sess, nil
}

// SignUp registers an account and persists its tokens.
func (m *SessionManager) SignUp(ctx context.Context, email, password string) (*remote.Session, error) {
	sess, err := m.svc.SignUp(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("sign-up failed: %w", err)
	}
	if err := m.persist(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// SignOut revokes the session remotely (best effort) and clears the
// persisted tokens. Mirrored data stays on the device.
func (m *SessionManager) SignOut(ctx context.Context) error {
	tok, err := m.store.LoadToken(ctx, "")
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return err
	}
	if tok != nil {
		if err := m.svc.SignOut(ctx, tok.AccessToken); err != nil {
			m.logger.Warn("remote sign-out failed; clearing local session anyway", "error", err)
		}
	}
	return m.store.ClearToken(ctx, "")
}

// Bootstrap restores a session at launch. It first tries the auth endpoint
// with the persisted refresh token; when that call cannot be made (app
// launched offline), it falls back to the token claims themselves so the user
// keeps working against the mirror. The fallback path logs a warning; the
// caller should prompt for re-authentication once connectivity returns.
func (m *SessionManager) Bootstrap(ctx context.Context) (*remote.Session, error) {
	tok, err := m.store.LoadToken(ctx, "")
	if errors.Is(err, localstore.ErrNotFound) {
		return nil, ErrSessionRestoreFailed
	}
	if err != nil {
		return nil, err
	}

	sess, err := m.svc.RefreshSession(ctx, tok.RefreshToken)
	if err == nil {
		if err := m.persist(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	}

	m.logger.Warn("session refresh failed; restoring from stored token", "error", err)
	claims, perr := remote.ParseSessionClaims(tok.AccessToken)
	if perr != nil {
		m.logger.Warn("stored token unusable", "error", perr)
		return nil, ErrSessionRestoreFailed
	}
	return &remote.Session{
		UserID:       claims.UserID,
		Email:        claims.Email,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    claims.ExpiresAt,
	}, nil
}
