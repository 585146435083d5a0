// Package remote defines the contract this app consumes from the hosted
// backend: row-level CRUD on the mirrored tables, the stock/index RPCs, and
// the auth endpoints. Two implementations exist: SupabaseService speaks
// PostgREST/GoTrue over HTTP, PostgresService runs the same contract straight
// against a Postgres database.
// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gonzagiaco/fin-inventory-hub-sub000/model"
)

// ErrOffline is returned by implementations that can detect up-front that no
// remote call can be made.
var ErrOffline = errors.New("remote: service unreachable")

// StatusError is a non-2xx response from the remote service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: server returned status %d: %s", e.Code, e.Body)
}

// Session is an authenticated remote session.
type Session struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// AdjustResult is the per-product outcome of a bulk stock adjustment.
type AdjustResult struct {
	ProductID string `json:"product_id"`
	OldQty    int64  `json:"old_qty"`
	NewQty    int64  `json:"new_qty"`
	Delta     int64  `json:"delta"`
	OpID      string `json:"op_id"`
}

// BulkAdjustResult is the response of the bulk_adjust_stock RPC.
type BulkAdjustResult struct {
	Success   bool           `json:"success"`
	Processed int            `json:"processed"`
	Results   []AdjustResult `json:"results"`
}

// Service is the remote backend contract. Implementations must treat inserts
// and updates as upserts-by-id so that queued offline operations replay
// idempotently.
type Service interface {
	// Row-level CRUD. Insert and Update return the stored row so callers can
	// mirror server-assigned fields into the local store.
	SelectRows(ctx context.Context, table string, filter map[string]string) ([]map[string]any, error)
	InsertRow(ctx context.Context, table string, payload map[string]any) (map[string]any, error)
	UpdateRow(ctx context.Context, table, recordID string, payload map[string]any) (map[string]any, error)
	DeleteRow(ctx context.Context, table, recordID string) error

	// RPCs.
	BulkAdjustStock(ctx context.Context, adjustments []model.StockAdjustment) (*BulkAdjustResult, error)
	RefreshListIndex(ctx context.Context, listID string) error
	UpsertProductsBatch(ctx context.Context, listID, userID string, products []map[string]any) error

	// Auth. SignInWithOAuth returns the provider authorize URL; the flow
	// finishes out-of-band and hands its tokens to SetSession.
	SignUp(ctx context.Context, email, password string) (*Session, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error)
	SetSession(ctx context.Context, accessToken, refreshToken string) (*Session, error)
	SignOut(ctx context.Context, accessToken string) error
	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)
}
