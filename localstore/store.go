// Package localstore is the on-device SQLite mirror of the remote tables,
// plus the two private tables that only exist locally: auth_tokens and
// pending_operations.
// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a row does not exist in the local mirror.
var ErrNotFound = errors.New("localstore: row not found")

// Store wraps the local SQLite database. All mirrored tables keep the remote
// primary keys, so replaying local state against the server is always an
// upsert-by-id.
type Store struct {
	DB     *sql.DB
	logger *slog.Logger

	// Serialize writes to avoid SQLITE_BUSY under concurrent mutations.
	writeMu sync.Mutex
}

// Open opens (or creates) the database at path and initializes the schema.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return NewStore(db)
}

// NewStore initializes the schema on an already-open database.
func NewStore(db *sql.DB) (*Store, error) {
	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{DB: db, logger: slog.Default()}, nil
}

// SetLogger replaces the default slog logger.
func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.DB.Close() }

func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS product_lists (
			id          TEXT PRIMARY KEY,
			user_id     TEXT,
			name        TEXT NOT NULL DEFAULT '',
			supplier    TEXT,
			mapping     TEXT, -- JSON price mapping configuration
			created_at  TEXT,
			updated_at  TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS dynamic_products (
			id          TEXT PRIMARY KEY,
			list_id     TEXT,
			code        TEXT,
			name        TEXT,
			price       NUMERIC,
			quantity    INTEGER NOT NULL DEFAULT 0,
			data        TEXT, -- raw imported columns as JSON
			created_at  TEXT,
			updated_at  TEXT
		)`,

		// Denormalized search/listing view, one row per product. Logically
		// derived from dynamic_products but updated independently by offline
		// paths and index-refresh RPCs; divergence is bounded and self-heals.
		`CREATE TABLE IF NOT EXISTS dynamic_products_index (
			product_id      TEXT PRIMARY KEY,
			list_id         TEXT,
			code            TEXT,
			name            TEXT,
			price           NUMERIC,
			quantity        INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
			in_my_stock     INTEGER NOT NULL DEFAULT 0,
			stock_threshold INTEGER NOT NULL DEFAULT 0,
			calculated_data TEXT,
			updated_at      TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS stock_items (
			id          TEXT PRIMARY KEY,
			user_id     TEXT,
			code        TEXT,
			name        TEXT,
			price       NUMERIC,
			quantity    INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT,
			updated_at  TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS delivery_notes (
			id             TEXT PRIMARY KEY,
			user_id        TEXT,
			customer_name  TEXT,
			customer_phone TEXT,
			total_amount   NUMERIC NOT NULL DEFAULT 0,
			paid_amount    NUMERIC NOT NULL DEFAULT 0,
			status         TEXT NOT NULL DEFAULT 'pending',
			created_at     TEXT,
			updated_at     TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS delivery_note_items (
			id         TEXT PRIMARY KEY,
			note_id    TEXT,
			product_id TEXT,
			list_id    TEXT,
			quantity   INTEGER NOT NULL DEFAULT 0,
			unit_price NUMERIC NOT NULL DEFAULT 0,
			created_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS my_stock_products (
			product_id TEXT PRIMARY KEY,
			user_id    TEXT,
			added_at   TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS clients (
			id         TEXT PRIMARY KEY,
			user_id    TEXT,
			name       TEXT,
			phone      TEXT,
			email      TEXT,
			balance    NUMERIC NOT NULL DEFAULT 0,
			created_at TEXT,
			updated_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS invoices (
			id         TEXT PRIMARY KEY,
			user_id    TEXT,
			client_id  TEXT,
			total      NUMERIC NOT NULL DEFAULT 0,
			status     TEXT,
			created_at TEXT,
			updated_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS payments (
			id         TEXT PRIMARY KEY,
			user_id    TEXT,
			client_id  TEXT,
			invoice_id TEXT,
			amount     NUMERIC NOT NULL DEFAULT 0,
			method     TEXT,
			created_at TEXT
		)`,

		// Private: persisted session, one row per user.
		`CREATE TABLE IF NOT EXISTS auth_tokens (
			user_id       TEXT PRIMARY KEY,
			refresh_token TEXT NOT NULL,
			access_token  TEXT NOT NULL,
			expires_at    INTEGER NOT NULL DEFAULT 0
		)`,

		// Private: append/delete replay log, keyed by a local id that never
		// leaves this device.
		`CREATE TABLE IF NOT EXISTS pending_operations (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name     TEXT NOT NULL,
			operation_type TEXT NOT NULL CHECK (operation_type IN ('INSERT','UPDATE','DELETE')),
			record_id      TEXT NOT NULL,
			data           TEXT,
			op_id          TEXT,
			queued_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			retry_count    INTEGER NOT NULL DEFAULT 0,
			max_retries    INTEGER NOT NULL DEFAULT 10
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}
