// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gonzagiaco/fin-inventory-hub-sub000/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestInitializeSchemaCreatesAllTables(t *testing.T) {
	store := newTestStore(t)

	expected := append([]string{}, model.MirroredTables...)
	expected = append(expected, "auth_tokens", "pending_operations")

	for _, table := range expected {
		var name string
		err := store.DB.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}

	// Initializing twice must be a no-op.
	_, err := NewStore(store.DB)
	require.NoError(t, err)
}

func TestIndexQuantityCannotGoNegative(t *testing.T) {
	store := newTestStore(t)

	err := store.UpsertRow(context.Background(), model.TableDynamicProductsIndex, "p1",
		map[string]any{"product_id": "p1", "quantity": int64(-1)})
	require.Error(t, err, "check constraint must reject negative quantities")
}

func TestUpsertRowRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertRow(ctx, model.TableClients, "c1", map[string]any{
		"name": "ACME", "phone": "555-0100",
	}))

	row, err := store.GetRow(ctx, model.TableClients, "c1")
	require.NoError(t, err)
	require.Equal(t, "c1", row["id"], "primary key is filled in from pk")
	require.Equal(t, "ACME", row["name"])

	// Upsert replaces the existing row.
	require.NoError(t, store.UpsertRow(ctx, model.TableClients, "c1", map[string]any{
		"id": "c1", "name": "ACME Corp",
	}))
	row, err = store.GetRow(ctx, model.TableClients, "c1")
	require.NoError(t, err)
	require.Equal(t, "ACME Corp", row["name"])

	n, err := store.CountRows(ctx, model.TableClients)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestGetRowNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetRow(context.Background(), model.TableClients, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRowIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertRow(ctx, model.TableClients, "c1", map[string]any{"id": "c1"}))
	require.NoError(t, store.DeleteRow(ctx, model.TableClients, "c1"))
	require.NoError(t, store.DeleteRow(ctx, model.TableClients, "c1"))
}

func TestListRowsByFiltersOnColumn(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, p := range []map[string]any{
		{"id": "p1", "list_id": "l1", "name": "One"},
		{"id": "p2", "list_id": "l1", "name": "Two"},
		{"id": "p3", "list_id": "l2", "name": "Three"},
	} {
		require.NoError(t, store.UpsertRow(ctx, model.TableDynamicProducts, p["id"].(string), p))
	}

	rows, err := store.ListRowsBy(ctx, model.TableDynamicProducts, "list_id", "l1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "p1", rows[0]["id"])
	require.Equal(t, "p2", rows[1]["id"])
}

func TestReplaceTableSwapsContents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertRow(ctx, model.TableClients, "stale", map[string]any{"id": "stale"}))

	require.NoError(t, store.ReplaceTable(ctx, model.TableClients, []map[string]any{
		{"id": "c1", "name": "Fresh"},
		{"id": "c2", "name": "Fresher"},
	}))

	rows, err := store.ListRows(ctx, model.TableClients)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "c1", rows[0]["id"])

	// A row without its primary key aborts the whole replace.
	err = store.ReplaceTable(ctx, model.TableClients, []map[string]any{{"name": "Nameless"}})
	require.Error(t, err)
	rows, err = store.ListRows(ctx, model.TableClients)
	require.NoError(t, err)
	require.Len(t, rows, 2, "failed replace must roll back")
}

func TestAuthTokenRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, store.SaveToken(ctx, model.AuthToken{
		UserID: "u1", RefreshToken: "r1", AccessToken: "a1", ExpiresAt: exp,
	}))

	tok, err := store.LoadToken(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "r1", tok.RefreshToken)
	require.True(t, tok.ExpiresAt.Equal(exp))

	// No user id: the single stored session.
	tok, err = store.LoadToken(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "u1", tok.UserID)

	// Saving again replaces the row.
	require.NoError(t, store.SaveToken(ctx, model.AuthToken{
		UserID: "u1", RefreshToken: "r2", AccessToken: "a2", ExpiresAt: exp,
	}))
	tok, err = store.LoadToken(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "r2", tok.RefreshToken)

	require.NoError(t, store.ClearToken(ctx, ""))
	_, err = store.LoadToken(ctx, "")
	require.ErrorIs(t, err, ErrNotFound)
}
