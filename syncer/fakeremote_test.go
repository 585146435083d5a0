// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gonzagiaco/fin-inventory-hub-sub000/model"
	"github.com/gonzagiaco/fin-inventory-hub-sub000/remote"
)

// fakeRemote is an in-memory remote.Service with the same observable
// semantics as the hosted backend: upsert-by-id writes, a clamped bulk
// adjustment RPC with an op-id ledger, and an index refresh derived from the
// list mapping.
type fakeRemote struct {
	mu       sync.Mutex
	tables   map[string]map[string]map[string]any
	opLedger map[string]remote.AdjustResult
	calls    []string

	failBulk      bool            // BulkAdjustStock returns an error
	failTables    map[string]bool // any CRUD on these tables fails
	failTablesFor map[string]int  // fail the next N CRUD calls on the table
	refreshSess   *remote.Session // non-nil makes RefreshSession succeed
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		tables:        make(map[string]map[string]map[string]any),
		opLedger:      make(map[string]remote.AdjustResult),
		failTables:    make(map[string]bool),
		failTablesFor: make(map[string]int),
	}
}

func (f *fakeRemote) tableDown(table string) bool {
	if f.failTables[table] {
		return true
	}
	if n := f.failTablesFor[table]; n > 0 {
		f.failTablesFor[table] = n - 1
		return true
	}
	return false
}

func (f *fakeRemote) seed(table, pk string, row map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]map[string]any)
	}
	f.tables[table][pk] = cloneRow(row)
}

func (f *fakeRemote) row(table, pk string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneRow(f.tables[table][pk])
}

func cloneRow(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func (f *fakeRemote) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeRemote) SelectRows(ctx context.Context, table string, filter map[string]string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tableDown(table) {
		return nil, fmt.Errorf("fake remote: %s unavailable", table)
	}

	pks := make([]string, 0, len(f.tables[table]))
	for pk := range f.tables[table] {
		pks = append(pks, pk)
	}
	sort.Strings(pks)

	var rows []map[string]any
	for _, pk := range pks {
		row := f.tables[table][pk]
		match := true
		for col, want := range filter {
			if got, _ := row[col].(string); got != want {
				match = false
				break
			}
		}
		if match {
			rows = append(rows, cloneRow(row))
		}
	}
	return rows, nil
}

func (f *fakeRemote) InsertRow(ctx context.Context, table string, payload map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tableDown(table) {
		return nil, fmt.Errorf("fake remote: %s unavailable", table)
	}
	pk, _ := payload[model.PrimaryKeyColumn(table)].(string)
	if pk == "" {
		return nil, fmt.Errorf("fake remote: insert into %s without primary key", table)
	}
	f.record("INSERT %s %s", table, pk)
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]map[string]any)
	}
	row := cloneRow(payload)
	f.tables[table][pk] = row
	return cloneRow(row), nil
}

func (f *fakeRemote) UpdateRow(ctx context.Context, table, recordID string, payload map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tableDown(table) {
		return nil, fmt.Errorf("fake remote: %s unavailable", table)
	}
	f.record("UPDATE %s %s", table, recordID)
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]map[string]any)
	}
	row := f.tables[table][recordID]
	if row == nil {
		row = map[string]any{model.PrimaryKeyColumn(table): recordID}
	}
	for k, v := range payload {
		row[k] = v
	}
	f.tables[table][recordID] = row
	return cloneRow(row), nil
}

func (f *fakeRemote) DeleteRow(ctx context.Context, table, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tableDown(table) {
		return fmt.Errorf("fake remote: %s unavailable", table)
	}
	f.record("DELETE %s %s", table, recordID)
	delete(f.tables[table], recordID)
	return nil
}

func (f *fakeRemote) BulkAdjustStock(ctx context.Context, adjustments []model.StockAdjustment) (*remote.BulkAdjustResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBulk {
		return nil, fmt.Errorf("fake remote: bulk_adjust_stock unavailable")
	}
	f.record("RPC bulk_adjust_stock n=%d", len(adjustments))

	result := &remote.BulkAdjustResult{Success: true}
	for _, adj := range adjustments {
		if prev, ok := f.opLedger[adj.OpID]; ok && adj.OpID != "" {
			result.Results = append(result.Results, prev)
			result.Processed++
			continue
		}

		product := f.tables[model.TableDynamicProducts][adj.ProductID]
		if product == nil {
			continue
		}
		oldQty := toInt64(product["quantity"])
		newQty := oldQty + adj.Delta
		if newQty < 0 {
			newQty = 0
		}
		product["quantity"] = newQty
		if idx := f.tables[model.TableDynamicProductsIndex][adj.ProductID]; idx != nil {
			idx["quantity"] = newQty
		}

		res := remote.AdjustResult{
			ProductID: adj.ProductID,
			OldQty:    oldQty,
			NewQty:    newQty,
			Delta:     adj.Delta,
			OpID:      adj.OpID,
		}
		if adj.OpID != "" {
			f.opLedger[adj.OpID] = res
		}
		result.Results = append(result.Results, res)
		result.Processed++
	}
	return result, nil
}

func (f *fakeRemote) RefreshListIndex(ctx context.Context, listID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RPC refresh_list_index %s", listID)

	mapping := model.DefaultListMapping()
	if list := f.tables[model.TableProductLists][listID]; list != nil {
		if raw, ok := list["mapping"].(string); ok && raw != "" {
			_ = json.Unmarshal([]byte(raw), &mapping)
		}
	}

	if f.tables[model.TableDynamicProductsIndex] == nil {
		f.tables[model.TableDynamicProductsIndex] = make(map[string]map[string]any)
	}
	for pk, product := range f.tables[model.TableDynamicProducts] {
		if lid, _ := product["list_id"].(string); lid != listID {
			continue
		}
		f.tables[model.TableDynamicProductsIndex][pk] = map[string]any{
			"product_id": pk,
			"list_id":    listID,
			"code":       product["code"],
			"name":       product["name"],
			"price":      mapping.ComputePrice(decimalOf(product["price"])).String(),
			"quantity":   toInt64(product["quantity"]),
			"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
		}
	}
	return nil
}

// UpsertProductsBatch is a raw dual-write: both tables get the import values
// as-is, and computed prices only appear once RefreshListIndex runs.
func (f *fakeRemote) UpsertProductsBatch(ctx context.Context, listID, userID string, products []map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RPC upsert_products_batch %s n=%d", listID, len(products))
	for _, p := range products {
		pk, _ := p["id"].(string)
		if pk == "" {
			return fmt.Errorf("fake remote: product without id")
		}
		row := cloneRow(p)
		row["list_id"] = listID
		if f.tables[model.TableDynamicProducts] == nil {
			f.tables[model.TableDynamicProducts] = make(map[string]map[string]any)
		}
		f.tables[model.TableDynamicProducts][pk] = row

		if f.tables[model.TableDynamicProductsIndex] == nil {
			f.tables[model.TableDynamicProductsIndex] = make(map[string]map[string]any)
		}
		f.tables[model.TableDynamicProductsIndex][pk] = map[string]any{
			"product_id": pk,
			"list_id":    listID,
			"code":       p["code"],
			"name":       p["name"],
			"price":      p["price"],
			"quantity":   toInt64(p["quantity"]),
		}
	}
	return nil
}

func (f *fakeRemote) SignUp(ctx context.Context, email, password string) (*remote.Session, error) {
	return f.SignIn(ctx, email, password)
}

func (f *fakeRemote) SignIn(ctx context.Context, email, password string) (*remote.Session, error) {
	return &remote.Session{
		UserID:       "user-" + email,
		Email:        email,
		AccessToken:  "access-" + email,
		RefreshToken: "refresh-" + email,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeRemote) SignOut(ctx context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SIGNOUT")
	return nil
}

func (f *fakeRemote) SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error) {
	return "https://auth.fake.test/authorize?provider=" + provider, nil
}

func (f *fakeRemote) SetSession(ctx context.Context, accessToken, refreshToken string) (*remote.Session, error) {
	return &remote.Session{
		UserID:       "user-oauth",
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeRemote) RefreshSession(ctx context.Context, refreshToken string) (*remote.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshSess != nil {
		return f.refreshSess, nil
	}
	return nil, fmt.Errorf("fake remote: refresh unavailable")
}

// requirePrice compares a price column decimal-wise; SQLite's NUMERIC
// affinity hands numeric text back as float64.
func requirePrice(t *testing.T, row map[string]any, want string) {
	t.Helper()
	got := decimalOf(row["price"])
	if !got.Equal(mustDecimal(t, want)) {
		t.Fatalf("price = %v, want %s", row["price"], want)
	}
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
