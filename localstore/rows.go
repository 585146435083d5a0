// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/gonzagiaco/fin-inventory-hub-sub000/model"
)

// UpsertRow writes a row into a mirrored table by primary key, creating it if
// absent. The payload is a column→value map; the primary key column is filled
// in from pk when the payload does not carry it.
func (s *Store) UpsertRow(ctx context.Context, table, pk string, payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return upsertRow(ctx, s.DB, table, pk, payload)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertRow(ctx context.Context, db execer, table, pk string, payload map[string]any) error {
	pkCol := model.PrimaryKeyColumn(table)

	row := make(map[string]any, len(payload)+1)
	for col, val := range payload {
		row[strings.ToLower(col)] = val
	}
	if _, ok := row[pkCol]; !ok {
		row[pkCol] = pk
	}

	// Stable column order keeps generated SQL deterministic.
	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	var colStr, phStr strings.Builder
	values := make([]any, 0, len(columns))
	for i, col := range columns {
		if i > 0 {
			colStr.WriteString(", ")
			phStr.WriteString(", ")
		}
		colStr.WriteString(`"` + col + `"`)
		phStr.WriteString("?")
		values = append(values, row[col])
	}

	query := fmt.Sprintf(`INSERT OR REPLACE INTO "%s" (%s) VALUES (%s)`, table, colStr.String(), phStr.String())
	if _, err := db.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", table, err)
	}
	return nil
}

// GetRow loads one row by primary key as a column→value map.
func (s *Store) GetRow(ctx context.Context, table, pk string) (map[string]any, error) {
	pkCol := model.PrimaryKeyColumn(table)
	query := fmt.Sprintf(`SELECT * FROM "%s" WHERE "%s" = ?`, table, pkCol)

	rows, err := s.DB.QueryContext(ctx, query, pk)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", table, err)
		}
		return nil, ErrNotFound
	}
	return scanRowMap(rows)
}

// ListRows returns all rows of a mirrored table, ordered by primary key.
func (s *Store) ListRows(ctx context.Context, table string) ([]map[string]any, error) {
	return s.listRowsWhere(ctx, table, "", nil)
}

// ListRowsBy returns all rows where column equals value.
func (s *Store) ListRowsBy(ctx context.Context, table, column string, value any) ([]map[string]any, error) {
	return s.listRowsWhere(ctx, table, fmt.Sprintf(`WHERE "%s" = ?`, column), []any{value})
}

func (s *Store) listRowsWhere(ctx context.Context, table, where string, args []any) ([]map[string]any, error) {
	pkCol := model.PrimaryKeyColumn(table)
	query := fmt.Sprintf(`SELECT * FROM "%s" %s ORDER BY "%s"`, table, where, pkCol)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var results []map[string]any
	for rows.Next() {
		row, err := scanRowMap(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}
	return results, nil
}

// DeleteRow removes a row by primary key. Deleting a missing row is not an
// error; the remote service behaves the same way.
func (s *Store) DeleteRow(ctx context.Context, table, pk string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	pkCol := model.PrimaryKeyColumn(table)
	query := fmt.Sprintf(`DELETE FROM "%s" WHERE "%s" = ?`, table, pkCol)
	if _, err := s.DB.ExecContext(ctx, query, pk); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}

// ReplaceTable swaps the full contents of a mirrored table for the given rows
// in one transaction. Used by the bulk pull after the pending queue has been
// flushed, so local edits are not clobbered by a stale snapshot.
func (s *Store) ReplaceTable(ctx context.Context, table string, rows []map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, table)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}

	pkCol := model.PrimaryKeyColumn(table)
	for _, row := range rows {
		pk, _ := row[pkCol].(string)
		if pk == "" {
			return fmt.Errorf("row in %s missing primary key %q", table, pkCol)
		}
		if err := upsertRow(ctx, tx, table, pk, row); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replace of %s: %w", table, err)
	}
	return nil
}

// CountRows returns the number of rows in a mirrored table.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, table)
	if err := s.DB.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return count, nil
}

func scanRowMap(rows *sql.Rows) (map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}

	row := make(map[string]any, len(columns))
	for i, col := range columns {
		val := values[i]
		if b, ok := val.([]byte); ok {
			val = string(b)
		}
		row[strings.ToLower(col)] = val
	}
	return row, nil
}
