// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gonzagiaco/fin-inventory-hub-sub000/model"
)

// PostgresService implements the remote contract straight against a Postgres
// database over pgx. It exists for self-hosted deployments and for
// integration tests that need real RPC semantics without the hosted backend.
// The RPC bodies here mirror the hosted stored procedures, including the
// op-id idempotency ledger for bulk stock adjustments.
type PostgresService struct {
	pool          *pgxpool.Pool
	logger        *slog.Logger
	signingSecret []byte
}

// NewPostgresService builds a Postgres-backed Service and ensures its helper
// schema (the op ledger) exists.
func NewPostgresService(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PostgresService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PostgresService{pool: pool, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

var _ Service = (*PostgresService)(nil)

func (s *PostgresService) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sync_op_ledger (
			op_id      TEXT PRIMARY KEY,
			result     JSONB NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create op ledger: %w", err)
	}
	return nil
}

// SelectRows fetches rows filtered by equality on the given columns.
func (s *PostgresService) SelectRows(ctx context.Context, table string, filter map[string]string) ([]map[string]any, error) {
	query := fmt.Sprintf(`SELECT * FROM %s`, pgx.Identifier{table}.Sanitize())
	args := []any{}
	if len(filter) > 0 {
		cols := make([]string, 0, len(filter))
		for col := range filter {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		conds := make([]string, 0, len(cols))
		for i, col := range cols {
			conds = append(conds, fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), i+1))
			args = append(args, filter[col])
		}
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s", pgx.Identifier{model.PrimaryKeyColumn(table)}.Sanitize())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select from %s: %w", table, err)
	}
	defer rows.Close()

	var results []map[string]any
	for rows.Next() {
		row, err := pgxRowToMap(rows)
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

// InsertRow upserts one row by primary key and returns the stored row.
func (s *PostgresService) InsertRow(ctx context.Context, table string, payload map[string]any) (map[string]any, error) {
	pkCol := model.PrimaryKeyColumn(table)

	cols := make([]string, 0, len(payload))
	for col := range payload {
		cols = append(cols, strings.ToLower(col))
	}
	sort.Strings(cols)

	colIdents := make([]string, 0, len(cols))
	placeholders := make([]string, 0, len(cols))
	updates := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for i, col := range cols {
		ident := pgx.Identifier{col}.Sanitize()
		colIdents = append(colIdents, ident)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		if col != pkCol {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", ident, ident))
		}
		args = append(args, payload[col])
	}

	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s RETURNING *`,
		pgx.Identifier{table}.Sanitize(),
		strings.Join(colIdents, ", "),
		strings.Join(placeholders, ", "),
		pgx.Identifier{pkCol}.Sanitize(),
		conflict,
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("%s insert returned no row", table)
	}
	return pgxRowToMap(rows)
}

// UpdateRow patches a row by primary key and returns the stored row.
func (s *PostgresService) UpdateRow(ctx context.Context, table, recordID string, payload map[string]any) (map[string]any, error) {
	pkCol := model.PrimaryKeyColumn(table)

	cols := make([]string, 0, len(payload))
	for col := range payload {
		col = strings.ToLower(col)
		if col != pkCol {
			cols = append(cols, col)
		}
	}
	sort.Strings(cols)
	if len(cols) == 0 {
		return s.getRow(ctx, table, recordID)
	}

	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), i+1))
		args = append(args, payload[col])
	}
	args = append(args, recordID)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s = $%d RETURNING *`,
		pgx.Identifier{table}.Sanitize(),
		strings.Join(sets, ", "),
		pgx.Identifier{pkCol}.Sanitize(),
		len(args),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("%s row %s not found", table, recordID)
	}
	return pgxRowToMap(rows)
}

// DeleteRow removes a row by primary key.
func (s *PostgresService) DeleteRow(ctx context.Context, table, recordID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`,
		pgx.Identifier{table}.Sanitize(),
		pgx.Identifier{model.PrimaryKeyColumn(table)}.Sanitize(),
	)
	if _, err := s.pool.Exec(ctx, query, recordID); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}

func (s *PostgresService) getRow(ctx context.Context, table, recordID string) (map[string]any, error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s = $1`,
		pgx.Identifier{table}.Sanitize(),
		pgx.Identifier{model.PrimaryKeyColumn(table)}.Sanitize(),
	)
	rows, err := s.pool.Query(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("%s row %s not found", table, recordID)
	}
	return pgxRowToMap(rows)
}

// BulkAdjustStock applies quantity deltas to dynamic_products and its index
// in one transaction, clamped at zero. A batch whose op ids were already
// applied returns the recorded result instead of being re-applied.
func (s *PostgresService) BulkAdjustStock(ctx context.Context, adjustments []model.StockAdjustment) (*BulkAdjustResult, error) {
	if len(adjustments) == 0 {
		return &BulkAdjustResult{Success: true}, nil
	}

	result := &BulkAdjustResult{Success: true}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, adj := range adjustments {
			if adj.OpID != "" {
				var prior []byte
				err := tx.QueryRow(ctx,
					`SELECT result FROM sync_op_ledger WHERE op_id = $1`, adj.OpID,
				).Scan(&prior)
				if err == nil {
					var prev AdjustResult
					if err := json.Unmarshal(prior, &prev); err != nil {
						return fmt.Errorf("failed to decode op ledger entry: %w", err)
					}
					result.Results = append(result.Results, prev)
					result.Processed++
					continue
				}
				if !errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("failed to read op ledger: %w", err)
				}
			}

			var oldQty int64
			err := tx.QueryRow(ctx,
				`SELECT quantity FROM dynamic_products WHERE id = $1 FOR UPDATE`,
				adj.ProductID,
			).Scan(&oldQty)
			if errors.Is(err, pgx.ErrNoRows) {
				continue // product vanished; nothing to adjust
			}
			if err != nil {
				return fmt.Errorf("failed to lock product %s: %w", adj.ProductID, err)
			}

			newQty := oldQty + adj.Delta
			if newQty < 0 {
				newQty = 0
			}
			if _, err := tx.Exec(ctx, `
				UPDATE dynamic_products SET quantity = $2, updated_at = now() WHERE id = $1
			`, adj.ProductID, newQty); err != nil {
				return fmt.Errorf("failed to adjust product %s: %w", adj.ProductID, err)
			}

			if _, err := tx.Exec(ctx, `
				UPDATE dynamic_products_index
				SET quantity = $2, updated_at = now()
				WHERE product_id = $1
			`, adj.ProductID, newQty); err != nil {
				return fmt.Errorf("failed to adjust index for %s: %w", adj.ProductID, err)
			}

			res := AdjustResult{
				ProductID: adj.ProductID,
				OldQty:    oldQty,
				NewQty:    newQty,
				Delta:     adj.Delta,
				OpID:      adj.OpID,
			}
			if adj.OpID != "" {
				encoded, err := json.Marshal(res)
				if err != nil {
					return fmt.Errorf("failed to encode op ledger entry: %w", err)
				}
				if _, err := tx.Exec(ctx, `
					INSERT INTO sync_op_ledger (op_id, result) VALUES ($1, $2)
					ON CONFLICT (op_id) DO NOTHING
				`, adj.OpID, encoded); err != nil {
					return fmt.Errorf("failed to record op ledger entry: %w", err)
				}
			}
			result.Results = append(result.Results, res)
			result.Processed++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RefreshListIndex recomputes every index row of a list from its products and
// the list's mapping configuration.
func (s *PostgresService) RefreshListIndex(ctx context.Context, listID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var mappingJSON []byte
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(mapping, '{}') FROM product_lists WHERE id = $1`, listID,
		).Scan(&mappingJSON)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("product list %s not found", listID)
		}
		if err != nil {
			return fmt.Errorf("failed to load list mapping: %w", err)
		}

		mapping := model.DefaultListMapping()
		if len(mappingJSON) > 0 && string(mappingJSON) != "{}" {
			if err := json.Unmarshal(mappingJSON, &mapping); err != nil {
				return fmt.Errorf("failed to decode list mapping: %w", err)
			}
		}

		rows, err := tx.Query(ctx, `
			SELECT id, COALESCE(code, ''), COALESCE(name, ''), COALESCE(price, 0)::text, quantity
			FROM dynamic_products WHERE list_id = $1
		`, listID)
		if err != nil {
			return fmt.Errorf("failed to load products for list %s: %w", listID, err)
		}

		type productRow struct {
			id, code, name string
			price          decimal.Decimal
			quantity       int64
		}
		var products []productRow
		for rows.Next() {
			var p productRow
			var price string
			if err := rows.Scan(&p.id, &p.code, &p.name, &price, &p.quantity); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan product: %w", err)
			}
			if p.price, err = decimal.NewFromString(price); err != nil {
				rows.Close()
				return fmt.Errorf("failed to parse price for product %s: %w", p.id, err)
			}
			products = append(products, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating products: %w", err)
		}

		for _, p := range products {
			computed := mapping.ComputePrice(p.price)
			calc, err := json.Marshal(map[string]any{
				"base_price":     p.price.String(),
				"computed_price": computed.String(),
			})
			if err != nil {
				return fmt.Errorf("failed to encode calculated data: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO dynamic_products_index
					(product_id, list_id, code, name, price, quantity, calculated_data, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, now())
				ON CONFLICT (product_id) DO UPDATE SET
					list_id = EXCLUDED.list_id,
					code = EXCLUDED.code,
					name = EXCLUDED.name,
					price = EXCLUDED.price,
					quantity = EXCLUDED.quantity,
					calculated_data = EXCLUDED.calculated_data,
					updated_at = now()
			`, p.id, listID, p.code, p.name, computed.String(), p.quantity, calc); err != nil {
				return fmt.Errorf("failed to refresh index row for %s: %w", p.id, err)
			}
		}
		return nil
	})
}

// UpsertProductsBatch dual-writes product rows and their index rows in one
// transaction during a list import/update. Index rows land with raw import
// values; RefreshListIndex derives the computed prices afterwards.
func (s *PostgresService) UpsertProductsBatch(ctx context.Context, listID, userID string, products []map[string]any) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, p := range products {
			id, _ := p["id"].(string)
			if id == "" {
				return fmt.Errorf("product in batch missing id")
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO dynamic_products (id, list_id, code, name, price, quantity, updated_at)
				VALUES ($1, $2, $3, $4, $5, COALESCE($6, 0), now())
				ON CONFLICT (id) DO UPDATE SET
					list_id = EXCLUDED.list_id,
					code = EXCLUDED.code,
					name = EXCLUDED.name,
					price = EXCLUDED.price,
					quantity = EXCLUDED.quantity,
					updated_at = now()
			`, id, listID, p["code"], p["name"], p["price"], p["quantity"]); err != nil {
				return fmt.Errorf("failed to upsert product %s: %w", id, err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO dynamic_products_index (product_id, list_id, code, name, price, quantity, updated_at)
				VALUES ($1, $2, $3, $4, $5, COALESCE($6, 0), now())
				ON CONFLICT (product_id) DO UPDATE SET
					list_id = EXCLUDED.list_id,
					code = EXCLUDED.code,
					name = EXCLUDED.name,
					price = EXCLUDED.price,
					quantity = EXCLUDED.quantity,
					updated_at = now()
			`, id, listID, p["code"], p["name"], p["price"], p["quantity"]); err != nil {
				return fmt.Errorf("failed to upsert index row %s: %w", id, err)
			}
		}
		return nil
	})
}

// Auth: the direct-Postgres deployment has no GoTrue. Sessions are minted
// locally from a shared signing secret so the rest of the app keeps working.

// SetSigningSecret configures the secret used to issue local sessions.
func (s *PostgresService) SetSigningSecret(secret []byte) { s.signingSecret = secret }

func (s *PostgresService) issueSession(email string) (*Session, error) {
	if len(s.signingSecret) == 0 {
		return nil, fmt.Errorf("no signing secret configured for direct-postgres auth")
	}
	userID := email // deterministic identity for self-hosted single-tenant use
	expires := time.Now().Add(24 * time.Hour)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session token: %w", err)
	}
	return &Session{
		UserID:       userID,
		Email:        email,
		AccessToken:  signed,
		RefreshToken: signed,
		ExpiresAt:    expires,
	}, nil
}

func (s *PostgresService) SignUp(ctx context.Context, email, password string) (*Session, error) {
	return s.issueSession(email)
}

func (s *PostgresService) SignIn(ctx context.Context, email, password string) (*Session, error) {
	return s.issueSession(email)
}

// SignInWithOAuth has no backing provider in a direct-Postgres deployment.
func (s *PostgresService) SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error) {
	return "", fmt.Errorf("oauth sign-in requires the hosted auth service")
}

// SetSession adopts an externally issued token pair, re-minting the session
// locally when the access token has expired.
func (s *PostgresService) SetSession(ctx context.Context, accessToken, refreshToken string) (*Session, error) {
	claims, err := ParseSessionClaims(accessToken)
	if err != nil {
		return nil, err
	}
	if !claims.ExpiresAt.IsZero() && time.Now().After(claims.ExpiresAt) {
		return s.issueSession(claims.UserID)
	}
	return &Session{
		UserID:       claims.UserID,
		Email:        claims.Email,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    claims.ExpiresAt,
	}, nil
}

func (s *PostgresService) SignOut(ctx context.Context, accessToken string) error { return nil }

func (s *PostgresService) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	claims, err := ParseSessionClaims(refreshToken)
	if err != nil {
		return nil, err
	}
	return s.issueSession(claims.UserID)
}

func pgxRowToMap(rows pgx.Rows) (map[string]any, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("failed to read row values: %w", err)
	}
	fields := rows.FieldDescriptions()
	row := make(map[string]any, len(fields))
	for i, fd := range fields {
		val := values[i]
		switch v := val.(type) {
		case [16]byte: // uuid
			row[fd.Name] = fmt.Sprintf("%x-%x-%x-%x-%x", v[0:4], v[4:6], v[6:8], v[8:10], v[10:16])
		case time.Time:
			row[fd.Name] = v.Format(time.RFC3339Nano)
		default:
			row[fd.Name] = val
		}
	}
	return row, nil
}
