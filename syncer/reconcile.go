// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gonzagiaco/fin-inventory-hub-sub000/localstore"
	"github.com/gonzagiaco/fin-inventory-hub-sub000/model"
	"github.com/gonzagiaco/fin-inventory-hub-sub000/remote"
)

// Reconciler keeps the dynamic_products_index row of a product consistent
// with its dynamic_products row, in both the remote service and the local
// mirror. Every code path that touches quantity or price goes through here
// rather than duplicating the dual-write inline.
//
// The two writes of a dual-write are sequential, not transactional. When the
// second one fails after the first succeeded, the divergence is bounded and
// self-heals on the next write or index refresh; it is logged, not surfaced.
type Reconciler struct {
	store  *localstore.Store
	svc    remote.Service
	logger *slog.Logger
}

// NewReconciler wires a reconciler over the local store and remote service.
func NewReconciler(store *localstore.Store, svc remote.Service, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, svc: svc, logger: logger}
}

// ApplyFields dual-writes the overlapping fields (quantity, price, name,
// code) of a product into both tables. Online it issues the two remote calls
// and mirrors both rows locally; offline it writes the two local rows only,
// and queueing the replay is the caller's job.
func (rc *Reconciler) ApplyFields(ctx context.Context, online bool, productID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	source := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		source[k] = v
	}
	source["updated_at"] = now

	if online {
		row, err := rc.svc.UpdateRow(ctx, model.TableDynamicProducts, productID, source)
		if err != nil {
			return fmt.Errorf("failed to update product %s: %w", productID, err)
		}
		if err := rc.store.UpsertRow(ctx, model.TableDynamicProducts, productID, row); err != nil {
			return err
		}
		idxRow, err := rc.svc.UpdateRow(ctx, model.TableDynamicProductsIndex, productID, source)
		if err != nil {
			// First write landed; the index catches up on the next pass.
			rc.logger.Warn("index dual-write failed after source write",
				"product_id", productID, "error", err)
			return nil
		}
		return rc.store.UpsertRow(ctx, model.TableDynamicProductsIndex, productID, idxRow)
	}

	if err := rc.upsertLocalFields(ctx, model.TableDynamicProducts, productID, source); err != nil {
		return err
	}
	return rc.upsertLocalFields(ctx, model.TableDynamicProductsIndex, productID, source)
}

// upsertLocalFields merges fields into an existing local row so a partial
// update does not blank the remaining columns.
func (rc *Reconciler) upsertLocalFields(ctx context.Context, table, pk string, fields map[string]any) error {
	row, err := rc.store.GetRow(ctx, table, pk)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return err
	}
	if row == nil {
		row = map[string]any{}
	}
	for k, v := range fields {
		row[k] = v
	}
	return rc.store.UpsertRow(ctx, table, pk, row)
}

// SetQuantity dual-writes a product's quantity, clamped at zero.
func (rc *Reconciler) SetQuantity(ctx context.Context, online bool, productID string, quantity int64) error {
	if quantity < 0 {
		quantity = 0
	}
	return rc.ApplyFields(ctx, online, productID, map[string]any{"quantity": quantity})
}

// LocalQuantity reads the product's quantity from the local index, falling
// back to the source table when the index row is missing.
func (rc *Reconciler) LocalQuantity(ctx context.Context, productID string) (int64, error) {
	for _, table := range []string{model.TableDynamicProductsIndex, model.TableDynamicProducts} {
		row, err := rc.store.GetRow(ctx, table, productID)
		if errors.Is(err, localstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return quantityOf(row), nil
	}
	return 0, localstore.ErrNotFound
}

// RefreshList asks the server to re-derive the index rows of a list from its
// mapping configuration, then mirrors the fresh rows locally. Called after
// any list-level bulk create/update.
func (rc *Reconciler) RefreshList(ctx context.Context, listID string) error {
	if err := rc.svc.RefreshListIndex(ctx, listID); err != nil {
		return fmt.Errorf("failed to refresh index for list %s: %w", listID, err)
	}
	rows, err := rc.svc.SelectRows(ctx, model.TableDynamicProductsIndex, map[string]string{"list_id": listID})
	if err != nil {
		return fmt.Errorf("failed to pull refreshed index for list %s: %w", listID, err)
	}
	for _, row := range rows {
		pk, _ := row["product_id"].(string)
		if pk == "" {
			continue
		}
		if err := rc.store.UpsertRow(ctx, model.TableDynamicProductsIndex, pk, row); err != nil {
			return err
		}
	}
	return nil
}

// ComputeIndexRow derives the local index row for a product from its source
// row plus the list's mapping configuration. Used offline so edits show
// computed prices before the server-side refresh runs.
func (rc *Reconciler) ComputeIndexRow(ctx context.Context, productID string) error {
	product, err := rc.store.GetRow(ctx, model.TableDynamicProducts, productID)
	if err != nil {
		return err
	}
	listID, _ := product["list_id"].(string)

	mapping := model.DefaultListMapping()
	if listID != "" {
		list, err := rc.store.GetRow(ctx, model.TableProductLists, listID)
		if err == nil {
			if raw, ok := list["mapping"].(string); ok && raw != "" {
				if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
					rc.logger.Warn("ignoring malformed list mapping", "list_id", listID, "error", err)
					mapping = model.DefaultListMapping()
				}
			}
		} else if !errors.Is(err, localstore.ErrNotFound) {
			return err
		}
	}

	base := decimalOf(product["price"])
	computed := mapping.ComputePrice(base)
	calc, err := json.Marshal(map[string]any{
		"base_price":     base.String(),
		"computed_price": computed.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode calculated data: %w", err)
	}

	return rc.upsertLocalFields(ctx, model.TableDynamicProductsIndex, productID, map[string]any{
		"product_id":      productID,
		"list_id":         listID,
		"code":            product["code"],
		"name":            product["name"],
		"price":           computed.String(),
		"quantity":        quantityOf(product),
		"calculated_data": string(calc),
		"updated_at":      time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func quantityOf(row map[string]any) int64 {
	switch v := row["quantity"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		var q int64
		_, _ = fmt.Sscanf(v, "%d", &q)
		return q
	default:
		return 0
	}
}

func decimalOf(v any) decimal.Decimal {
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val)
	case int64:
		return decimal.NewFromInt(val)
	case string:
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	}
	return decimal.Zero
}
