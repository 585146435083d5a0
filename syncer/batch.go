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

	"github.com/google/uuid"

	"github.com/gonzagiaco/fin-inventory-hub-sub000/localstore"
	"github.com/gonzagiaco/fin-inventory-hub-sub000/model"
	"github.com/gonzagiaco/fin-inventory-hub-sub000/remote"
)

// Batcher turns a set of per-product quantity deltas into either one remote
// batch call or a sequence of local updates plus queued operations. This is
// the one place where the online path deliberately falls back to the offline
// algorithm: a failed bulk RPC is re-executed locally as if the app had been
// offline all along, so the user never loses the adjustment.
type Batcher struct {
	store      *localstore.Store
	svc        remote.Service
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewBatcher wires a stock adjustment batcher.
func NewBatcher(store *localstore.Store, svc remote.Service, rc *Reconciler, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{store: store, svc: svc, reconciler: rc, logger: logger}
}

// Apply executes a batch of adjustments. Each adjustment gets an op_id if it
// does not already carry one, and a retried batch reuses the same ids so the
// server can detect the replay.
func (b *Batcher) Apply(ctx context.Context, online bool, adjustments []model.StockAdjustment) error {
	if len(adjustments) == 0 {
		return nil
	}
	for i := range adjustments {
		if adjustments[i].OpID == "" {
			adjustments[i].OpID = uuid.New().String()
		}
	}

	if online {
		result, err := b.svc.BulkAdjustStock(ctx, adjustments)
		if err == nil {
			return b.mirrorResults(ctx, result)
		}
		// RPC failed: fall through to the offline algorithm with the same
		// op ids, exactly as if the adjustment had been made offline.
		b.logger.Warn("bulk stock adjustment failed; applying offline fallback", "error", err)
	}

	return b.applyOffline(ctx, adjustments)
}

// mirrorResults writes the authoritative old/new quantities returned by the
// RPC into both local tables.
func (b *Batcher) mirrorResults(ctx context.Context, result *remote.BulkAdjustResult) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, res := range result.Results {
		fields := map[string]any{"quantity": res.NewQty, "updated_at": now}
		if err := b.reconciler.upsertLocalFields(ctx, model.TableDynamicProducts, res.ProductID, fields); err != nil {
			return err
		}
		if err := b.reconciler.upsertLocalFields(ctx, model.TableDynamicProductsIndex, res.ProductID, fields); err != nil {
			return err
		}
	}
	return nil
}

// applyOffline applies each adjustment against the local mirror, clamping at
// zero, and queues one operation per product carrying the final quantity
// (not the delta) plus the op id.
func (b *Batcher) applyOffline(ctx context.Context, adjustments []model.StockAdjustment) error {
	for _, adj := range adjustments {
		oldQty, err := b.reconciler.LocalQuantity(ctx, adj.ProductID)
		if err != nil && !errors.Is(err, localstore.ErrNotFound) {
			return err
		}
		newQty := oldQty + adj.Delta
		if newQty < 0 {
			newQty = 0
		}

		if err := b.reconciler.ApplyFields(ctx, false, adj.ProductID, map[string]any{"quantity": newQty}); err != nil {
			return err
		}

		data, err := json.Marshal(map[string]any{"quantity": newQty})
		if err != nil {
			return fmt.Errorf("failed to encode adjustment payload: %w", err)
		}
		if _, err := b.store.Enqueue(ctx, model.PendingOperation{
			TableName:     model.TableDynamicProducts,
			OperationType: model.OpUpdate,
			RecordID:      adj.ProductID,
			Data:          data,
			OpID:          adj.OpID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// UpdateDeltas builds the adjustment set for editing a delivery note: revert
// every original item, then apply every new item. Never a per-item diff; the
// two passes keep the arithmetic symmetric with create and delete.
func UpdateDeltas(oldNote, newNote *model.DeliveryNote) []model.StockAdjustment {
	deltas := oldNote.RevertDeltas()
	return append(deltas, newNote.StockDeltas()...)
}
