// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gonzagiaco/fin-inventory-hub-sub000/localstore"
	"github.com/gonzagiaco/fin-inventory-hub-sub000/model"
	"github.com/gonzagiaco/fin-inventory-hub-sub000/remote"
)

// Router decides, per mutation, whether to apply it directly to the remote
// service or to the local mirror plus the pending queue. Connectivity is read
// once at dispatch and never re-checked mid-operation.
//
// Remote-path errors surface to the caller and are not queued; the bulk stock
// adjustment inside the delivery-note operations is the single exception (the
// batcher falls back to the offline algorithm on RPC failure).
type Router struct {
	store      *localstore.Store
	svc        remote.Service
	monitor    *Monitor
	reconciler *Reconciler
	batcher    *Batcher
	logger     *slog.Logger

	// Invalidate, when set, is called with each table a mutation touched so
	// in-memory query caches can refetch. Nil is fine.
	Invalidate func(table string)
}

// NewRouter wires the mutation router and its collaborators.
func NewRouter(store *localstore.Store, svc remote.Service, monitor *Monitor, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	rc := NewReconciler(store, svc, logger)
	return &Router{
		store:      store,
		svc:        svc,
		monitor:    monitor,
		reconciler: rc,
		batcher:    NewBatcher(store, svc, rc, logger),
		logger:     logger,
	}
}

// Reconciler exposes the shared index reconciler.
func (r *Router) Reconciler() *Reconciler { return r.reconciler }

// Batcher exposes the shared stock adjustment batcher.
func (r *Router) Batcher() *Batcher { return r.batcher }

func (r *Router) invalidate(tables ...string) {
	if r.Invalidate == nil {
		return
	}
	for _, t := range tables {
		r.Invalidate(t)
	}
}

// mutate routes one single-row mutation. Online: remote call first, then the
// returned row is mirrored locally so the mirror never drifts behind a
// successful remote write. Offline: local write first, then exactly one
// queued operation describing the same change.
func (r *Router) mutate(ctx context.Context, online bool, table, opType, recordID string, payload map[string]any) error {
	defer r.invalidate(table)

	if online {
		switch opType {
		case model.OpInsert:
			row, err := r.svc.InsertRow(ctx, table, payload)
			if err != nil {
				return fmt.Errorf("failed to create %s record: %w", table, err)
			}
			return r.store.UpsertRow(ctx, table, recordID, row)
		case model.OpUpdate:
			row, err := r.svc.UpdateRow(ctx, table, recordID, payload)
			if err != nil {
				return fmt.Errorf("failed to update %s record: %w", table, err)
			}
			return r.store.UpsertRow(ctx, table, recordID, row)
		case model.OpDelete:
			if err := r.svc.DeleteRow(ctx, table, recordID); err != nil {
				return fmt.Errorf("failed to delete %s record: %w", table, err)
			}
			return r.store.DeleteRow(ctx, table, recordID)
		default:
			return fmt.Errorf("unknown operation type %q", opType)
		}
	}

	switch opType {
	case model.OpInsert, model.OpUpdate:
		merged := payload
		if opType == model.OpUpdate {
			// Merge over the existing row so the queued payload stays a
			// partial update while the mirror keeps its other columns.
			existing, err := r.store.GetRow(ctx, table, recordID)
			if err == nil {
				merged = make(map[string]any, len(existing)+len(payload))
				for k, v := range existing {
					merged[k] = v
				}
				for k, v := range payload {
					merged[k] = v
				}
			}
		}
		if err := r.store.UpsertRow(ctx, table, recordID, merged); err != nil {
			return err
		}
	case model.OpDelete:
		if err := r.store.DeleteRow(ctx, table, recordID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown operation type %q", opType)
	}

	var data []byte
	if opType != model.OpDelete {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode queued payload: %w", err)
		}
		data = encoded
	}
	_, err := r.store.Enqueue(ctx, model.PendingOperation{
		TableName:     table,
		OperationType: opType,
		RecordID:      recordID,
		Data:          data,
		OpID:          uuid.New().String(),
	})
	return err
}

func ensureID(payload map[string]any) string {
	if id, _ := payload["id"].(string); id != "" {
		return id
	}
	id := uuid.New().String()
	payload["id"] = id
	return id
}

func stamp(payload map[string]any) map[string]any {
	payload["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	return payload
}

// --- Stock items ---

// CreateStockItem creates a stock item and returns its id.
func (r *Router) CreateStockItem(ctx context.Context, payload map[string]any) (string, error) {
	online := r.monitor.Online()
	id := ensureID(payload)
	return id, r.mutate(ctx, online, model.TableStockItems, model.OpInsert, id, stamp(payload))
}

// UpdateStockItem applies a partial update to a stock item.
func (r *Router) UpdateStockItem(ctx context.Context, id string, payload map[string]any) error {
	online := r.monitor.Online()
	return r.mutate(ctx, online, model.TableStockItems, model.OpUpdate, id, stamp(payload))
}

// DeleteStockItem removes a stock item.
func (r *Router) DeleteStockItem(ctx context.Context, id string) error {
	online := r.monitor.Online()
	return r.mutate(ctx, online, model.TableStockItems, model.OpDelete, id, nil)
}

// --- Generic records (clients, invoices, payments) ---

// CreateRecord creates a row in one of the plain mirrored tables.
func (r *Router) CreateRecord(ctx context.Context, table string, payload map[string]any) (string, error) {
	online := r.monitor.Online()
	id := ensureID(payload)
	return id, r.mutate(ctx, online, table, model.OpInsert, id, payload)
}

// UpdateRecord applies a partial update to a row.
func (r *Router) UpdateRecord(ctx context.Context, table, id string, payload map[string]any) error {
	online := r.monitor.Online()
	return r.mutate(ctx, online, table, model.OpUpdate, id, payload)
}

// DeleteRecord removes a row.
func (r *Router) DeleteRecord(ctx context.Context, table, id string) error {
	online := r.monitor.Online()
	return r.mutate(ctx, online, table, model.OpDelete, id, nil)
}

// --- Product quantity / threshold / my-stock membership ---

// SetProductQuantity dual-writes a product's quantity into the source table
// and its index row, queuing a replay when offline.
func (r *Router) SetProductQuantity(ctx context.Context, productID string, quantity int64) error {
	online := r.monitor.Online()
	defer r.invalidate(model.TableDynamicProducts, model.TableDynamicProductsIndex)

	if quantity < 0 {
		quantity = 0
	}
	if err := r.reconciler.SetQuantity(ctx, online, productID, quantity); err != nil {
		return err
	}
	if online {
		return nil
	}

	data, err := json.Marshal(map[string]any{"quantity": quantity})
	if err != nil {
		return fmt.Errorf("failed to encode quantity payload: %w", err)
	}
	_, err = r.store.Enqueue(ctx, model.PendingOperation{
		TableName:     model.TableDynamicProducts,
		OperationType: model.OpUpdate,
		RecordID:      productID,
		Data:          data,
		OpID:          uuid.New().String(),
	})
	return err
}

// SetStockThreshold sets the low-stock alert threshold on the index row.
func (r *Router) SetStockThreshold(ctx context.Context, productID string, threshold int64) error {
	online := r.monitor.Online()
	return r.mutate(ctx, online, model.TableDynamicProductsIndex, model.OpUpdate, productID,
		map[string]any{"stock_threshold": threshold})
}

// AddToMyStock adds a product to the user's own stock: a membership row plus
// the denormalized in_my_stock flag on the index.
func (r *Router) AddToMyStock(ctx context.Context, productID, userID string) error {
	online := r.monitor.Online()
	membership := map[string]any{
		"product_id": productID,
		"user_id":    userID,
		"added_at":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := r.mutate(ctx, online, model.TableMyStockProducts, model.OpInsert, productID, membership); err != nil {
		return err
	}
	return r.mutate(ctx, online, model.TableDynamicProductsIndex, model.OpUpdate, productID,
		map[string]any{"in_my_stock": true})
}

// RemoveFromMyStock removes the membership row and clears the index flag.
func (r *Router) RemoveFromMyStock(ctx context.Context, productID string) error {
	online := r.monitor.Online()
	if err := r.mutate(ctx, online, model.TableMyStockProducts, model.OpDelete, productID, nil); err != nil {
		return err
	}
	return r.mutate(ctx, online, model.TableDynamicProductsIndex, model.OpUpdate, productID,
		map[string]any{"in_my_stock": false})
}

// --- Product lists ---

// CreateProductList creates a list with its products. Online the products go
// through the batch upsert RPC followed by the index refresh RPC; offline
// each product is written and queued individually with a locally computed
// index row.
func (r *Router) CreateProductList(ctx context.Context, list map[string]any, userID string, products []map[string]any) (string, error) {
	online := r.monitor.Online()
	listID := ensureID(list)
	defer r.invalidate(model.TableProductLists, model.TableDynamicProducts, model.TableDynamicProductsIndex)

	if err := r.mutate(ctx, online, model.TableProductLists, model.OpInsert, listID, stamp(list)); err != nil {
		return "", err
	}
	return listID, r.writeListProducts(ctx, online, listID, userID, products)
}

// UpdateProductList updates list metadata and bulk-replaces its products.
func (r *Router) UpdateProductList(ctx context.Context, listID, userID string, list map[string]any, products []map[string]any) error {
	online := r.monitor.Online()
	defer r.invalidate(model.TableProductLists, model.TableDynamicProducts, model.TableDynamicProductsIndex)

	if err := r.mutate(ctx, online, model.TableProductLists, model.OpUpdate, listID, stamp(list)); err != nil {
		return err
	}
	return r.writeListProducts(ctx, online, listID, userID, products)
}

func (r *Router) writeListProducts(ctx context.Context, online bool, listID, userID string, products []map[string]any) error {
	if len(products) == 0 {
		return nil
	}
	for _, p := range products {
		ensureID(p)
		p["list_id"] = listID
	}

	if online {
		if err := r.svc.UpsertProductsBatch(ctx, listID, userID, products); err != nil {
			return fmt.Errorf("failed to upsert products for list %s: %w", listID, err)
		}
		// The batch lands raw import values in both tables. The refresh RPC
		// derives the computed prices and mirrors the fresh index rows.
		if err := r.reconciler.RefreshList(ctx, listID); err != nil {
			return err
		}
		rows, err := r.svc.SelectRows(ctx, model.TableDynamicProducts, map[string]string{"list_id": listID})
		if err != nil {
			return fmt.Errorf("failed to pull %s for list %s: %w", model.TableDynamicProducts, listID, err)
		}
		for _, row := range rows {
			pk, _ := row["id"].(string)
			if pk == "" {
				continue
			}
			if err := r.store.UpsertRow(ctx, model.TableDynamicProducts, pk, row); err != nil {
				return err
			}
		}
		return nil
	}

	for _, p := range products {
		id := p["id"].(string)
		if err := r.store.UpsertRow(ctx, model.TableDynamicProducts, id, p); err != nil {
			return err
		}
		// Computed prices derived locally; the post-reconnect refresh RPC
		// re-derives them server-side.
		if err := r.reconciler.ComputeIndexRow(ctx, id); err != nil {
			return err
		}
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode queued product: %w", err)
		}
		if _, err := r.store.Enqueue(ctx, model.PendingOperation{
			TableName:     model.TableDynamicProducts,
			OperationType: model.OpInsert,
			RecordID:      id,
			Data:          data,
			OpID:          uuid.New().String(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// DeleteProductList removes a list with its products and index rows. The
// remote service cascades from the list row; locally the cascade is explicit.
func (r *Router) DeleteProductList(ctx context.Context, listID string) error {
	online := r.monitor.Online()
	defer r.invalidate(model.TableProductLists, model.TableDynamicProducts, model.TableDynamicProductsIndex)

	for _, table := range []string{model.TableDynamicProducts, model.TableDynamicProductsIndex} {
		rows, err := r.store.ListRowsBy(ctx, table, "list_id", listID)
		if err != nil {
			return err
		}
		pkCol := model.PrimaryKeyColumn(table)
		for _, row := range rows {
			pk, _ := row[pkCol].(string)
			if err := r.store.DeleteRow(ctx, table, pk); err != nil {
				return err
			}
		}
	}

	return r.mutate(ctx, online, model.TableProductLists, model.OpDelete, listID, nil)
}

// --- Delivery notes ---

func notePayload(n *model.DeliveryNote) map[string]any {
	return map[string]any{
		"id":             n.ID,
		"user_id":        n.UserID,
		"customer_name":  n.CustomerName,
		"customer_phone": n.CustomerPhone,
		"total_amount":   n.TotalAmount.String(),
		"paid_amount":    n.PaidAmount.String(),
		"status":         n.Status,
		"updated_at":     time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func itemPayload(it *model.DeliveryNoteItem) map[string]any {
	return map[string]any{
		"id":         it.ID,
		"note_id":    it.NoteID,
		"product_id": it.ProductID,
		"list_id":    it.ListID,
		"quantity":   it.Quantity,
		"unit_price": it.UnitPrice.String(),
	}
}

// CreateDeliveryNote writes the note and its items, then applies the stock
// deltas (one batched RPC online, local clamped updates plus queued
// operations offline).
func (r *Router) CreateDeliveryNote(ctx context.Context, note *model.DeliveryNote) error {
	online := r.monitor.Online()
	defer r.invalidate(model.TableDeliveryNotes, model.TableDeliveryNoteItems,
		model.TableDynamicProducts, model.TableDynamicProductsIndex)

	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	note.Normalize()

	if err := r.mutate(ctx, online, model.TableDeliveryNotes, model.OpInsert, note.ID, notePayload(note)); err != nil {
		return err
	}
	for i := range note.Items {
		it := &note.Items[i]
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		it.NoteID = note.ID
		if err := r.mutate(ctx, online, model.TableDeliveryNoteItems, model.OpInsert, it.ID, itemPayload(it)); err != nil {
			return err
		}
	}

	return r.batcher.Apply(ctx, online, note.StockDeltas())
}

// UpdateDeliveryNote replaces a note's items and re-applies stock: every
// original item is reverted, then every new item applied.
func (r *Router) UpdateDeliveryNote(ctx context.Context, oldNote, newNote *model.DeliveryNote) error {
	online := r.monitor.Online()
	defer r.invalidate(model.TableDeliveryNotes, model.TableDeliveryNoteItems,
		model.TableDynamicProducts, model.TableDynamicProductsIndex)

	newNote.ID = oldNote.ID
	newNote.Normalize()

	if err := r.mutate(ctx, online, model.TableDeliveryNotes, model.OpUpdate, newNote.ID, notePayload(newNote)); err != nil {
		return err
	}
	for i := range oldNote.Items {
		if err := r.mutate(ctx, online, model.TableDeliveryNoteItems, model.OpDelete, oldNote.Items[i].ID, nil); err != nil {
			return err
		}
	}
	for i := range newNote.Items {
		it := &newNote.Items[i]
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		it.NoteID = newNote.ID
		if err := r.mutate(ctx, online, model.TableDeliveryNoteItems, model.OpInsert, it.ID, itemPayload(it)); err != nil {
			return err
		}
	}

	return r.batcher.Apply(ctx, online, UpdateDeltas(oldNote, newNote))
}

// DeleteDeliveryNote removes the note and its items and gives the stock back.
func (r *Router) DeleteDeliveryNote(ctx context.Context, note *model.DeliveryNote) error {
	online := r.monitor.Online()
	defer r.invalidate(model.TableDeliveryNotes, model.TableDeliveryNoteItems,
		model.TableDynamicProducts, model.TableDynamicProductsIndex)

	for i := range note.Items {
		if err := r.mutate(ctx, online, model.TableDeliveryNoteItems, model.OpDelete, note.Items[i].ID, nil); err != nil {
			return err
		}
	}
	if err := r.mutate(ctx, online, model.TableDeliveryNotes, model.OpDelete, note.ID, nil); err != nil {
		return err
	}

	return r.batcher.Apply(ctx, online, note.RevertDeltas())
}

// RegisterPayment records a payment against a delivery note and re-derives
// its status: paid iff paid_amount >= total_amount.
func (r *Router) RegisterPayment(ctx context.Context, note *model.DeliveryNote, amount string) error {
	online := r.monitor.Online()

	paid, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("invalid payment amount %q: %w", amount, err)
	}
	note.PaidAmount = note.PaidAmount.Add(paid)
	note.Normalize()

	return r.mutate(ctx, online, model.TableDeliveryNotes, model.OpUpdate, note.ID, map[string]any{
		"paid_amount": note.PaidAmount.String(),
		"status":      note.Status,
		"updated_at":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}
