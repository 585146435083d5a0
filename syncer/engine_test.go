// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"
	"testing"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/require"

	"github.com/gonzagiaco/fin-inventory-hub-sub000/localstore"
	"github.com/gonzagiaco/fin-inventory-hub-sub000/model"
)

func TestFlushPendingDrainsInInsertionOrder(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	var wantOrder []string
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("s%d", i)
		_, err := h.router.CreateStockItem(ctx, map[string]any{"id": id, "name": "Item " + id})
		require.NoError(t, err)
		wantOrder = append(wantOrder, "INSERT stock_items "+id)
	}

	flushed, err := h.engine.FlushPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, flushed)
	require.Equal(t, wantOrder, h.fake.calls)
	require.EqualValues(t, 0, h.queueDepth(t))
}

func TestFlushPendingFailureIncrementsRetryAndMovesOn(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.router.CreateRecord(ctx, model.TableClients, map[string]any{"id": "c1", "name": "First"})
	require.NoError(t, err)
	_, err = h.router.CreateStockItem(ctx, map[string]any{"id": "s1", "name": "Broken"})
	require.NoError(t, err)
	_, err = h.router.CreateRecord(ctx, model.TableClients, map[string]any{"id": "c2", "name": "Second"})
	require.NoError(t, err)

	h.fake.failTables[model.TableStockItems] = true
	flushed, err := h.engine.FlushPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, flushed, "operations after the failed one still replay")

	ops, err := h.store.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, "s1", ops[0].RecordID)
	// Charged exactly once per flush, however many batch passes saw the
	// operation.
	require.Equal(t, 1, ops[0].RetryCount)

	// Next pass succeeds once the table comes back.
	h.fake.failTables[model.TableStockItems] = false
	flushed, err = h.engine.FlushPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, flushed)
	require.NotNil(t, h.fake.row(model.TableStockItems, "s1"))
}

func TestExhaustedOperationParksAsDeadLetter(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.store.Enqueue(ctx, model.PendingOperation{
		TableName:     model.TableStockItems,
		OperationType: model.OpDelete,
		RecordID:      "gone",
		MaxRetries:    2,
	})
	require.NoError(t, err)

	h.fake.failTables[model.TableStockItems] = true
	for i := 0; i < 2; i++ {
		flushed, err := h.engine.FlushPending(ctx)
		require.NoError(t, err)
		require.Zero(t, flushed)
	}

	// Exhausted: no longer replayed, visible as a dead letter.
	ops, err := h.store.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ops)

	status, err := h.engine.QueueStatus(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, status.QueueDepth)
	require.Equal(t, 1, status.DeadLetters)

	dead, err := h.store.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.NoError(t, h.store.DropDeadLetter(ctx, dead[0].ID))

	status, err = h.engine.QueueStatus(ctx)
	require.NoError(t, err)
	require.Zero(t, status.DeadLetters)
}

// Records created, edited and deleted offline converge to the same remote
// state once the queue drains.
func TestOfflineRoundTrip(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	h.fake.seed(model.TableStockItems, "old", map[string]any{"id": "old", "name": "Stale"})

	id, err := h.router.CreateStockItem(ctx, map[string]any{"name": "New", "quantity": int64(1)})
	require.NoError(t, err)
	require.NoError(t, h.router.UpdateStockItem(ctx, id, map[string]any{"quantity": int64(6)}))
	require.NoError(t, h.router.DeleteStockItem(ctx, "old"))

	require.NoError(t, h.engine.OnReconnect(ctx))

	remoteRow := h.fake.row(model.TableStockItems, id)
	require.NotNil(t, remoteRow)
	require.EqualValues(t, 6, toInt64(remoteRow["quantity"]))
	require.Nil(t, h.fake.row(model.TableStockItems, "old"))

	// Local mirror now reflects the pulled remote snapshot.
	localRow, err := h.store.GetRow(ctx, model.TableStockItems, id)
	require.NoError(t, err)
	require.EqualValues(t, 6, toInt64(localRow["quantity"]))
	require.EqualValues(t, 0, h.queueDepth(t))
}

// Flush runs before pull, so a stale remote snapshot cannot clobber an
// offline edit that has not been pushed yet.
func TestReconnectFlushesBeforePulling(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.seedProduct(t, "p1", "l1", 10, "2.00")

	require.NoError(t, h.router.SetProductQuantity(ctx, "p1", 4))
	require.EqualValues(t, 4, h.localQuantity(t, model.TableDynamicProducts, "p1"))

	require.NoError(t, h.engine.OnReconnect(ctx))

	require.EqualValues(t, 4, toInt64(h.fake.row(model.TableDynamicProducts, "p1")["quantity"]))
	require.EqualValues(t, 4, h.localQuantity(t, model.TableDynamicProducts, "p1"),
		"pull must not resurrect the stale remote quantity")
}

// After offline edits plus a delivery note, a reconnect drains the queue and
// leaves source and index rows in agreement locally and remotely.
func TestReconnectRestoresDualWriteConsistency(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.seedProduct(t, "p1", "l1", 10, "3.00")

	h.engine.Attach(h.monitor)

	require.NoError(t, h.router.SetProductQuantity(ctx, "p1", 8))
	note := &model.DeliveryNote{
		CustomerName: "ACME",
		Items: []model.DeliveryNoteItem{
			{ProductID: "p1", ListID: "l1", Quantity: 3, UnitPrice: mustDecimal(t, "3.00")},
		},
	}
	require.NoError(t, h.router.CreateDeliveryNote(ctx, note))
	require.EqualValues(t, 5, h.localQuantity(t, model.TableDynamicProducts, "p1"))

	// Reconnect: the subscription fires a full flush-then-pull pass.
	h.monitor.SetOnline(true)

	require.EqualValues(t, 0, h.queueDepth(t))
	require.EqualValues(t, 5, toInt64(h.fake.row(model.TableDynamicProducts, "p1")["quantity"]))
	require.EqualValues(t, 5, toInt64(h.fake.row(model.TableDynamicProductsIndex, "p1")["quantity"]))
	require.EqualValues(t, 5, h.localQuantity(t, model.TableDynamicProducts, "p1"))
	require.EqualValues(t, 5, h.localQuantity(t, model.TableDynamicProductsIndex, "p1"))

	remoteNote := h.fake.row(model.TableDeliveryNotes, note.ID)
	require.NotNil(t, remoteNote)
	require.Equal(t, model.StatusPending, remoteNote["status"])
}

// List products created offline replay with their raw import values; the
// flush must follow up with the index refresh RPC so computed prices land on
// the server and in the mirror.
func TestReconnectRefreshesListIndexAfterReplay(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	listID, err := h.router.CreateProductList(ctx,
		map[string]any{"name": "Supplier D", "mapping": `{"price_adjustment_pct":"10","currency_rate":"1","vat_pct":"0","decimal_places":2}`},
		"u1",
		[]map[string]any{{"id": "pd", "code": "D", "name": "Delta", "price": "100", "quantity": int64(3)}})
	require.NoError(t, err)

	require.NoError(t, h.engine.OnReconnect(ctx))

	require.Contains(t, h.fake.calls, "RPC refresh_list_index "+listID)
	requirePrice(t, h.fake.row(model.TableDynamicProductsIndex, "pd"), "110")

	idx, err := h.store.GetRow(ctx, model.TableDynamicProductsIndex, "pd")
	require.NoError(t, err)
	requirePrice(t, idx, "110")
	require.EqualValues(t, 0, h.queueDepth(t))
}

// A transient remote failure during the flush is retried under the backoff
// policy within the same reconnect pass, not deferred to the next
// connectivity event.
func TestReconnectRetriesFlushUntilQueueDrains(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.engine.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 5)
	}

	_, err := h.router.CreateStockItem(ctx, map[string]any{"id": "s1", "name": "Flaky"})
	require.NoError(t, err)
	h.fake.failTablesFor[model.TableStockItems] = 2

	require.NoError(t, h.engine.OnReconnect(ctx))

	require.NotNil(t, h.fake.row(model.TableStockItems, "s1"))
	require.EqualValues(t, 0, h.queueDepth(t))
}

// When retries run out with replayable operations still queued, the pass
// fails instead of pulling a snapshot over the undrained queue.
func TestReconnectSkipsPullWhileQueueUndrained(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.engine.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 2)
	}

	h.fake.seed(model.TableClients, "c1", map[string]any{"id": "c1", "name": "Remote"})
	_, err := h.router.CreateStockItem(ctx, map[string]any{"id": "s1", "name": "Stuck"})
	require.NoError(t, err)
	h.fake.failTables[model.TableStockItems] = true

	err = h.engine.OnReconnect(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "still queued")

	// One retry charge per flush attempt: the initial try plus two retries.
	ops, err := h.store.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, 3, ops[0].RetryCount)

	// No pull happened.
	_, err = h.store.GetRow(ctx, model.TableClients, "c1")
	require.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestSyncNowSurfacesIncompleteFlush(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.router.CreateStockItem(ctx, map[string]any{"id": "s1", "name": "Stuck"})
	require.NoError(t, err)

	h.fake.failTables[model.TableStockItems] = true
	err = h.engine.SyncNow(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "still queued")

	h.fake.failTables[model.TableStockItems] = false
	require.NoError(t, h.engine.SyncNow(ctx))
	require.NotNil(t, h.fake.row(model.TableStockItems, "s1"))
}

func TestPullAllReplacesMirroredTables(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	// A row that no longer exists remotely must disappear on pull.
	require.NoError(t, h.store.UpsertRow(ctx, model.TableClients, "ghost", map[string]any{"id": "ghost"}))
	h.fake.seed(model.TableClients, "c1", map[string]any{"id": "c1", "name": "Real"})

	require.NoError(t, h.engine.PullAll(ctx))

	rows, err := h.store.ListRows(ctx, model.TableClients)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "c1", rows[0]["id"])
}
