// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/gonzagiaco/fin-inventory-hub-sub000/localstore"
	"github.com/gonzagiaco/fin-inventory-hub-sub000/model"
	"github.com/gonzagiaco/fin-inventory-hub-sub000/remote"
)

const flushBatchSize = 200

// Engine drains the pending-operation queue against the remote service and
// refreshes the local mirror from it. The two phases are strictly sequential:
// flush first, then pull, so local edits are never clobbered by a stale
// snapshot. Neither phase is cancelled by a connectivity flip mid-flight; a
// later flip just schedules another pass.
type Engine struct {
	store      *localstore.Store
	svc        remote.Service
	reconciler *Reconciler
	logger     *slog.Logger

	// newBackOff builds the retry policy for one reconnect pass.
	newBackOff func() backoff.BackOff

	// Tables refreshed by PullAll. Defaults to every mirrored table.
	Tables []string
}

// NewEngine wires a sync engine.
func NewEngine(store *localstore.Store, svc remote.Service, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		svc:        svc,
		reconciler: NewReconciler(store, svc, logger),
		logger:     logger,
		newBackOff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = time.Second
			policy.MaxInterval = time.Minute
			policy.MaxElapsedTime = 5 * time.Minute
			return policy
		},
		Tables: model.MirroredTables,
	}
}

// Attach subscribes the engine to a connectivity monitor: every transition to
// online runs a background flush-then-pull pass.
func (e *Engine) Attach(m *Monitor) {
	m.Subscribe(func(online bool) {
		if !online {
			return
		}
		if err := e.OnReconnect(context.Background()); err != nil {
			e.logger.Warn("reconnect sync failed; will retry on next transition", "error", err)
		}
	})
}

// FlushPending replays queued operations in insertion order. Each success
// removes the entry; each failure increments its retry count once per flush
// and moves on, so a partial flush is an accepted steady state. Returns how
// many operations were replayed.
func (e *Engine) FlushPending(ctx context.Context) (int, error) {
	flushed := 0
	failed := make(map[int64]bool)
	lists := make(map[string]struct{})
	for {
		ops, err := e.store.NextBatch(ctx, flushBatchSize)
		if err != nil {
			return flushed, err
		}
		if len(ops) == 0 {
			break
		}

		progressed := false
		for _, op := range ops {
			// Charge at most one retry per flush invocation.
			if failed[op.ID] {
				continue
			}
			if err := e.replay(ctx, &op); err != nil {
				e.logger.Warn("pending operation replay failed",
					"table", op.TableName, "op", op.OperationType,
					"record_id", op.RecordID, "retry_count", op.RetryCount, "error", err)
				if err := e.store.Fail(ctx, op.ID); err != nil {
					return flushed, err
				}
				failed[op.ID] = true
				continue
			}
			if err := e.store.Ack(ctx, op.ID); err != nil {
				return flushed, err
			}
			flushed++
			progressed = true

			if op.TableName == model.TableDynamicProducts && op.OperationType == model.OpInsert {
				if data, err := op.DataMap(); err == nil {
					if listID, _ := data["list_id"].(string); listID != "" {
						lists[listID] = struct{}{}
					}
				}
			}
		}

		// Every remaining op just failed or was skipped; stop instead of
		// spinning.
		if !progressed {
			break
		}
	}

	// Replayed list products carry raw import values; the refresh RPC
	// re-derives the computed index rows for every touched list.
	for listID := range lists {
		if err := e.reconciler.RefreshList(ctx, listID); err != nil {
			e.logger.Warn("index refresh failed after replaying list products",
				"list_id", listID, "error", err)
		}
	}
	return flushed, nil
}

// replay dispatches one queued operation against the remote service and
// mirrors any returned row so the local copy picks up server-assigned fields.
func (e *Engine) replay(ctx context.Context, op *model.PendingOperation) error {
	data, err := op.DataMap()
	if err != nil {
		return fmt.Errorf("pending operation %d has malformed payload: %w", op.ID, err)
	}

	switch op.OperationType {
	case model.OpInsert:
		row, err := e.svc.InsertRow(ctx, op.TableName, data)
		if err != nil {
			return err
		}
		return e.store.UpsertRow(ctx, op.TableName, op.RecordID, row)
	case model.OpUpdate:
		row, err := e.svc.UpdateRow(ctx, op.TableName, op.RecordID, data)
		if err != nil {
			return err
		}
		if err := e.store.UpsertRow(ctx, op.TableName, op.RecordID, row); err != nil {
			return err
		}
		// Quantity updates flow into the index on the server; mirror that
		// pairing locally so both tables agree after the flush.
		if op.TableName == model.TableDynamicProducts {
			if qty, ok := data["quantity"]; ok {
				idxRow, err := e.svc.UpdateRow(ctx, model.TableDynamicProductsIndex, op.RecordID,
					map[string]any{"quantity": qty})
				if err == nil {
					return e.store.UpsertRow(ctx, model.TableDynamicProductsIndex, op.RecordID, idxRow)
				}
				e.logger.Warn("index update lagging behind source after replay",
					"product_id", op.RecordID, "error", err)
			}
		}
		return nil
	case model.OpDelete:
		return e.svc.DeleteRow(ctx, op.TableName, op.RecordID)
	default:
		return fmt.Errorf("unknown operation type %q", op.OperationType)
	}
}

// PullAll replaces every mirrored table with the remote contents. Invoked at
// session bootstrap, after sign-in, and after a reconnect flush.
func (e *Engine) PullAll(ctx context.Context) error {
	for _, table := range e.Tables {
		rows, err := e.svc.SelectRows(ctx, table, nil)
		if err != nil {
			return fmt.Errorf("failed to pull %s: %w", table, err)
		}
		if err := e.store.ReplaceTable(ctx, table, rows); err != nil {
			return err
		}
	}
	return nil
}

// OnReconnect is the background reconnect pass: flush with exponential
// backoff between attempts until the queue drains, then pull. An operation
// that keeps failing eventually parks as a dead letter and stops holding the
// pass open. The pull is skipped while replayable operations remain, so an
// undrained queue is never clobbered by a stale snapshot.
func (e *Engine) OnReconnect(ctx context.Context) error {
	err := backoff.Retry(func() error {
		if _, err := e.FlushPending(ctx); err != nil {
			// Local-store failures are not retryable.
			return backoff.Permanent(err)
		}
		depth, err := e.store.QueueDepth(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if depth > 0 {
			return fmt.Errorf("%d operation(s) still queued", depth)
		}
		return nil
	}, backoff.WithContext(e.newBackOff(), ctx))
	if err != nil {
		return fmt.Errorf("failed to flush pending operations: %w", err)
	}

	return e.PullAll(ctx)
}

// SyncNow is the manual "sync now" action: one flush pass, then a pull, with
// errors surfaced to the caller instead of being retried in the background.
func (e *Engine) SyncNow(ctx context.Context) error {
	flushed, err := e.FlushPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to flush pending operations: %w", err)
	}
	depth, err := e.store.QueueDepth(ctx)
	if err != nil {
		return err
	}
	if depth > 0 {
		return fmt.Errorf("sync incomplete: %d operation(s) still queued after flushing %d", depth, flushed)
	}
	return e.PullAll(ctx)
}

// Status summarizes the engine's queue for operational tooling.
type Status struct {
	QueueDepth  int64
	DeadLetters int
}

// QueueStatus reports queue depth and dead-letter count.
func (e *Engine) QueueStatus(ctx context.Context) (*Status, error) {
	depth, err := e.store.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	dead, err := e.store.DeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{QueueDepth: depth, DeadLetters: len(dead)}, nil
}
