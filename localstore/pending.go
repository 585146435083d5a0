// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gonzagiaco/fin-inventory-hub-sub000/model"
)

// DefaultMaxRetries caps replay attempts per queued operation before it is
// parked as a dead letter.
const DefaultMaxRetries = 10

// Enqueue appends one operation to the replay log and returns its local id.
// No deduplication: two offline edits of the same record queue two operations
// and replay in order, the later one overwriting the earlier one's effect.
func (s *Store) Enqueue(ctx context.Context, op model.PendingOperation) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	maxRetries := op.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	var data any
	if len(op.Data) > 0 {
		data = string(op.Data)
	}

	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO pending_operations (table_name, operation_type, record_id, data, op_id, max_retries)
		VALUES (?, ?, ?, ?, ?, ?)
	`, op.TableName, op.OperationType, op.RecordID, data, op.OpID, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue pending operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get pending operation id: %w", err)
	}
	return id, nil
}

// NextBatch returns up to limit replayable operations in insertion order,
// skipping dead letters.
func (s *Store) NextBatch(ctx context.Context, limit int) ([]model.PendingOperation, error) {
	return s.queryOps(ctx, `
		SELECT id, table_name, operation_type, record_id, data, op_id, queued_at, retry_count, max_retries
		FROM pending_operations
		WHERE retry_count < max_retries
		ORDER BY id
		LIMIT ?
	`, limit)
}

// Ack removes a successfully replayed operation from the queue.
func (s *Store) Ack(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.DB.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to ack pending operation %d: %w", id, err)
	}
	return nil
}

// Fail records a replay failure, leaving the operation queued for the next
// connectivity event.
func (s *Store) Fail(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.DB.ExecContext(ctx, `
		UPDATE pending_operations SET retry_count = retry_count + 1 WHERE id = ?
	`, id); err != nil {
		return fmt.Errorf("failed to mark pending operation %d as failed: %w", id, err)
	}
	return nil
}

// DeadLetters returns operations that exhausted their retries. They stay in
// the table for inspection; DropDeadLetter discards one explicitly.
func (s *Store) DeadLetters(ctx context.Context) ([]model.PendingOperation, error) {
	return s.queryOps(ctx, `
		SELECT id, table_name, operation_type, record_id, data, op_id, queued_at, retry_count, max_retries
		FROM pending_operations
		WHERE retry_count >= max_retries
		ORDER BY id
	`)
}

// DropDeadLetter discards a parked operation.
func (s *Store) DropDeadLetter(ctx context.Context, id int64) error {
	return s.Ack(ctx, id)
}

// QueueDepth returns the number of replayable operations still queued.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_operations WHERE retry_count < max_retries
	`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return depth, nil
}

func (s *Store) queryOps(ctx context.Context, query string, args ...any) ([]model.PendingOperation, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer rows.Close()

	var ops []model.PendingOperation
	for rows.Next() {
		var op model.PendingOperation
		var data, opID sql.NullString
		var queuedAt string
		if err := rows.Scan(&op.ID, &op.TableName, &op.OperationType, &op.RecordID,
			&data, &opID, &queuedAt, &op.RetryCount, &op.MaxRetries); err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		if data.Valid {
			op.Data = []byte(data.String)
		}
		op.OpID = opID.String
		if t, err := time.Parse("2006-01-02T15:04:05.999Z", queuedAt); err == nil {
			op.QueuedAt = t
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending operations: %w", err)
	}
	return ops, nil
}
