package store

import (
	"context"
	"fmt"

	"github.com/roach88/converge/internal/diag"
)

// WriteEvent inserts one evidence row.
// Uses ON CONFLICT(id) DO NOTHING: duplicate IDs are silently ignored.
//
// Returns whether a new row was written.
func (s *Store) WriteEvent(ctx context.Context, e diag.Event) (bool, error) {
	if e.ID == "" {
		return false, fmt.Errorf("write event: id is required")
	}
	if e.Kind == "" {
		return false, fmt.Errorf("write event %s: kind is required", e.ID)
	}

	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return false, fmt.Errorf("write event %s: %w", e.ID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence
		(id, seq, kind, instance_id, module_id, txn_seq, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		e.Seq,
		string(e.Kind),
		e.InstanceID,
		e.ModuleID,
		e.TxnSeq,
		payload,
	)
	if err != nil {
		return false, fmt.Errorf("write event %s: %w", e.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write event %s: rows affected: %w", e.ID, err)
	}
	return n > 0, nil
}

// WriteEvents inserts events in one transaction.
func (s *Store) WriteEvents(ctx context.Context, events []diag.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write events: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO evidence
		(id, seq, kind, instance_id, module_id, txn_seq, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("write events: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		payload, err := marshalPayload(e.Payload)
		if err != nil {
			return fmt.Errorf("write events %s: %w", e.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.Seq, string(e.Kind), e.InstanceID, e.ModuleID, e.TxnSeq, payload); err != nil {
			return fmt.Errorf("write events %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write events: commit: %w", err)
	}
	return nil
}

// Emit implements diag.Sink.
func (s *Store) Emit(ctx context.Context, e diag.Event) error {
	_, err := s.WriteEvent(ctx, e)
	return err
}
