package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/converge/internal/diag"
)

// EvidenceFilter narrows ReadEvents. Zero fields match everything.
type EvidenceFilter struct {
	InstanceID string
	ModuleID   string
	Kinds      []diag.Kind
	// AfterSeq skips events with seq <= AfterSeq.
	AfterSeq int64
	// Limit caps the result size when positive.
	Limit int
}

func (f EvidenceFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.InstanceID != "" {
		conds = append(conds, "instance_id = ?")
		args = append(args, f.InstanceID)
	}
	if f.ModuleID != "" {
		conds = append(conds, "module_id = ?")
		args = append(args, f.ModuleID)
	}
	if len(f.Kinds) > 0 {
		marks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		conds = append(conds, "kind IN ("+strings.Join(marks, ", ")+")")
	}
	if f.AfterSeq > 0 {
		conds = append(conds, "seq > ?")
		args = append(args, f.AfterSeq)
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// ReadEvents returns matching evidence ordered by seq ASC, id ASC COLLATE BINARY.
//
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ReadEvents(ctx context.Context, f EvidenceFilter) ([]diag.Event, error) {
	where, args := f.where()
	query := `
		SELECT id, seq, kind, instance_id, module_id, txn_seq, payload
		FROM evidence
		` + where + `
		ORDER BY seq ASC, id COLLATE BINARY ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	events := []diag.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}
	return events, nil
}

// ReadEvent retrieves a single event by ID.
// Returns an error wrapping sql.ErrNoRows if not found.
func (s *Store) ReadEvent(ctx context.Context, id string) (diag.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, seq, kind, instance_id, module_id, txn_seq, payload
		FROM evidence
		WHERE id = ?
	`, id)
	return scanEvent(row)
}

// CountByKind counts matching events per kind. Kinds and Limit in f are
// ignored.
func (s *Store) CountByKind(ctx context.Context, f EvidenceFilter) (map[diag.Kind]int, error) {
	f.Kinds = nil
	where, args := f.where()
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*)
		FROM evidence
		`+where+`
		GROUP BY kind
		ORDER BY kind COLLATE BINARY ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("count evidence: %w", err)
	}
	defer rows.Close()

	out := make(map[diag.Kind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[diag.Kind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}

// InstanceInfo describes one instance seen in the evidence log.
type InstanceInfo struct {
	InstanceID string `json:"instance_id"`
	ModuleID   string `json:"module_id"`
	Events     int    `json:"events"`
	FirstSeq   int64  `json:"first_seq"`
	LastSeq    int64  `json:"last_seq"`
}

// Instances lists every instance with evidence, ordered by first appearance.
// Events without an instance (start-time config errors) are skipped.
func (s *Store) Instances(ctx context.Context) ([]InstanceInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, MAX(module_id), COUNT(*), MIN(seq), MAX(seq)
		FROM evidence
		WHERE instance_id != ''
		GROUP BY instance_id
		ORDER BY MIN(seq) ASC, instance_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	out := []InstanceInfo{}
	for rows.Next() {
		var info InstanceInfo
		if err := rows.Scan(&info.InstanceID, &info.ModuleID, &info.Events, &info.FirstSeq, &info.LastSeq); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (diag.Event, error) {
	var e diag.Event
	var kind, payload string
	if err := row.Scan(&e.ID, &e.Seq, &kind, &e.InstanceID, &e.ModuleID, &e.TxnSeq, &payload); err != nil {
		return diag.Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.Kind = diag.Kind(kind)

	p, err := unmarshalPayload(payload)
	if err != nil {
		return diag.Event{}, fmt.Errorf("event %s: %w", e.ID, err)
	}
	e.Payload = p
	return e, nil
}
