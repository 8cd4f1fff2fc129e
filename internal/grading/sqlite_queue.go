package grading

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Enqueue appends the submission to the FIFO and records batch membership in
// the same transaction, so a queued entry is always discoverable through its
// batch.
func (s *SQLiteStore) Enqueue(ctx context.Context, batchID, submissionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_entries (submission_id) VALUES (?)`, submissionID); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO batch_members (batch_id, submission_id) VALUES (?, ?)`,
		batchID, submissionID); err != nil {
		return fmt.Errorf("record batch member: %w", err)
	}
	return tx.Commit()
}

// DequeueOne pops the oldest entry. The single-statement delete runs in its
// own write transaction, so concurrent callers are serialized by SQLite and
// can never pop the same row.
func (s *SQLiteStore) DequeueOne(ctx context.Context) (string, bool, error) {
	var submissionID string
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM queue_entries
		WHERE seq = (SELECT seq FROM queue_entries ORDER BY seq LIMIT 1)
		RETURNING submission_id`).Scan(&submissionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dequeue: %w", err)
	}
	return submissionID, true, nil
}

func (s *SQLiteStore) QueueLength(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// QueueEntries snapshots the queue in FIFO order without consuming it.
func (s *SQLiteStore) QueueEntries(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT submission_id FROM queue_entries ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("queue entries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) AddMember(ctx context.Context, batchID, submissionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO batch_members (batch_id, submission_id) VALUES (?, ?)`,
		batchID, submissionID); err != nil {
		return fmt.Errorf("add batch member: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Members(ctx context.Context, batchID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT submission_id FROM batch_members WHERE batch_id = ? ORDER BY submission_id`,
		batchID)
	if err != nil {
		return nil, fmt.Errorf("batch members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch members: %w", err)
	}
	return ids, nil
}
