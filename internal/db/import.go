package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventInsert is one spool record bound for the events table.
type EventInsert struct {
	ID       string
	TS       int64
	Monitor  string
	Priority string
	Payload  []byte
}

// ImportResult reports what one segment import actually changed.
type ImportResult struct {
	Inserted int
	Skipped  int // already present, deduplicated
}

// ImportSegment writes a segment's records and its ledger entry in a single
// transaction. INSERT OR IGNORE on the events primary key makes the
// operation idempotent per record; the ledger row commits in the same
// transaction, so a crash can never leave a ledger entry without its
// records or vice versa.
func (m *Manager) ImportSegment(ctx context.Context, monitor, segment string, events []EventInsert) (ImportResult, error) {
	var res ImportResult

	tx, err := m.writer.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if len(events) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO events (id, ts, monitor, priority, payload, segment, imported_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`)
		if err != nil {
			return res, fmt.Errorf("prepare event insert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UnixMilli()
		for _, ev := range events {
			r, err := stmt.ExecContext(ctx, ev.ID, ev.TS, ev.Monitor, ev.Priority, ev.Payload, segment, now)
			if err != nil {
				return res, fmt.Errorf("insert event row: %w", err)
			}
			affected, _ := r.RowsAffected()
			if affected > 0 {
				res.Inserted++
			} else {
				res.Skipped++
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO import_ledger (monitor, segment, record_count, imported_at)
VALUES (?, ?, ?, ?)
`, monitor, segment, len(events), time.Now().UnixMilli()); err != nil {
		return res, fmt.Errorf("insert ledger row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit tx: %w", err)
	}
	return res, nil
}

// SegmentImported reports whether a segment already has a ledger entry.
func (m *Manager) SegmentImported(ctx context.Context, monitor, segment string) (bool, error) {
	var n int
	err := m.reader.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM import_ledger WHERE monitor = ? AND segment = ?",
		monitor, segment).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ImportedSegments returns the full confirmed-import set keyed as
// "monitor/segment". The trim policy consults this before any deletion.
func (m *Manager) ImportedSegments(ctx context.Context) (map[string]struct{}, error) {
	rows, err := m.reader.QueryContext(ctx, "SELECT monitor, segment FROM import_ledger")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var monitor, segment string
		if err := rows.Scan(&monitor, &segment); err != nil {
			return nil, err
		}
		out[monitor+"/"+segment] = struct{}{}
	}
	return out, rows.Err()
}

// EventCount returns total rows in the events table.
func (m *Manager) EventCount(ctx context.Context) (int64, error) {
	var out int64
	if err := m.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&out); err != nil {
		return 0, err
	}
	return out, nil
}

// EventCountByMonitor returns events rows for one monitor.
func (m *Manager) EventCountByMonitor(ctx context.Context, monitor string) (int64, error) {
	var out int64
	if err := m.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM events WHERE monitor = ?", monitor).Scan(&out); err != nil {
		return 0, err
	}
	return out, nil
}

// LedgerCount returns the number of imported segments recorded.
func (m *Manager) LedgerCount(ctx context.Context) (int64, error) {
	var out int64
	if err := m.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM import_ledger").Scan(&out); err != nil {
		return 0, err
	}
	return out, nil
}
