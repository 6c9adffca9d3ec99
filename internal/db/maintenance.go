package db

import (
	"context"
	"fmt"
	"os"
)

func (m *Manager) WALSizeBytes() int64 {
	fi, err := os.Stat(m.path + "-wal")
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (m *Manager) DBSizeBytes() int64 {
	fi, err := os.Stat(m.path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// CheckpointIfWALExceeds restarts the WAL once it grows past the threshold,
// keeping the store's footprint bounded alongside the spool quota.
func (m *Manager) CheckpointIfWALExceeds(ctx context.Context, thresholdBytes int64) (bool, error) {
	if m.WALSizeBytes() <= thresholdBytes {
		return false, nil
	}
	if _, err := m.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(RESTART)"); err != nil {
		return false, fmt.Errorf("wal restart checkpoint: %w", err)
	}
	return true, nil
}
