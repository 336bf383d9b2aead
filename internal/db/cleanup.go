package db

import (
	"context"
	"fmt"
	"time"

	"github.com/crew-runner/tracker/internal/monitoring"
)

// Cleanup deletes journal rows older than retention.
func (db *DB) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < time.Hour {
		retention = time.Hour
	}
	cutoff := formatTime(time.Now().Add(-retention))

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	queries := []struct {
		name  string
		query string
	}{
		{name: "position_states", query: "DELETE FROM position_states WHERE recorded_at_utc < ?"},
		{name: "source_failures", query: "DELETE FROM source_failures WHERE occurred_at_utc < ?"},
	}

	var total int64
	for _, q := range queries {
		result, err := db.conn.ExecContext(ctx, q.query, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to cleanup %s: %w", q.name, err)
		}
		rows, _ := result.RowsAffected()
		total += rows
	}

	if total > 0 {
		monitoring.Logf("Cleanup: deleted %d records older than %s", total, retention)
	}
	return total, nil
}
