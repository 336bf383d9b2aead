package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PositionRecord is one journaled matcher state.
type PositionRecord struct {
	ID           string    `json:"id"`
	RecordedAt   time.Time `json:"recordedAt"`
	Mode         string    `json:"mode"`
	TrainID      *string   `json:"trainId,omitempty"`
	StationIndex int       `json:"stationIndex"`
	Running      bool      `json:"running"`
	LocationM    *float64  `json:"locationM,omitempty"`
}

// FailureRecord is one journaled source failure.
type FailureRecord struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurredAt"`
	Mode       string    `json:"mode"`
	Message    string    `json:"message"`
}

// RecordPosition stores a state and returns its generated ID. A zero
// RecordedAt is stamped with the current time.
func (db *DB) RecordPosition(ctx context.Context, rec PositionRecord) (string, error) {
	id := uuid.New().String()
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO position_states (state_id, recorded_at_utc, mode, train_id, station_index, running, location_m)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, formatTime(rec.RecordedAt), rec.Mode, rec.TrainID, rec.StationIndex, rec.Running, rec.LocationM)
	if err != nil {
		return "", fmt.Errorf("failed to record position state: %w", err)
	}
	return id, nil
}

// RecordFailure stores a source failure and returns its generated ID.
func (db *DB) RecordFailure(ctx context.Context, rec FailureRecord) (string, error) {
	id := uuid.New().String()
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO source_failures (failure_id, occurred_at_utc, mode, message) VALUES (?, ?, ?, ?)",
		id, formatTime(rec.OccurredAt), rec.Mode, rec.Message,
	)
	if err != nil {
		return "", fmt.Errorf("failed to record source failure: %w", err)
	}
	return id, nil
}

// RecentPositions returns up to limit states, newest first.
func (db *DB) RecentPositions(ctx context.Context, limit int) ([]PositionRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT state_id, recorded_at_utc, mode, train_id, station_index, running, location_m
		FROM position_states
		ORDER BY recorded_at_utc DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query position states: %w", err)
	}
	defer rows.Close()

	out := []PositionRecord{}
	for rows.Next() {
		var (
			rec       PositionRecord
			recorded  string
			trainID   sql.NullString
			locationM sql.NullFloat64
		)
		if err := rows.Scan(&rec.ID, &recorded, &rec.Mode, &trainID, &rec.StationIndex, &rec.Running, &locationM); err != nil {
			return nil, fmt.Errorf("failed to scan position state: %w", err)
		}
		if rec.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, fmt.Errorf("failed to parse recorded_at_utc %q: %w", recorded, err)
		}
		if trainID.Valid {
			rec.TrainID = &trainID.String
		}
		if locationM.Valid {
			rec.LocationM = &locationM.Float64
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentFailures returns up to limit failures, newest first.
func (db *DB) RecentFailures(ctx context.Context, limit int) ([]FailureRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT failure_id, occurred_at_utc, mode, message
		FROM source_failures
		ORDER BY occurred_at_utc DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query source failures: %w", err)
	}
	defer rows.Close()

	out := []FailureRecord{}
	for rows.Next() {
		var (
			rec      FailureRecord
			occurred string
		)
		if err := rows.Scan(&rec.ID, &occurred, &rec.Mode, &rec.Message); err != nil {
			return nil, fmt.Errorf("failed to scan source failure: %w", err)
		}
		if rec.OccurredAt, err = parseTime(occurred); err != nil {
			return nil, fmt.Errorf("failed to parse occurred_at_utc %q: %w", occurred, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
