package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a scenario has no archived recording.
var ErrNotFound = errors.New("recording not found")

// GetRecording returns the raw document archived for scenario.
func (s *Store) GetRecording(ctx context.Context, scenario string) ([]byte, error) {
	e, err := s.GetEntry(ctx, scenario)
	if err != nil {
		return nil, err
	}
	return e.Document, nil
}

// GetEntry returns the full archive row for scenario, document included.
func (s *Store) GetEntry(ctx context.Context, scenario string) (Entry, error) {
	var e Entry
	err := s.db.QueryRowContext(ctx, `
		SELECT scenario, label, recorded_at, event_count, digest, seq, document
		FROM recordings
		WHERE scenario = ?
	`, scenario).Scan(&e.Scenario, &e.Label, &e.RecordedAt, &e.EventCount, &e.Digest, &e.Seq, &e.Document)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("get recording %s: %w", scenario, ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get recording %s: %w", scenario, err)
	}
	return e, nil
}

// ListRecordings returns archive metadata ordered by scenario.
//
// Returns an empty slice (not nil) for an empty archive.
func (s *Store) ListRecordings(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scenario, label, recorded_at, event_count, digest, seq
		FROM recordings
		ORDER BY scenario COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Scenario, &e.Label, &e.RecordedAt, &e.EventCount, &e.Digest, &e.Seq); err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recordings: %w", err)
	}
	return entries, nil
}
