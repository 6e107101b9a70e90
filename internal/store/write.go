package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Entry describes one archived recording. Document is only populated by
// GetEntry; listings leave it nil.
type Entry struct {
	Scenario   string
	Label      string
	RecordedAt string
	EventCount int
	Digest     string
	Seq        int64
	Document   []byte
}

// Digest returns the archive digest of a document: SHA-256 over its
// NFC-normalized bytes, hex encoded.
func Digest(document []byte) string {
	sum := sha256.Sum256(norm.NFC.Bytes(document))
	return hex.EncodeToString(sum[:])
}

// PutRecording inserts or replaces the document for e.Scenario.
//
// Re-importing an identical document (same digest) is a no-op and reports
// changed=false.
func (s *Store) PutRecording(ctx context.Context, e Entry) (changed bool, err error) {
	if e.Scenario == "" {
		return false, errors.New("put recording: scenario is required")
	}
	if len(e.Document) == 0 {
		return false, errors.New("put recording: document is empty")
	}
	digest := Digest(e.Document)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO recordings
		(scenario, label, recorded_at, event_count, digest, document, seq)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM recordings))
		ON CONFLICT(scenario) DO UPDATE SET
			label = excluded.label,
			recorded_at = excluded.recorded_at,
			event_count = excluded.event_count,
			digest = excluded.digest,
			document = excluded.document,
			seq = excluded.seq
		WHERE recordings.digest != excluded.digest
	`,
		e.Scenario,
		e.Label,
		e.RecordedAt,
		e.EventCount,
		digest,
		e.Document,
	)
	if err != nil {
		return false, fmt.Errorf("put recording %s: %w", e.Scenario, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put recording %s: %w", e.Scenario, err)
	}
	return n > 0, nil
}

// DeleteRecording removes a scenario from the archive.
// Returns ErrNotFound if it was not archived.
func (s *Store) DeleteRecording(ctx context.Context, scenario string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE scenario = ?`, scenario)
	if err != nil {
		return fmt.Errorf("delete recording %s: %w", scenario, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete recording %s: %w", scenario, err)
	}
	if n == 0 {
		return fmt.Errorf("delete recording %s: %w", scenario, ErrNotFound)
	}
	return nil
}
