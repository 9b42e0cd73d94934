package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ErrDigestMismatch is returned when a stored result no longer matches its digest.
var ErrDigestMismatch = errors.New("result digest mismatch")

// Digest returns the hex BLAKE2b-256 digest of the JSON encoding of v.
func Digest(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode for digest: %w", err)
	}
	return digestBytes(data), nil
}

func digestBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyRun recomputes the digest of a stored result and compares it with
// the one recorded when the run was saved.
func (s *Store) VerifyRun(ctx context.Context, id string) error {
	var doc []byte
	var recorded string
	err := s.db.QueryRowContext(ctx, `SELECT result, result_digest FROM runs WHERE id = ?`, id).Scan(&doc, &recorded)
	if err != nil {
		return fmt.Errorf("load run %s: %w", id, err)
	}
	if computed := digestBytes(doc); computed != recorded {
		return fmt.Errorf("%w for run %s: computed %s, recorded %s", ErrDigestMismatch, id, computed, recorded)
	}
	return nil
}

// VerifyAllRuns verifies every stored run and returns the ids that fail.
func (s *Store) VerifyAllRuns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, result, result_digest FROM runs ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query all runs: %w", err)
	}
	defer rows.Close()

	var corrupted []string
	for rows.Next() {
		var (
			id, recorded string
			doc          []byte
		)
		if err := rows.Scan(&id, &doc, &recorded); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if digestBytes(doc) != recorded {
			corrupted = append(corrupted, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return corrupted, nil
}
