package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
	"github.com/frogbytes-xyz/keypool/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CandidateStore = (*CandidateRepo)(nil)

// CandidateRepo is the SQLite implementation of the CandidateStore port.
// Candidate identity and validation state live in two tables
// (candidate_keys, key_validations); this adapter presents them as one
// canonical-status record at the domain boundary.
type CandidateRepo struct {
	db *DB
}

// NewCandidateRepo creates a new CandidateRepo backed by the given DB.
func NewCandidateRepo(db *DB) *CandidateRepo {
	return &CandidateRepo{db: db}
}

// UpsertCandidate inserts a candidate keyed by raw secret value. Rediscovery
// updates provenance only and reports created=false. A pending validation row
// is created alongside a new candidate.
func (r *CandidateRepo) UpsertCandidate(ctx context.Context, key model.CandidateKey) (bool, error) {
	discoveredAt := key.DiscoveredAt
	if discoveredAt.IsZero() {
		discoveredAt = time.Now().UTC()
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin upsert candidate: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO candidate_keys (raw_key, source, source_url, discovered_at) VALUES (?, ?, ?, ?)`,
		key.RawKey, key.Source, key.SourceURL, discoveredAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert candidate: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert candidate rows: %w", err)
	}
	created := rows > 0

	if created {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO key_validations (key_id, status) SELECT id, 'pending' FROM candidate_keys WHERE raw_key = ?`,
			key.RawKey,
		)
		if err != nil {
			return false, fmt.Errorf("insert validation row: %w", err)
		}
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE candidate_keys SET source = ?, source_url = ? WHERE raw_key = ?`,
			key.Source, key.SourceURL, key.RawKey,
		)
		if err != nil {
			return false, fmt.Errorf("update candidate provenance: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit upsert candidate: %w", err)
	}

	return created, nil
}

// GetByRawKey returns the candidate's current validation outcome, or nil, nil
// if the key is unknown.
func (r *CandidateRepo) GetByRawKey(ctx context.Context, rawKey string) (*model.ValidationOutcome, error) {
	const query = `
		SELECT k.id, k.raw_key, v.status, v.last_validated_at, v.capabilities, v.error_detail
		FROM candidate_keys k
		JOIN key_validations v ON v.key_id = k.id
		WHERE k.raw_key = ?
	`

	outcome, err := scanOutcome(r.db.Reader.QueryRowContext(ctx, query, rawKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get candidate: %w", err)
	}

	return outcome, nil
}

// ListByStatus returns up to limit outcomes with the given status, oldest
// last-validated-at first. Never-validated rows (NULL) sort first, so fresh
// pending keys are picked up before previously probed ones.
func (r *CandidateRepo) ListByStatus(ctx context.Context, status model.KeyStatus, limit int) ([]model.ValidationOutcome, error) {
	const query = `
		SELECT k.id, k.raw_key, v.status, v.last_validated_at, v.capabilities, v.error_detail
		FROM candidate_keys k
		JOIN key_validations v ON v.key_id = k.id
		WHERE v.status = ?
		ORDER BY v.last_validated_at ASC
		LIMIT ?
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list by status %q: %w", status, err)
	}
	defer rows.Close()

	var outcomes []model.ValidationOutcome
	for rows.Next() {
		outcome, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		outcomes = append(outcomes, *outcome)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}

	return outcomes, nil
}

// ListValidKeys returns the raw keys currently classified valid.
func (r *CandidateRepo) ListValidKeys(ctx context.Context) ([]string, error) {
	const query = `
		SELECT k.raw_key
		FROM candidate_keys k
		JOIN key_validations v ON v.key_id = k.id
		WHERE v.status = 'valid'
		ORDER BY v.last_validated_at DESC
	`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list valid keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan valid key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate valid keys: %w", err)
	}

	return keys, nil
}

// MarkValidating atomically transitions the key to validating. The WHERE
// clause is the compare-and-set: invalid is terminal without a requeue, and a
// key already validating stays owned by whoever won the race.
func (r *CandidateRepo) MarkValidating(ctx context.Context, rawKey string) (bool, error) {
	const query = `
		UPDATE key_validations
		SET status = 'validating'
		WHERE key_id = (SELECT id FROM candidate_keys WHERE raw_key = ?)
		  AND status IN ('pending', 'valid', 'quota_exceeded')
	`

	res, err := r.db.Writer.ExecContext(ctx, query, rawKey)
	if err != nil {
		return false, fmt.Errorf("mark validating: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark validating rows: %w", err)
	}

	return rows > 0, nil
}

// WriteOutcome records a probe result and flags the candidate as having been
// validated at least once.
func (r *CandidateRepo) WriteOutcome(ctx context.Context, outcome model.ValidationOutcome) error {
	capabilities := outcome.Capabilities
	if capabilities == nil {
		capabilities = []string{}
	}
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	validatedAt := outcome.LastValidatedAt
	if validatedAt.IsZero() {
		validatedAt = time.Now().UTC()
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write outcome: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE key_validations
		 SET status = ?, last_validated_at = ?, capabilities = ?, error_detail = ?
		 WHERE key_id = (SELECT id FROM candidate_keys WHERE raw_key = ?)`,
		string(outcome.Status), validatedAt.UTC(), string(capsJSON), outcome.ErrorDetail, outcome.RawKey,
	)
	if err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write outcome rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("write outcome: unknown key %s", model.RedactKey(outcome.RawKey))
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE candidate_keys SET validated = 1 WHERE raw_key = ?`,
		outcome.RawKey,
	)
	if err != nil {
		return fmt.Errorf("flag candidate validated: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write outcome: %w", err)
	}

	return nil
}

// MarkQuotaExceeded atomically moves a valid key to quota_exceeded. A no-op
// if the key is no longer valid (another flow already reclassified it).
func (r *CandidateRepo) MarkQuotaExceeded(ctx context.Context, rawKey string, detail string) error {
	const query = `
		UPDATE key_validations
		SET status = 'quota_exceeded', error_detail = ?
		WHERE key_id = (SELECT id FROM candidate_keys WHERE raw_key = ?)
		  AND status = 'valid'
	`

	if _, err := r.db.Writer.ExecContext(ctx, query, detail, rawKey); err != nil {
		return fmt.Errorf("mark quota exceeded: %w", err)
	}

	return nil
}

// Requeue administratively moves an invalid key back to pending.
func (r *CandidateRepo) Requeue(ctx context.Context, keyID int64) (bool, error) {
	const query = `
		UPDATE key_validations
		SET status = 'pending', error_detail = ''
		WHERE key_id = ? AND status = 'invalid'
	`

	res, err := r.db.Writer.ExecContext(ctx, query, keyID)
	if err != nil {
		return false, fmt.Errorf("requeue key: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("requeue key rows: %w", err)
	}

	return rows > 0, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

// scanOutcome scans one joined candidate/validation row.
func scanOutcome(row scanner) (*model.ValidationOutcome, error) {
	var outcome model.ValidationOutcome
	var status string
	var validatedAt sql.NullString
	var capsJSON string

	if err := row.Scan(&outcome.KeyID, &outcome.RawKey, &status, &validatedAt, &capsJSON, &outcome.ErrorDetail); err != nil {
		return nil, err
	}

	outcome.Status = model.KeyStatus(status)

	if validatedAt.Valid {
		t, err := parseTime(validatedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_validated_at: %w", err)
		}
		outcome.LastValidatedAt = t
	}

	if err := json.Unmarshal([]byte(capsJSON), &outcome.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}

	return &outcome, nil
}

// parseTime tries multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	formats := []string{
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.000",
		time.RFC3339,
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}
