package sqlite

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
	"github.com/frogbytes-xyz/keypool/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.TokenStore = (*TokenRepo)(nil)

// encPrefix marks values written with AES-256-GCM. Rows written before an
// encryption key was configured stay readable as plaintext.
const encPrefix = "gcm:"

// TokenRepo is the SQLite implementation of the TokenStore port. Token values
// are encrypted with AES-256-GCM before write when an encryption key is
// configured.
type TokenRepo struct {
	db  *DB
	key []byte // 32-byte AES-256 key; nil stores values as plaintext.
}

// NewTokenRepo creates a new TokenRepo. key must be 32 bytes for AES-256-GCM,
// or nil to store token values unencrypted.
func NewTokenRepo(db *DB, key []byte) *TokenRepo {
	return &TokenRepo{db: db, key: key}
}

// Add stores a new token and returns its id.
func (r *TokenRepo) Add(ctx context.Context, token model.SearchToken) (int64, error) {
	value, err := r.encrypt(token.Value)
	if err != nil {
		return 0, err
	}

	const query = `INSERT INTO search_tokens (value, name, active) VALUES (?, ?, ?)`

	active := 0
	if token.Active {
		active = 1
	}

	res, err := r.db.Writer.ExecContext(ctx, query, value, token.Name, active)
	if err != nil {
		return 0, fmt.Errorf("add token %q: %w", token.Name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("add token id: %w", err)
	}

	return id, nil
}

// ListActive returns all active tokens with decrypted values.
func (r *TokenRepo) ListActive(ctx context.Context) ([]model.SearchToken, error) {
	const query = `
		SELECT id, value, name, active, remaining, reset_at, total_uses, success_count, fail_count, last_used_at
		FROM search_tokens
		WHERE active = 1
		ORDER BY id
	`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	defer rows.Close()

	var tokens []model.SearchToken
	for rows.Next() {
		var token model.SearchToken
		var value string
		var active int
		var remaining sql.NullInt64
		var resetAt, lastUsedAt sql.NullString

		err := rows.Scan(&token.ID, &value, &token.Name, &active, &remaining, &resetAt,
			&token.TotalUses, &token.SuccessCount, &token.FailCount, &lastUsedAt)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}

		token.Active = active != 0

		token.Value, err = r.decrypt(value)
		if err != nil {
			return nil, fmt.Errorf("decrypt token %q: %w", token.Name, err)
		}

		if remaining.Valid {
			v := int(remaining.Int64)
			token.Remaining = &v
		}
		if resetAt.Valid {
			t, err := parseTime(resetAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse reset_at for token %q: %w", token.Name, err)
			}
			token.ResetAt = &t
		}
		if lastUsedAt.Valid {
			t, err := parseTime(lastUsedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse last_used_at for token %q: %w", token.Name, err)
			}
			token.LastUsedAt = &t
		}

		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}

	return tokens, nil
}

// RecordUsage bumps usage counters and overwrites remaining/reset from the
// provider's response metadata when present. Remaining and reset are never
// decremented locally; the provider's numbers are authoritative.
func (r *TokenRepo) RecordUsage(ctx context.Context, tokenID int64, success bool, remaining *int, resetAt *time.Time) error {
	successInc := 0
	failInc := 0
	if success {
		successInc = 1
	} else {
		failInc = 1
	}

	var query string
	args := []any{successInc, failInc, time.Now().UTC()}

	if remaining != nil {
		query = `
			UPDATE search_tokens
			SET total_uses = total_uses + 1,
			    success_count = success_count + ?,
			    fail_count = fail_count + ?,
			    last_used_at = ?,
			    remaining = ?,
			    reset_at = ?
			WHERE id = ?
		`
		var reset any
		if resetAt != nil {
			reset = resetAt.UTC()
		}
		args = append(args, *remaining, reset, tokenID)
	} else {
		query = `
			UPDATE search_tokens
			SET total_uses = total_uses + 1,
			    success_count = success_count + ?,
			    fail_count = fail_count + ?,
			    last_used_at = ?
			WHERE id = ?
		`
		args = append(args, tokenID)
	}

	if _, err := r.db.Writer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record token usage %d: %w", tokenID, err)
	}

	return nil
}

// Deactivate soft-deletes a token.
func (r *TokenRepo) Deactivate(ctx context.Context, tokenID int64) error {
	const query = `UPDATE search_tokens SET active = 0 WHERE id = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, tokenID); err != nil {
		return fmt.Errorf("deactivate token %d: %w", tokenID, err)
	}

	return nil
}

// encrypt encrypts plaintext using AES-256-GCM and returns a prefixed
// base64-encoded string containing the nonce prepended to the ciphertext.
// With no key configured the plaintext is returned unchanged.
func (r *TokenRepo) encrypt(plaintext string) (string, error) {
	if r.key == nil {
		return plaintext, nil
	}

	block, err := aes.NewCipher(r.key)
	if err != nil {
		return "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, producing: nonce || ciphertext || tag.
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt reverses encrypt. Unprefixed values pass through as plaintext.
func (r *TokenRepo) decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}
	if r.key == nil {
		return "", errors.New("encrypted token value but no encryption key configured")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	block, err := aes.NewCipher(r.key)
	if err != nil {
		return "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("gcm.Open: %w", err)
	}

	return string(plaintext), nil
}
