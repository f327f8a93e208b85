package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Session scopes used by the core.
const (
	ScopeDispute       = "dispute"
	ScopeKeyValidation = "key_validation"
)

// ErrSessionNotFound is returned when no live session exists for the
// (user, scope) pair.
var ErrSessionNotFound = errors.New("storage: session not found")

// Session is durable per-(user, scope) conversational state with a TTL.
// Flows spanning multiple user turns (dispute drafts, key validation) park
// their state here so a process restart does not lose the interaction.
type Session struct {
	UserID    int64
	Scope     string
	Payload   json.RawMessage
	Attempts  int
	ExpiresAt time.Time
	CreatedAt time.Time
}

// KeyValidationPayload is the session body for the key_validation scope.
// Amounts are micro-USDT decimal strings.
type KeyValidationPayload struct {
	DealID     string `json:"dealId"`
	Kind       string `json:"kind"`
	NetAmount  string `json:"netAmount"`
	Commission string `json:"commission"`
}

// DisputeDraftPayload is the session body for the dispute scope. MediaIDs
// are opaque uploader identifiers in arrival order; items landing within the
// debounce window update the draft once.
type DisputeDraftPayload struct {
	DealID   string   `json:"dealId"`
	Reason   string   `json:"reason"`
	MediaIDs []string `json:"mediaIds"`
}

// PutSession creates or replaces the session for (user, scope).
func (s *Store) PutSession(ctx context.Context, sess Session) error {
	created := sess.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	const stmt = `INSERT OR REPLACE INTO sessions(user_id, scope, payload, attempts, expires_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, sess.UserID, sess.Scope, string(sess.Payload), sess.Attempts, sess.ExpiresAt.UTC(), created)
	return err
}

// GetSession fetches a live session; expired rows are treated as absent.
func (s *Store) GetSession(ctx context.Context, userID int64, scope string) (*Session, error) {
	const query = `SELECT user_id, scope, payload, attempts, expires_at, created_at
        FROM sessions WHERE user_id = ? AND scope = ?`
	row := s.db.QueryRowContext(ctx, query, userID, scope)
	var sess Session
	var payload string
	if err := row.Scan(&sess.UserID, &sess.Scope, &payload, &sess.Attempts, &sess.ExpiresAt, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if !sess.ExpiresAt.After(time.Now().UTC()) {
		return nil, ErrSessionNotFound
	}
	sess.Payload = json.RawMessage(payload)
	return &sess, nil
}

// DeleteSession removes the session, typically on finalize.
func (s *Store) DeleteSession(ctx context.Context, userID int64, scope string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ? AND scope = ?`, userID, scope)
	return err
}

// IncrementSessionAttempts bumps the failure counter and returns the new
// value.
func (s *Store) IncrementSessionAttempts(ctx context.Context, userID int64, scope string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET attempts = attempts + 1 WHERE user_id = ? AND scope = ?`, userID, scope)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, ErrSessionNotFound
	}
	var attempts int
	err = s.db.QueryRowContext(ctx,
		`SELECT attempts FROM sessions WHERE user_id = ? AND scope = ?`, userID, scope).Scan(&attempts)
	return attempts, err
}

// PurgeExpiredSessions garbage-collects sessions past their TTL and returns
// how many were removed.
func (s *Store) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
