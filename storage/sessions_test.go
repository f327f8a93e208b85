package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload, err := json.Marshal(KeyValidationPayload{DealID: "DL-S1", Kind: "buyer_refund", NetAmount: "100000000"})
	require.NoError(t, err)
	sess := Session{
		UserID:    100,
		Scope:     ScopeKeyValidation,
		Payload:   payload,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, s.PutSession(ctx, sess))

	got, err := s.GetSession(ctx, 100, ScopeKeyValidation)
	require.NoError(t, err)
	var decoded KeyValidationPayload
	require.NoError(t, json.Unmarshal(got.Payload, &decoded))
	require.Equal(t, "DL-S1", decoded.DealID)
	require.Zero(t, got.Attempts)

	// Scopes are independent.
	_, err = s.GetSession(ctx, 100, ScopeDispute)
	require.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, s.DeleteSession(ctx, 100, ScopeKeyValidation))
	_, err = s.GetSession(ctx, 100, ScopeKeyValidation)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionReplaceOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := Session{UserID: 100, Scope: ScopeDispute, Payload: json.RawMessage(`{"v":1}`), Attempts: 3, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.PutSession(ctx, first))
	second := Session{UserID: 100, Scope: ScopeDispute, Payload: json.RawMessage(`{"v":2}`), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.PutSession(ctx, second))

	got, err := s.GetSession(ctx, 100, ScopeDispute)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":2}`, string(got.Payload))
	require.Zero(t, got.Attempts, "replace resets the counter")
}

func TestExpiredSessionTreatedAsAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := Session{UserID: 100, Scope: ScopeKeyValidation, Payload: json.RawMessage(`{}`), ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, s.PutSession(ctx, sess))

	_, err := s.GetSession(ctx, 100, ScopeKeyValidation)
	require.ErrorIs(t, err, ErrSessionNotFound)

	purged, err := s.PurgeExpiredSessions(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)
}

func TestIncrementSessionAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := Session{UserID: 100, Scope: ScopeKeyValidation, Payload: json.RawMessage(`{}`), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.PutSession(ctx, sess))

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementSessionAttempts(ctx, 100, ScopeKeyValidation)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := s.IncrementSessionAttempts(ctx, 999, ScopeKeyValidation)
	require.ErrorIs(t, err, ErrSessionNotFound)
}
