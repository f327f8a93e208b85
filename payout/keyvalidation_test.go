package payout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trondeal/native/deal"
	"trondeal/storage"
)

func validationFixture(t *testing.T) (*fixture, *KeyValidator) {
	t.Helper()
	// The seller-release kind makes the fixture carry the seller signer's
	// key, matching the sessions these tests open. The pending state is
	// reset so RequestKeyValidation starts from a clean deal.
	fx := newFixture(t, deal.KeyValidationSellerRelease, deal.StatusWorkSubmitted)
	fx.store.pending = deal.KeyValidationNone
	fx.store.deal.PendingKeyValidation = deal.KeyValidationNone
	v := NewKeyValidator(fx.store, fx.store, fx.notifier, nil)
	return fx, v
}

func TestRequestKeyValidationOpensSession(t *testing.T) {
	fx, _ := validationFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	err := RequestKeyValidation(ctx, fx.store, fx.store, fx.notifier, fx.store.deal, deal.KeyValidationSellerRelease, now)
	require.NoError(t, err)
	require.Equal(t, deal.KeyValidationSellerRelease, fx.store.pending)

	sess, err := fx.store.GetSession(ctx, 200, storage.ScopeKeyValidation)
	require.NoError(t, err)
	require.Equal(t, now.Add(KeyValidationTTL), sess.ExpiresAt)
	require.Contains(t, fx.notifier.notices, int64(200))

	// A second request while one is pending is a silent no-op.
	require.NoError(t, RequestKeyValidation(ctx, fx.store, fx.store, fx.notifier, fx.store.deal, deal.KeyValidationBuyerRefund, now))
	require.Equal(t, deal.KeyValidationSellerRelease, fx.store.pending)
}

func sellerSession(t *testing.T, fx *fixture) {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, RequestKeyValidation(context.Background(), fx.store, fx.store, fx.notifier,
		fx.store.deal, deal.KeyValidationSellerRelease, now))
	fx.store.deal.PendingKeyValidation = deal.KeyValidationSellerRelease
}

func TestHandleMessageAcceptsMatchingKey(t *testing.T) {
	fx, v := validationFixture(t)
	sellerSession(t, fx)

	validated, err := v.HandleMessage(context.Background(), 200, fx.validated.Key.Hex())
	require.NoError(t, err)
	require.Equal(t, "DL-PIPE01", validated.Deal.ID)
	require.Equal(t, deal.KeyValidationSellerRelease, validated.Kind)

	// Tag cleared and session gone.
	require.Equal(t, deal.KeyValidationNone, fx.store.pending)
	_, err = fx.store.GetSession(context.Background(), 200, storage.ScopeKeyValidation)
	require.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestHandleMessageCountsAttempts(t *testing.T) {
	fx, v := validationFixture(t)
	sellerSession(t, fx)
	ctx := context.Background()

	for i := 1; i < MaxKeyAttempts; i++ {
		_, err := v.HandleMessage(ctx, 200, "deadbeef")
		require.ErrorIs(t, err, ErrKeyMismatch)
	}
	_, err := v.HandleMessage(ctx, 200, "deadbeef")
	require.ErrorIs(t, err, ErrTooManyAttempts)

	// The session is invalidated and the support notice went out.
	_, err = fx.store.GetSession(ctx, 200, storage.ScopeKeyValidation)
	require.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestHandleMessageRejectsWrongSignersKey(t *testing.T) {
	fx, v := validationFixture(t)
	sellerSession(t, fx)

	// A well-formed key for the wrong signer still counts as a miss.
	_, err := v.HandleMessage(context.Background(), 200, fx.pipeline.arbiterKey.Hex())
	require.ErrorIs(t, err, ErrKeyMismatch)
	require.Equal(t, deal.KeyValidationSellerRelease, fx.store.pending)
}

func TestHandleMessageWithoutSession(t *testing.T) {
	_, v := validationFixture(t)
	_, err := v.HandleMessage(context.Background(), 42, "anything")
	require.ErrorIs(t, err, ErrNoSession)
}
