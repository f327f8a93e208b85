package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trondeal/crypto"
	"trondeal/native/deal"
	"trondeal/notify"
	"trondeal/storage"
)

const (
	// KeyValidationTTL bounds how long a key prompt stays answerable.
	KeyValidationTTL = 24 * time.Hour
	// MaxKeyAttempts invalidates the session after this many wrong keys.
	MaxKeyAttempts = 5
)

// Key validation errors.
var (
	ErrNoSession       = errors.New("payout: no key validation session")
	ErrKeyMismatch     = errors.New("payout: key does not match expected signer")
	ErrTooManyAttempts = errors.New("payout: attempt limit reached")
)

// SessionStore is the durable conversational state the validator needs.
type SessionStore interface {
	PutSession(ctx context.Context, sess storage.Session) error
	GetSession(ctx context.Context, userID int64, scope string) (*storage.Session, error)
	DeleteSession(ctx context.Context, userID int64, scope string) error
	IncrementSessionAttempts(ctx context.Context, userID int64, scope string) (int, error)
}

// ValidationStore covers the deal-side reads and the pending tag.
type ValidationStore interface {
	GetDeal(ctx context.Context, id string) (*deal.Deal, error)
	GetWallet(ctx context.Context, dealID string) (*deal.MultisigWallet, error)
	SetPendingKeyValidation(ctx context.Context, dealID string, kind deal.KeyValidationKind) error
	ClearPendingKeyValidation(ctx context.Context, dealID string) error
}

// RequestKeyValidation tags the deal, opens the key_validation session for
// the recipient and sends the prompt. The tag is set at most once per deal;
// a second request while one is pending is a silent no-op so the deadline
// monitor and the dispute path cannot double-prompt.
func RequestKeyValidation(ctx context.Context, store ValidationStore, sessions SessionStore, notifier notify.Notifier, d *deal.Deal, kind deal.KeyValidationKind, now time.Time) error {
	if err := store.SetPendingKeyValidation(ctx, d.ID, kind); err != nil {
		if errors.Is(err, deal.ErrStatusConflict) {
			return nil
		}
		return err
	}
	role := kind.Recipient()
	recipient := d.ParticipantID(role)
	payload, err := json.Marshal(storage.KeyValidationPayload{
		DealID:     d.ID,
		Kind:       string(kind),
		NetAmount:  d.PayoutFor(role).String(),
		Commission: d.Commission.String(),
	})
	if err != nil {
		return err
	}
	if err := sessions.PutSession(ctx, storage.Session{
		UserID:    recipient,
		Scope:     storage.ScopeKeyValidation,
		Payload:   payload,
		ExpiresAt: now.Add(KeyValidationTTL),
		CreatedAt: now,
	}); err != nil {
		return err
	}
	text := fmt.Sprintf(
		"Deal %s: you are due %s USDT (commission %s USDT). Reply with the private key you received when the deal was created to claim the funds.",
		d.ID, deal.FormatUSDT(d.PayoutFor(role)), deal.FormatUSDT(d.Commission))
	if err := notifier.SendNotification(ctx, recipient, text); err != nil {
		slog.Warn("key validation prompt failed", "deal", d.ID, "user", recipient, "error", err)
	}
	return nil
}

// Validated is a successful key check, ready to hand to the pipeline. The
// key lives only in memory for the duration of the payout.
type Validated struct {
	Deal *deal.Deal
	Kind deal.KeyValidationKind
	Key  *crypto.PrivateKey
}

// KeyValidator interprets a user's next message while a key_validation
// session is active.
type KeyValidator struct {
	store    ValidationStore
	sessions SessionStore
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewKeyValidator(store ValidationStore, sessions SessionStore, notifier notify.Notifier, logger *slog.Logger) *KeyValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyValidator{store: store, sessions: sessions, notifier: notifier, logger: logger.With("component", "key-validator")}
}

// HandleMessage treats text as a candidate private key. On a match the
// pending tag clears, the session is deleted and the validated key is
// returned for the pipeline. On mismatch the attempt counter climbs; at the
// limit the session is invalidated and a support notice goes out.
func (v *KeyValidator) HandleMessage(ctx context.Context, userID int64, text string) (*Validated, error) {
	sess, err := v.sessions.GetSession(ctx, userID, storage.ScopeKeyValidation)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	var payload storage.KeyValidationPayload
	if err := json.Unmarshal(sess.Payload, &payload); err != nil {
		return nil, fmt.Errorf("payout: decode session payload: %w", err)
	}
	d, err := v.store.GetDeal(ctx, payload.DealID)
	if err != nil {
		return nil, err
	}
	wallet, err := v.store.GetWallet(ctx, payload.DealID)
	if err != nil {
		return nil, err
	}
	kind := deal.KeyValidationKind(payload.Kind)
	expected := wallet.ExpectedSigner(kind.Recipient())

	key, keyErr := crypto.PrivateKeyFromHex(text)
	if keyErr == nil && key.Address().String() == expected {
		if err := v.store.ClearPendingKeyValidation(ctx, d.ID); err != nil {
			return nil, err
		}
		if err := v.sessions.DeleteSession(ctx, userID, storage.ScopeKeyValidation); err != nil {
			v.logger.Warn("delete key session", "deal", d.ID, "error", err)
		}
		v.logger.Info("key validated", "deal", d.ID, "kind", string(kind))
		return &Validated{Deal: d, Kind: kind, Key: key}, nil
	}

	attempts, err := v.sessions.IncrementSessionAttempts(ctx, userID, storage.ScopeKeyValidation)
	if err != nil {
		return nil, err
	}
	if attempts >= MaxKeyAttempts {
		if err := v.sessions.DeleteSession(ctx, userID, storage.ScopeKeyValidation); err != nil {
			v.logger.Warn("delete exhausted key session", "deal", d.ID, "error", err)
		}
		notice := fmt.Sprintf("Deal %s: too many invalid keys. The claim is paused; please contact support.", d.ID)
		if err := v.notifier.SendNotification(ctx, userID, notice); err != nil {
			v.logger.Warn("attempt limit notice failed", "deal", d.ID, "error", err)
		}
		return nil, fmt.Errorf("%w: %d", ErrTooManyAttempts, attempts)
	}
	return nil, fmt.Errorf("%w: attempt %d of %d", ErrKeyMismatch, attempts, MaxKeyAttempts)
}
