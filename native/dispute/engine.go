package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trondeal/native/deal"
)

// Engine errors.
var (
	ErrNotFound         = errors.New("dispute: not found")
	ErrAlreadyOpen      = errors.New("dispute: deal already disputed")
	ErrAlreadyDecided   = errors.New("dispute: decision already recorded")
	ErrReasonTooShort   = errors.New("dispute: reason too short")
	ErrNotParticipant   = errors.New("dispute: user is not a deal participant")
	ErrDealNotDisputed  = errors.New("dispute: deal is not in dispute")
	ErrDecisionRequired = errors.New("dispute: invalid decision")
)

// Store is the persistence surface the engine needs.
type Store interface {
	GetDeal(ctx context.Context, id string) (*deal.Deal, error)
	TransitionStatus(ctx context.Context, id string, from []deal.Status, to deal.Status, audit deal.AuditEntry) error

	CreateDispute(ctx context.Context, d *Dispute) error
	DisputeByDeal(ctx context.Context, dealID string) (*Dispute, error)
	RecordDecision(ctx context.Context, dealID string, decision Decision, reason string) error
	MarkDisputeResolved(ctx context.Context, dealID string) error
	CancelDispute(ctx context.Context, dealID, reason string) error

	RecordDisputeLoss(ctx context.Context, userID int64) (Stats, error)
	RecordDisputeWin(ctx context.Context, userID int64) (Stats, error)
}

// Engine owns the dispute lifecycle: opening, the arbiter ruling, stats
// bookkeeping with the consecutive-loss autoban, and cancellation.
type Engine struct {
	store Store
	nowFn func() time.Time
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store, nowFn: time.Now}
}

// SetNowFunc overrides the engine clock for deterministic tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

// OpenParams captures a participant's dispute request.
type OpenParams struct {
	DealID   string
	OpenerID int64
	Reason   string
	MediaIDs []string
}

// Open moves a funded deal into dispute and creates the dispute record.
// Either participant may open; the deal must hold funds, since disputes
// exist to decide where locked USDT goes.
func (e *Engine) Open(ctx context.Context, params OpenParams) (*Dispute, error) {
	reason := strings.TrimSpace(params.Reason)
	if len(reason) < MinReasonLength {
		return nil, fmt.Errorf("%w: need at least %d characters", ErrReasonTooShort, MinReasonLength)
	}
	d, err := e.store.GetDeal(ctx, params.DealID)
	if err != nil {
		return nil, err
	}
	if d.RoleOf(params.OpenerID) == "" {
		return nil, ErrNotParticipant
	}
	if _, err := e.store.DisputeByDeal(ctx, params.DealID); err == nil {
		return nil, ErrAlreadyOpen
	} else if !isNotFound(err) {
		return nil, err
	}
	if err := e.store.TransitionStatus(ctx, d.ID, deal.FundedStatuses, deal.StatusDispute, deal.AuditEntry{
		DealID:    d.ID,
		From:      d.Status,
		To:        deal.StatusDispute,
		Actor:     fmt.Sprintf("user:%d", params.OpenerID),
		Note:      "dispute opened",
		CreatedAt: e.nowFn().UTC(),
	}); err != nil {
		return nil, err
	}
	record := &Dispute{
		DealID:      params.DealID,
		OpenerID:    params.OpenerID,
		Reason:      reason,
		MediaIDs:    params.MediaIDs,
		PriorStatus: d.Status,
		CreatedAt:   e.nowFn().UTC(),
	}
	if err := e.store.CreateDispute(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Resolution is the arbiter ruling outcome. LoserStats already reflects the
// incremented streak, so the loss notice can quote it and report an autoban
// the moment it happens.
type Resolution struct {
	Dispute     *Dispute
	WinnerID    int64
	LoserID     int64
	WinnerStats Stats
	LoserStats  Stats
	// LoserBanned is set when this loss tripped the autoban.
	LoserBanned bool
	// KeyValidation is the tag under which the winner must validate
	// their ephemeral key before the payout runs.
	KeyValidation deal.KeyValidationKind
	// Replayed marks an idempotent retry: the ruling was already
	// recorded and no scorecard changed again.
	Replayed bool
}

// Resolve commits the arbiter ruling: the decision lands on the dispute
// record and both scorecards update immediately, before any notice goes
// out. The deal stays in dispute until the winner validates their key and
// the payout clears. Repeating the same ruling is a no-op so a retried
// admin call cannot double-count a loss; a conflicting ruling is rejected.
func (e *Engine) Resolve(ctx context.Context, dealID string, decision Decision, reason string) (*Resolution, error) {
	if !decision.Valid() {
		return nil, ErrDecisionRequired
	}
	record, err := e.store.DisputeByDeal(ctx, dealID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	winner := d.ParticipantID(decision.Winner())
	loser := d.ParticipantID(decision.Winner().Opposite())
	res := &Resolution{
		Dispute:       record,
		WinnerID:      winner,
		LoserID:       loser,
		KeyValidation: keyValidationFor(decision),
	}

	if record.Decision != "" {
		if record.Decision == decision {
			res.Replayed = true
			return res, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDecided, record.Decision)
	}
	if record.Status != StatusOpen {
		return nil, ErrDealNotDisputed
	}
	if err := e.store.RecordDecision(ctx, dealID, decision, reason); err != nil {
		return nil, err
	}
	record.Decision = decision
	record.DecisionReason = reason

	res.LoserStats, err = e.store.RecordDisputeLoss(ctx, loser)
	if err != nil {
		return nil, err
	}
	res.WinnerStats, err = e.store.RecordDisputeWin(ctx, winner)
	if err != nil {
		return nil, err
	}
	res.LoserBanned = res.LoserStats.Blacklisted && res.LoserStats.LossStreak >= AutobanThreshold
	return res, nil
}

// keyValidationFor maps the ruling onto the key-validation tag the winner
// must clear.
func keyValidationFor(decision Decision) deal.KeyValidationKind {
	if decision == DecisionReleaseSeller {
		return deal.KeyValidationDisputeSeller
	}
	return deal.KeyValidationDisputeBuyer
}

// Settle flips the record to resolved once the ruling's payout has cleared.
func (e *Engine) Settle(ctx context.Context, dealID string) error {
	record, err := e.store.DisputeByDeal(ctx, dealID)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	if record.Decision == "" {
		return ErrDecisionRequired
	}
	return e.store.MarkDisputeResolved(ctx, dealID)
}

// Cancel aborts an open dispute and restores the deal to the status it held
// before the dispute. No scorecards change.
func (e *Engine) Cancel(ctx context.Context, dealID, reason string) error {
	record, err := e.store.DisputeByDeal(ctx, dealID)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	if record.Status != StatusOpen {
		return ErrDealNotDisputed
	}
	if err := e.store.TransitionStatus(ctx, dealID, []deal.Status{deal.StatusDispute}, record.PriorStatus, deal.AuditEntry{
		DealID:    dealID,
		From:      deal.StatusDispute,
		To:        record.PriorStatus,
		Actor:     "admin",
		Note:      "dispute cancelled: " + reason,
		CreatedAt: e.nowFn().UTC(),
	}); err != nil {
		return err
	}
	return e.store.CancelDispute(ctx, dealID, reason)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
