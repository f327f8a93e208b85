package dispute

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trondeal/native/deal"
)

type memStore struct {
	deal        *deal.Deal
	record      *Dispute
	stats       map[int64]Stats
	transitions []deal.Status
}

func newMemStore(d *deal.Deal) *memStore {
	return &memStore{deal: d, stats: make(map[int64]Stats)}
}

func (m *memStore) GetDeal(ctx context.Context, id string) (*deal.Deal, error) {
	if m.deal == nil || m.deal.ID != id {
		return nil, deal.ErrNotFound
	}
	return m.deal.Clone(), nil
}

func (m *memStore) TransitionStatus(ctx context.Context, id string, from []deal.Status, to deal.Status, audit deal.AuditEntry) error {
	for _, s := range from {
		if m.deal.Status == s {
			m.deal.Status = to
			m.transitions = append(m.transitions, to)
			return nil
		}
	}
	return deal.ErrStatusConflict
}

func (m *memStore) CreateDispute(ctx context.Context, d *Dispute) error {
	d.ID = 1
	d.Status = StatusOpen
	m.record = d
	return nil
}

func (m *memStore) DisputeByDeal(ctx context.Context, dealID string) (*Dispute, error) {
	if m.record == nil || m.record.DealID != dealID {
		return nil, ErrNotFound
	}
	clone := *m.record
	return &clone, nil
}

func (m *memStore) RecordDecision(ctx context.Context, dealID string, decision Decision, reason string) error {
	m.record.Decision = decision
	m.record.DecisionReason = reason
	return nil
}

func (m *memStore) MarkDisputeResolved(ctx context.Context, dealID string) error {
	m.record.Status = StatusResolved
	return nil
}

func (m *memStore) CancelDispute(ctx context.Context, dealID, reason string) error {
	m.record.Status = StatusCancelled
	return nil
}

func (m *memStore) RecordDisputeLoss(ctx context.Context, userID int64) (Stats, error) {
	st := m.stats[userID]
	st.UserID = userID
	st.Losses++
	st.LossStreak++
	if st.LossStreak >= AutobanThreshold {
		st.Blacklisted = true
	}
	m.stats[userID] = st
	return st, nil
}

func (m *memStore) RecordDisputeWin(ctx context.Context, userID int64) (Stats, error) {
	st := m.stats[userID]
	st.UserID = userID
	st.Wins++
	st.LossStreak = 0
	m.stats[userID] = st
	return st, nil
}

func fundedDeal() *deal.Deal {
	return &deal.Deal{
		ID:       "DL-TEST01",
		BuyerID:  100,
		SellerID: 200,
		Amount:   big.NewInt(100 * deal.MicroUSDT),
		Status:   deal.StatusInProgress,
	}
}

func TestOpenMovesDealToDispute(t *testing.T) {
	store := newMemStore(fundedDeal())
	eng := NewEngine(store)
	eng.SetNowFunc(func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) })

	record, err := eng.Open(context.Background(), OpenParams{
		DealID:   "DL-TEST01",
		OpenerID: 100,
		Reason:   "seller delivered nothing after the deadline passed",
	})
	require.NoError(t, err)
	require.Equal(t, StatusOpen, record.Status)
	require.Equal(t, deal.StatusInProgress, record.PriorStatus)
	require.Equal(t, deal.StatusDispute, store.deal.Status)
}

func TestOpenRejectsShortReason(t *testing.T) {
	eng := NewEngine(newMemStore(fundedDeal()))
	_, err := eng.Open(context.Background(), OpenParams{DealID: "DL-TEST01", OpenerID: 100, Reason: "bad deal"})
	require.ErrorIs(t, err, ErrReasonTooShort)
}

func TestOpenRejectsOutsider(t *testing.T) {
	eng := NewEngine(newMemStore(fundedDeal()))
	_, err := eng.Open(context.Background(), OpenParams{
		DealID:   "DL-TEST01",
		OpenerID: 999,
		Reason:   strings.Repeat("grievance ", 5),
	})
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestOpenRejectsUnfundedDeal(t *testing.T) {
	d := fundedDeal()
	d.Status = deal.StatusAwaitingDeposit
	eng := NewEngine(newMemStore(d))
	_, err := eng.Open(context.Background(), OpenParams{
		DealID:   "DL-TEST01",
		OpenerID: 100,
		Reason:   strings.Repeat("grievance ", 5),
	})
	require.ErrorIs(t, err, deal.ErrStatusConflict)
}

func TestOpenRejectsSecondDispute(t *testing.T) {
	store := newMemStore(fundedDeal())
	eng := NewEngine(store)
	ctx := context.Background()
	reason := strings.Repeat("grievance ", 5)

	_, err := eng.Open(ctx, OpenParams{DealID: "DL-TEST01", OpenerID: 100, Reason: reason})
	require.NoError(t, err)
	_, err = eng.Open(ctx, OpenParams{DealID: "DL-TEST01", OpenerID: 200, Reason: reason})
	require.ErrorIs(t, err, ErrAlreadyOpen)
}

func openDispute(t *testing.T, store *memStore) *Engine {
	t.Helper()
	eng := NewEngine(store)
	_, err := eng.Open(context.Background(), OpenParams{
		DealID:   "DL-TEST01",
		OpenerID: 100,
		Reason:   strings.Repeat("grievance ", 5),
	})
	require.NoError(t, err)
	return eng
}

func TestResolveUpdatesScorecards(t *testing.T) {
	store := newMemStore(fundedDeal())
	eng := openDispute(t, store)
	ctx := context.Background()

	res, err := eng.Resolve(ctx, "DL-TEST01", DecisionRefundBuyer, "no delivery")
	require.NoError(t, err)
	require.Equal(t, int64(100), res.WinnerID)
	require.Equal(t, int64(200), res.LoserID)
	require.Equal(t, 1, res.WinnerStats.Wins)
	require.Equal(t, 1, res.LoserStats.LossStreak)
	require.False(t, res.LoserBanned)
	require.Equal(t, deal.KeyValidationDisputeBuyer, res.KeyValidation)
	// The deal stays disputed until the payout clears.
	require.Equal(t, deal.StatusDispute, store.deal.Status)
}

func TestResolveIsIdempotent(t *testing.T) {
	store := newMemStore(fundedDeal())
	eng := openDispute(t, store)
	ctx := context.Background()

	first, err := eng.Resolve(ctx, "DL-TEST01", DecisionRefundBuyer, "no delivery")
	require.NoError(t, err)
	require.False(t, first.Replayed)

	// Retrying the same ruling does not double-count the loss.
	again, err := eng.Resolve(ctx, "DL-TEST01", DecisionRefundBuyer, "no delivery")
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, 1, store.stats[200].LossStreak)

	// A conflicting ruling is rejected.
	_, err = eng.Resolve(ctx, "DL-TEST01", DecisionReleaseSeller, "changed mind")
	require.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestResolveAutobanAtThreshold(t *testing.T) {
	store := newMemStore(fundedDeal())
	store.stats[200] = Stats{UserID: 200, Losses: 2, LossStreak: AutobanThreshold - 1}
	eng := openDispute(t, store)

	res, err := eng.Resolve(context.Background(), "DL-TEST01", DecisionRefundBuyer, "repeat offender")
	require.NoError(t, err)
	require.True(t, res.LoserBanned)
	require.Equal(t, AutobanThreshold, res.LoserStats.LossStreak)
	require.True(t, res.LoserStats.Blacklisted)
}

func TestSettleMarksResolved(t *testing.T) {
	store := newMemStore(fundedDeal())
	eng := openDispute(t, store)
	ctx := context.Background()

	// Settle before a ruling is rejected.
	require.ErrorIs(t, eng.Settle(ctx, "DL-TEST01"), ErrDecisionRequired)

	_, err := eng.Resolve(ctx, "DL-TEST01", DecisionReleaseSeller, "work delivered")
	require.NoError(t, err)
	require.NoError(t, eng.Settle(ctx, "DL-TEST01"))
	require.Equal(t, StatusResolved, store.record.Status)
}

func TestCancelRestoresPriorStatus(t *testing.T) {
	store := newMemStore(fundedDeal())
	eng := openDispute(t, store)
	require.Equal(t, deal.StatusDispute, store.deal.Status)

	require.NoError(t, eng.Cancel(context.Background(), "DL-TEST01", "opened by mistake"))
	require.Equal(t, deal.StatusInProgress, store.deal.Status)
	require.Equal(t, StatusCancelled, store.record.Status)
}
