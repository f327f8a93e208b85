package payout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trondeal/alerts"
	"trondeal/crypto"
	"trondeal/energy"
	"trondeal/native/deal"
	"trondeal/notify"
	"trondeal/pricefeed"
	"trondeal/storage"
	"trondeal/tron"
)

// --- fakes ---

func newEnvelope(seed string) *tron.Transaction {
	raw := []byte("raw:" + seed)
	sum := sha256.Sum256(raw)
	return &tron.Transaction{
		TxID:       hex.EncodeToString(sum[:]),
		RawDataHex: hex.EncodeToString(raw),
	}
}

type fakeChain struct {
	usdtBalance *big.Int
	trxBalance  *big.Int
	broadcasts  []string
	failUSDTTo  map[string]bool
	seq         int
}

func (f *fakeChain) Account(ctx context.Context, addr crypto.Address) (*tron.AccountInfo, error) {
	return &tron.AccountInfo{Exists: true, BalanceSun: new(big.Int).Set(f.trxBalance)}, nil
}

func (f *fakeChain) USDTBalance(ctx context.Context, addr crypto.Address) (*big.Int, error) {
	return new(big.Int).Set(f.usdtBalance), nil
}

func (f *fakeChain) BuildTRXTransfer(ctx context.Context, from, to crypto.Address, amountSun *big.Int) (*tron.Transaction, error) {
	f.seq++
	return newEnvelope(fmt.Sprintf("trx-%d-%s", f.seq, amountSun)), nil
}

func (f *fakeChain) BuildUSDTTransfer(ctx context.Context, owner, to crypto.Address, amount *big.Int) (*tron.Transaction, error) {
	f.seq++
	tx := newEnvelope(fmt.Sprintf("usdt-%d-%s", f.seq, amount))
	if f.failUSDTTo[to.String()] {
		tx.Visible = true // marker consumed in Broadcast
	}
	return tx, nil
}

func (f *fakeChain) Broadcast(ctx context.Context, tx *tron.Transaction) (string, error) {
	if tx.Visible {
		return "", tron.ErrBroadcastFailed
	}
	f.broadcasts = append(f.broadcasts, tx.TxID)
	return tx.TxID, nil
}

type fakeFunder struct {
	addr  crypto.Address
	sends []*big.Int
}

func (f *fakeFunder) Address() crypto.Address { return f.addr }
func (f *fakeFunder) SendTRX(ctx context.Context, to crypto.Address, amountSun *big.Int) (string, error) {
	f.sends = append(f.sends, new(big.Int).Set(amountSun))
	return "fund-tx", nil
}

type fakeRental struct {
	cost *big.Int
	err  error
}

func (f *fakeRental) Rent(ctx context.Context, target crypto.Address, amount int64) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.cost), nil
}

type fakeStore struct {
	deal     *deal.Deal
	wallet   *deal.MultisigWallet
	txs      []deal.Transaction
	pending  deal.KeyValidationKind
	sessions map[int64]*storage.Session
}

func (s *fakeStore) GetDeal(ctx context.Context, id string) (*deal.Deal, error) {
	return s.deal.Clone(), nil
}

func (s *fakeStore) GetWallet(ctx context.Context, dealID string) (*deal.MultisigWallet, error) {
	return s.wallet, nil
}

func (s *fakeStore) SetPendingKeyValidation(ctx context.Context, dealID string, kind deal.KeyValidationKind) error {
	if s.pending != deal.KeyValidationNone {
		return fmt.Errorf("%w: already pending", deal.ErrStatusConflict)
	}
	s.pending = kind
	return nil
}

func (s *fakeStore) ClearPendingKeyValidation(ctx context.Context, dealID string) error {
	s.pending = deal.KeyValidationNone
	return nil
}

func (s *fakeStore) InsertTransaction(ctx context.Context, t deal.Transaction) error {
	s.txs = append(s.txs, t)
	return nil
}

func (s *fakeStore) TransactionsByDeal(ctx context.Context, dealID string) ([]deal.Transaction, error) {
	return s.txs, nil
}

func (s *fakeStore) PutSession(ctx context.Context, sess storage.Session) error {
	if s.sessions == nil {
		s.sessions = make(map[int64]*storage.Session)
	}
	s.sessions[sess.UserID] = &sess
	return nil
}

func (s *fakeStore) GetSession(ctx context.Context, userID int64, scope string) (*storage.Session, error) {
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	return sess, nil
}

func (s *fakeStore) DeleteSession(ctx context.Context, userID int64, scope string) error {
	delete(s.sessions, userID)
	return nil
}

func (s *fakeStore) IncrementSessionAttempts(ctx context.Context, userID int64, scope string) (int, error) {
	sess, ok := s.sessions[userID]
	if !ok {
		return 0, storage.ErrSessionNotFound
	}
	sess.Attempts++
	return sess.Attempts, nil
}

type fakeFinalizer struct {
	calls []deal.Status
	costs *deal.OperationalCosts
	err   error
}

func (f *fakeFinalizer) Finalize(ctx context.Context, dealID string, from []deal.Status, to deal.Status, payoutTxHash string, costs *deal.OperationalCosts, note string) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, to)
	f.costs = costs
	return nil
}

type fakeSettler struct{ settled []string }

func (f *fakeSettler) Settle(ctx context.Context, dealID string) error {
	f.settled = append(f.settled, dealID)
	return nil
}

type nullNotifier struct{ notices []int64 }

func (n *nullNotifier) SendMain(ctx context.Context, userID int64, msg notify.Message) (int64, error) {
	return 1, nil
}
func (n *nullNotifier) SendNotification(ctx context.Context, userID int64, text string) error {
	n.notices = append(n.notices, userID)
	return nil
}
func (n *nullNotifier) DeleteUserMessage(ctx context.Context, userID, messageID int64) error {
	return nil
}

type staticPrice struct{ value float64 }

func (s staticPrice) TRXUSD(ctx context.Context) (float64, error) { return s.value, nil }

// --- fixture ---

type fixture struct {
	pipeline  *Pipeline
	store     *fakeStore
	chain     *fakeChain
	funder    *fakeFunder
	rental    *fakeRental
	finalizer *fakeFinalizer
	settler   *fakeSettler
	notifier  *nullNotifier
	alerts    *alerts.Service
	validated *Validated
}

func newFixture(t *testing.T, kind deal.KeyValidationKind, status deal.Status) *fixture {
	t.Helper()
	arbiterKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	walletKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	buyerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	sellerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	buyerAddr, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	sellerAddr, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	commissionAddr, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	amount := big.NewInt(200 * deal.MicroUSDT)
	d := &deal.Deal{
		ID:                   "DL-PIPE01",
		BuyerID:              100,
		SellerID:             200,
		Amount:               amount,
		Commission:           deal.Commission(amount),
		CommissionPayer:      deal.PayerSplit,
		Status:               status,
		MultisigAddress:      walletKey.Address().String(),
		BuyerPayoutAddress:   buyerAddr.Address().String(),
		SellerPayoutAddress:  sellerAddr.Address().String(),
		PendingKeyValidation: kind,
	}
	w := &deal.MultisigWallet{
		DealID:        d.ID,
		Address:       d.MultisigAddress,
		WalletKeyHex:  walletKey.Hex(),
		BuyerSigner:   buyerKey.Address().String(),
		SellerSigner:  sellerKey.Address().String(),
		ArbiterSigner: arbiterKey.Address().String(),
	}

	store := &fakeStore{deal: d, wallet: w, pending: kind}
	chain := &fakeChain{
		usdtBalance: big.NewInt(215 * deal.MicroUSDT),
		trxBalance:  big.NewInt(25 * deal.Sun),
		failUSDTTo:  map[string]bool{},
	}
	funder := &fakeFunder{addr: arbiterKey.Address()}
	rental := &fakeRental{err: energy.ErrRentalUnavailable}
	finalizer := &fakeFinalizer{}
	settler := &fakeSettler{}
	notifier := &nullNotifier{}
	alertSvc := alerts.NewService(nil)
	prices := pricefeed.NewFeed(staticPrice{value: 0.30}, time.Minute)

	p := NewPipeline(Config{CommissionWallet: commissionAddr.Address()},
		store, chain, funder, rental, prices, finalizer, settler, notifier, alertSvc, arbiterKey, nil)
	p.SetSleepFunc(func(context.Context, time.Duration) {})

	key := sellerKey
	if kind.Recipient() == deal.RoleBuyer {
		key = buyerKey
	}
	return &fixture{
		pipeline:  p,
		store:     store,
		chain:     chain,
		funder:    funder,
		rental:    rental,
		finalizer: finalizer,
		settler:   settler,
		notifier:  notifier,
		alerts:    alertSvc,
		validated: &Validated{Deal: d, Kind: kind, Key: key},
	}
}

// --- tests ---

func TestReleaseWithTRXFallback(t *testing.T) {
	fx := newFixture(t, deal.KeyValidationSellerRelease, deal.StatusWorkSubmitted)

	outcome, err := fx.pipeline.Run(context.Background(), fx.validated)
	require.NoError(t, err)
	require.Equal(t, deal.StatusCompleted, outcome.TerminalStatus)
	require.NotEmpty(t, outcome.PayoutTxID)
	require.NotEmpty(t, outcome.CommissionTxID)
	require.NotEmpty(t, outcome.SweepTxID)

	// Rental failed, so the fallback TRX budget was sent.
	require.Len(t, fx.funder.sends, 1)
	require.Equal(t, big.NewInt(30*deal.Sun), fx.funder.sends[0])
	require.Equal(t, "trx", outcome.Costs.ResourceMethod)
	require.Equal(t, "timeout_release", outcome.Costs.CompletionType)

	// The payout leg broadcasts before the commission leg.
	require.Equal(t, outcome.PayoutTxID, fx.chain.broadcasts[0])
	require.Equal(t, outcome.CommissionTxID, fx.chain.broadcasts[1])

	// 24 TRX excess swept above the 1 TRX reserve.
	require.Equal(t, big.NewInt(24*deal.Sun), outcome.Costs.ReturnedTRX)
	require.Equal(t, []deal.Status{deal.StatusCompleted}, fx.finalizer.calls)
	require.Empty(t, fx.settler.settled)
	require.ElementsMatch(t, []int64{100, 200}, fx.notifier.notices)
}

func TestReleaseWithRentedEnergy(t *testing.T) {
	fx := newFixture(t, deal.KeyValidationSellerRelease, deal.StatusWorkSubmitted)
	fx.rental.err = nil
	fx.rental.cost = big.NewInt(8 * deal.Sun)

	outcome, err := fx.pipeline.Run(context.Background(), fx.validated)
	require.NoError(t, err)
	require.Equal(t, "feesaver", outcome.Costs.ResourceMethod)
	require.Equal(t, big.NewInt(8*deal.Sun), outcome.Costs.RentalCostTRX)
	require.Empty(t, fx.funder.sends)
	require.Equal(t, big.NewInt(0), outcome.Costs.FallbackTRX)
}

func TestDisputeRefundSettlesDispute(t *testing.T) {
	fx := newFixture(t, deal.KeyValidationDisputeBuyer, deal.StatusDispute)

	outcome, err := fx.pipeline.Run(context.Background(), fx.validated)
	require.NoError(t, err)
	require.Equal(t, deal.StatusResolved, outcome.TerminalStatus)
	require.Equal(t, []string{"DL-PIPE01"}, fx.settler.settled)
	require.Equal(t, "dispute_refund", outcome.Costs.CompletionType)
}

func TestRecipientBroadcastFailureAborts(t *testing.T) {
	fx := newFixture(t, deal.KeyValidationSellerRelease, deal.StatusWorkSubmitted)
	fx.chain.failUSDTTo[fx.store.deal.SellerPayoutAddress] = true

	_, err := fx.pipeline.Run(context.Background(), fx.validated)
	require.ErrorIs(t, err, tron.ErrBroadcastFailed)

	// The tag clears so the user can retry; no terminal transition ran.
	require.Equal(t, deal.KeyValidationNone, fx.store.pending)
	require.Empty(t, fx.finalizer.calls)
	recent := fx.alerts.Recent(10)
	require.NotEmpty(t, recent)
	require.Equal(t, alerts.SeverityCritical, recent[0].Severity)
}

func TestCommissionFailureDoesNotRollBack(t *testing.T) {
	fx := newFixture(t, deal.KeyValidationSellerRelease, deal.StatusWorkSubmitted)
	fx.chain.failUSDTTo[fx.pipeline.cfg.CommissionWallet.String()] = true

	outcome, err := fx.pipeline.Run(context.Background(), fx.validated)
	require.NoError(t, err)
	require.NotEmpty(t, outcome.PayoutTxID)
	require.Empty(t, outcome.CommissionTxID)
	require.Equal(t, []deal.Status{deal.StatusCompleted}, fx.finalizer.calls)

	var found bool
	for _, a := range fx.alerts.Recent(10) {
		if a.Severity == alerts.SeverityWarning {
			found = true
		}
	}
	require.True(t, found)
}

func commissionLegAmount(t *testing.T, fx *fixture) *big.Int {
	t.Helper()
	for _, tx := range fx.store.txs {
		if tx.Type == deal.TxCommission {
			return tx.Amount
		}
	}
	t.Fatal("no commission transaction recorded")
	return nil
}

func TestDepositSurplusRidesCommissionLeg(t *testing.T) {
	fx := newFixture(t, deal.KeyValidationSellerRelease, deal.StatusWorkSubmitted)

	// The split deposit requirement is 207.50; the fixture balance of 215
	// carries a 7.50 overpayment. It is credited to the service through
	// the commission leg instead of stranding on the multisig.
	outcome, err := fx.pipeline.Run(context.Background(), fx.validated)
	require.NoError(t, err)
	require.NotEmpty(t, outcome.CommissionTxID)
	require.Zero(t, commissionLegAmount(t, fx).Cmp(big.NewInt(22_500_000)),
		"15 commission plus the 7.50 surplus")
}

func TestExactDepositPaysPlainCommission(t *testing.T) {
	fx := newFixture(t, deal.KeyValidationSellerRelease, deal.StatusWorkSubmitted)
	fx.chain.usdtBalance = big.NewInt(207_500_000)

	_, err := fx.pipeline.Run(context.Background(), fx.validated)
	require.NoError(t, err)
	require.Zero(t, commissionLegAmount(t, fx).Cmp(big.NewInt(15 * deal.MicroUSDT)))
}

func TestBalanceBelowNetIsInvariantViolation(t *testing.T) {
	fx := newFixture(t, deal.KeyValidationBuyerRefund, deal.StatusLocked)
	fx.chain.usdtBalance = big.NewInt(10 * deal.MicroUSDT)

	_, err := fx.pipeline.Run(context.Background(), fx.validated)
	require.ErrorIs(t, err, ErrInvariant)
	require.Empty(t, fx.chain.broadcasts)
	require.Empty(t, fx.finalizer.calls)
}

func TestCostAccounting(t *testing.T) {
	fx := newFixture(t, deal.KeyValidationSellerRelease, deal.StatusWorkSubmitted)
	// A prior activation spend is folded into the record.
	fx.store.txs = append(fx.store.txs, deal.Transaction{
		DealID: "DL-PIPE01", Type: deal.TxResource, Asset: "TRX", Amount: big.NewInt(5 * deal.Sun),
	})

	outcome, err := fx.pipeline.Run(context.Background(), fx.validated)
	require.NoError(t, err)
	costs := outcome.Costs
	require.Equal(t, big.NewInt(5*deal.Sun), costs.ActivationTRX)
	require.Equal(t, big.NewInt(30*deal.Sun), costs.FallbackTRX)
	// net = 5 activation + 30 fallback - 24 returned = 11 TRX
	require.Equal(t, big.NewInt(11*deal.Sun), costs.NetTRX)
	require.Equal(t, 0.30, costs.TrxUSD)
	require.InDelta(t, 3.30, costs.TotalUSD, 0.0001)
	require.False(t, costs.PriceStale)
}

func TestUnknownKindRejected(t *testing.T) {
	fx := newFixture(t, deal.KeyValidationSellerRelease, deal.StatusWorkSubmitted)
	fx.validated.Kind = deal.KeyValidationKind("bogus")
	_, err := fx.pipeline.Run(context.Background(), fx.validated)
	require.Error(t, err)
	require.Empty(t, fx.chain.broadcasts)
}
