package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trondeal/crypto"
	"trondeal/native/deal"
	"trondeal/notify"
	"trondeal/tron"
)

type depositStoreStub struct {
	mu       sync.Mutex
	deals    []*deal.Deal
	notified map[string]bool
	txs      []deal.Transaction
}

func (s *depositStoreStub) DealsByStatus(ctx context.Context, statuses ...deal.Status) ([]*deal.Deal, error) {
	out := make([]*deal.Deal, 0, len(s.deals))
	for _, d := range s.deals {
		for _, st := range statuses {
			if d.Status == st {
				out = append(out, d.Clone())
			}
		}
	}
	return out, nil
}

func (s *depositStoreStub) MarkDepositNotified(ctx context.Context, dealID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notified == nil {
		s.notified = make(map[string]bool)
	}
	if s.notified[dealID] {
		return false, nil
	}
	s.notified[dealID] = true
	return true, nil
}

func (s *depositStoreStub) InsertTransaction(ctx context.Context, t deal.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, t)
	return nil
}

func (s *depositStoreStub) UpdateWalletBalances(ctx context.Context, dealID string, trx, usdt *big.Int) error {
	return nil
}

const usdtTestContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

type chainStub struct {
	transfers map[string][]tron.TRC20Transfer
	active    map[string]bool
	contract  crypto.Address
	err       error
}

func (c *chainStub) USDTContract() crypto.Address { return c.contract }

func (c *chainStub) Account(ctx context.Context, addr crypto.Address) (*tron.AccountInfo, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &tron.AccountInfo{Exists: c.active[addr.String()], BalanceSun: big.NewInt(0)}, nil
}

func (c *chainStub) InboundUSDTTransfers(ctx context.Context, addr crypto.Address, limit int) ([]tron.TRC20Transfer, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.transfers[addr.String()], nil
}

type funderStub struct {
	mu    sync.Mutex
	sends []string
	fail  bool
}

func (f *funderStub) SendTRX(ctx context.Context, to crypto.Address, amountSun *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("broadcast refused")
	}
	f.sends = append(f.sends, to.String())
	return fmt.Sprintf("act-%d", len(f.sends)), nil
}

type lockerStub struct {
	mu     sync.Mutex
	locked map[string]string
	err    error
}

func (l *lockerStub) MarkLocked(ctx context.Context, dealID, txHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	if l.locked == nil {
		l.locked = make(map[string]string)
	}
	l.locked[dealID] = txHash
	return nil
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []int64
}

func (n *noticeRecorder) SendMain(ctx context.Context, userID int64, msg notify.Message) (int64, error) {
	return 1, nil
}

func (n *noticeRecorder) SendNotification(ctx context.Context, userID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, userID)
	return nil
}

func (n *noticeRecorder) DeleteUserMessage(ctx context.Context, userID, messageID int64) error {
	return nil
}

func awaitingDeal(t *testing.T) *deal.Deal {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	amount := big.NewInt(100 * deal.MicroUSDT)
	return &deal.Deal{
		ID:              "DL-DEP001",
		BuyerID:         100,
		SellerID:        200,
		Amount:          amount,
		Commission:      deal.Commission(amount),
		CommissionPayer: deal.PayerBuyer,
		Status:          deal.StatusAwaitingDeposit,
		MultisigAddress: key.Address().String(),
	}
}

func depositFixture(t *testing.T, d *deal.Deal) (*DepositMonitor, *depositStoreStub, *chainStub, *funderStub, *lockerStub, *noticeRecorder) {
	t.Helper()
	store := &depositStoreStub{deals: []*deal.Deal{d}}
	contract, err := crypto.DecodeAddress(usdtTestContract)
	require.NoError(t, err)
	chain := &chainStub{transfers: map[string][]tron.TRC20Transfer{}, active: map[string]bool{}, contract: contract}
	funder := &funderStub{}
	locker := &lockerStub{}
	notifier := &noticeRecorder{}
	m := NewDepositMonitor(DepositConfig{Interval: time.Minute, BatchPause: time.Millisecond},
		store, chain, funder, locker, notifier, nil, nil)
	return m, store, chain, funder, locker, notifier
}

func TestDepositAcceptedWithinTolerance(t *testing.T) {
	d := awaitingDeal(t)
	m, store, chain, _, locker, notifier := depositFixture(t, d)
	chain.active[d.MultisigAddress] = true

	// Required is 115 USDT (amount + buyer commission); 113 is within the
	// 2 USDT tolerance.
	chain.transfers[d.MultisigAddress] = []tron.TRC20Transfer{{
		TxID:          "tx-under",
		TokenContract: usdtTestContract,
		To:            d.MultisigAddress,
		Amount:        big.NewInt(113 * deal.MicroUSDT),
	}}
	m.Tick(context.Background())

	require.Equal(t, "tx-under", locker.locked[d.ID])
	require.Len(t, store.txs, 1)
	require.Equal(t, deal.TxDeposit, store.txs[0].Type)
	require.ElementsMatch(t, []int64{100, 200}, notifier.notices)
}

func TestDepositBelowToleranceIgnored(t *testing.T) {
	d := awaitingDeal(t)
	m, store, chain, _, locker, notifier := depositFixture(t, d)

	chain.transfers[d.MultisigAddress] = []tron.TRC20Transfer{{
		TxID:          "tx-short",
		TokenContract: usdtTestContract,
		To:            d.MultisigAddress,
		Amount:        big.NewInt(112 * deal.MicroUSDT),
	}}
	m.Tick(context.Background())

	require.Empty(t, locker.locked)
	require.Empty(t, store.txs)
	require.Empty(t, notifier.notices)
}

func TestForeignTokenTransferIgnored(t *testing.T) {
	d := awaitingDeal(t)
	m, store, chain, _, locker, notifier := depositFixture(t, d)

	// A fake token sent to the multisig must never lock the deal, even
	// when the amount lines up.
	chain.transfers[d.MultisigAddress] = []tron.TRC20Transfer{{
		TxID:          "tx-fake-token",
		TokenContract: "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf",
		To:            d.MultisigAddress,
		Amount:        big.NewInt(115 * deal.MicroUSDT),
	}}
	m.Tick(context.Background())

	require.Empty(t, locker.locked)
	require.Empty(t, store.txs)
	require.Empty(t, notifier.notices)
}

func TestDepositNotifiesAtMostOnce(t *testing.T) {
	d := awaitingDeal(t)
	m, _, chain, _, _, notifier := depositFixture(t, d)
	chain.active[d.MultisigAddress] = true
	chain.transfers[d.MultisigAddress] = []tron.TRC20Transfer{{
		TxID:          "tx-full",
		TokenContract: usdtTestContract,
		To:            d.MultisigAddress,
		Amount:        big.NewInt(115 * deal.MicroUSDT),
	}}

	ctx := context.Background()
	m.Tick(ctx)
	m.Tick(ctx)
	require.Len(t, notifier.notices, 2)
}

func TestInactiveMultisigGetsActivationTRX(t *testing.T) {
	d := awaitingDeal(t)
	m, store, chain, funder, _, _ := depositFixture(t, d)
	chain.transfers[d.MultisigAddress] = []tron.TRC20Transfer{{
		TxID:          "tx-full",
		TokenContract: usdtTestContract,
		To:            d.MultisigAddress,
		Amount:        big.NewInt(115 * deal.MicroUSDT),
	}}

	m.Tick(context.Background())

	require.Equal(t, []string{d.MultisigAddress}, funder.sends)
	var resource int
	for _, tx := range store.txs {
		if tx.Type == deal.TxResource {
			resource++
			require.Equal(t, big.NewInt(5*deal.Sun), tx.Amount)
		}
	}
	require.Equal(t, 1, resource)
}

func TestStatusConflictIsNotAnError(t *testing.T) {
	d := awaitingDeal(t)
	m, store, chain, _, locker, notifier := depositFixture(t, d)
	locker.err = deal.ErrStatusConflict
	chain.transfers[d.MultisigAddress] = []tron.TRC20Transfer{{
		TxID:          "tx-race",
		TokenContract: usdtTestContract,
		To:            d.MultisigAddress,
		Amount:        big.NewInt(115 * deal.MicroUSDT),
	}}

	m.Tick(context.Background())
	require.Empty(t, store.txs)
	require.Empty(t, notifier.notices)
}

func TestChainOutageAbortsSweep(t *testing.T) {
	d := awaitingDeal(t)
	m, store, chain, _, locker, _ := depositFixture(t, d)
	chain.err = fmt.Errorf("%w: tron", tron.ErrServiceUnavailable)

	m.Tick(context.Background())
	require.Empty(t, locker.locked)
	require.Empty(t, store.txs)
}

func TestBoundedSetEvictsOldest(t *testing.T) {
	s := newBoundedSet(3)
	require.True(t, s.Add("a"))
	require.True(t, s.Add("b"))
	require.True(t, s.Add("c"))
	require.False(t, s.Add("a"))
	require.True(t, s.Add("d"))
	require.False(t, s.Contains("a"))
	require.True(t, s.Contains("d"))
	require.Equal(t, 3, s.Len())

	s.Remove("b")
	require.False(t, s.Contains("b"))
	require.Equal(t, 2, s.Len())
}
