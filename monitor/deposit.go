package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"trondeal/alerts"
	"trondeal/crypto"
	"trondeal/native/deal"
	"trondeal/notify"
	"trondeal/tron"
)

const (
	defaultBatchSize  = 5
	defaultBatchPause = 2 * time.Second
	dedupSetCap       = 1000
)

// DepositStore is the persistence surface the deposit monitor reads and
// writes.
type DepositStore interface {
	DealsByStatus(ctx context.Context, statuses ...deal.Status) ([]*deal.Deal, error)
	MarkDepositNotified(ctx context.Context, dealID string) (bool, error)
	InsertTransaction(ctx context.Context, t deal.Transaction) error
	UpdateWalletBalances(ctx context.Context, dealID string, trx, usdt *big.Int) error
}

// Chain is the subset of the node client the monitors need.
type Chain interface {
	Account(ctx context.Context, addr crypto.Address) (*tron.AccountInfo, error)
	InboundUSDTTransfers(ctx context.Context, addr crypto.Address, limit int) ([]tron.TRC20Transfer, error)
	USDTContract() crypto.Address
}

// Funder sends TRX from the service's funding wallet, used for multisig
// activation.
type Funder interface {
	SendTRX(ctx context.Context, to crypto.Address, amountSun *big.Int) (string, error)
}

// Locker applies the deposit-confirmed transition. Satisfied by the deal
// engine.
type Locker interface {
	MarkLocked(ctx context.Context, dealID, depositTxHash string) error
}

// DepositConfig tunes the polling loop.
type DepositConfig struct {
	Interval   time.Duration
	BatchSize  int
	BatchPause time.Duration
	// ActivationSun is the TRX sent to activate a fresh multisig account.
	ActivationSun *big.Int
	// OnSweep fires after every completed sweep, for metrics.
	OnSweep func()
	// OnDeposit fires once per deal whose deposit is accepted.
	OnDeposit func()
}

func (c *DepositConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchPause <= 0 {
		c.BatchPause = defaultBatchPause
	}
	if c.ActivationSun == nil || c.ActivationSun.Sign() <= 0 {
		c.ActivationSun = big.NewInt(5 * deal.Sun)
	}
}

// DepositMonitor polls the chain for inbound USDT on every deal awaiting a
// deposit and locks the deal when an acceptable transfer lands. RPC errors
// are absorbed by the breaker; a failed check never transitions a deal.
type DepositMonitor struct {
	cfg      DepositConfig
	store    DepositStore
	chain    Chain
	funder   Funder
	locker   Locker
	notifier notify.Notifier
	alerts   *alerts.Service
	logger   *slog.Logger
	nowFn    func() time.Time

	// isChecking makes overlapping ticks skip instead of queueing.
	isChecking atomic.Bool
	// notifiedDeals is the in-process dedup layer over the durable latch.
	notifiedDeals *boundedSet
}

func NewDepositMonitor(cfg DepositConfig, store DepositStore, chain Chain, funder Funder, locker Locker, notifier notify.Notifier, alertSvc *alerts.Service, logger *slog.Logger) *DepositMonitor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &DepositMonitor{
		cfg:           cfg,
		store:         store,
		chain:         chain,
		funder:        funder,
		locker:        locker,
		notifier:      notifier,
		alerts:        alertSvc,
		logger:        logger.With("component", "deposit-monitor"),
		nowFn:         time.Now,
		notifiedDeals: newBoundedSet(dedupSetCap),
	}
}

// SetNowFunc overrides the monitor clock for deterministic tests.
func (m *DepositMonitor) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	m.nowFn = now
}

// Run polls until the context is cancelled.
func (m *DepositMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one sweep. Concurrent ticks are skipped, not queued.
func (m *DepositMonitor) Tick(ctx context.Context) {
	if !m.isChecking.CompareAndSwap(false, true) {
		m.logger.Debug("previous sweep still running, skipping tick")
		return
	}
	defer m.isChecking.Store(false)
	if m.cfg.OnSweep != nil {
		defer m.cfg.OnSweep()
	}

	deals, err := m.store.DealsByStatus(ctx, deal.StatusAwaitingDeposit)
	if err != nil {
		m.logger.Error("list awaiting deals", "error", err)
		return
	}
	for i, d := range deals {
		if i > 0 && i%m.cfg.BatchSize == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.BatchPause):
			}
		}
		if err := m.checkDeal(ctx, d); err != nil {
			if errors.Is(err, tron.ErrServiceUnavailable) {
				m.logger.Warn("chain unavailable, aborting sweep", "deal", d.ID)
				return
			}
			m.logger.Error("deposit check failed", "deal", d.ID, "error", err)
		}
	}
}

func (m *DepositMonitor) checkDeal(ctx context.Context, d *deal.Deal) error {
	addr, err := crypto.DecodeAddress(d.MultisigAddress)
	if err != nil {
		return fmt.Errorf("monitor: multisig address of %s: %w", d.ID, err)
	}
	transfers, err := m.chain.InboundUSDTTransfers(ctx, addr, 20)
	if err != nil {
		return err
	}
	required := d.DepositRequired()
	usdt := m.chain.USDTContract().String()
	var accepted *tron.TRC20Transfer
	for i := range transfers {
		tr := transfers[i]
		if tr.To != d.MultisigAddress {
			continue
		}
		// Only transfers of the configured USDT contract count, whatever
		// the indexer returned.
		if tr.TokenContract != usdt {
			m.logger.Warn("transfer from unexpected token contract ignored",
				"deal", d.ID, "tx", tr.TxID, "contract", tr.TokenContract)
			continue
		}
		if deal.DepositAcceptable(tr.Amount, required) {
			accepted = &tr
			break
		}
		m.logger.Debug("deposit below tolerance ignored",
			"deal", d.ID, "received", tr.Amount.String(), "required", required.String())
	}
	if accepted == nil {
		return nil
	}

	if err := m.locker.MarkLocked(ctx, d.ID, accepted.TxID); err != nil {
		if errors.Is(err, deal.ErrStatusConflict) {
			// Another sweep or an operator got there first.
			return nil
		}
		return err
	}
	m.logger.Info("deposit locked", "deal", d.ID, "tx", accepted.TxID, "amount", accepted.Amount.String())
	if m.cfg.OnDeposit != nil {
		m.cfg.OnDeposit()
	}

	if err := m.store.InsertTransaction(ctx, deal.Transaction{
		DealID:    d.ID,
		Type:      deal.TxDeposit,
		Asset:     "USDT",
		Amount:    accepted.Amount,
		TxHash:    accepted.TxID,
		FromAddr:  accepted.From,
		ToAddr:    accepted.To,
		Status:    "confirmed",
		CreatedAt: m.nowFn().UTC(),
	}); err != nil {
		m.logger.Error("record deposit transaction", "deal", d.ID, "error", err)
	}
	if err := m.store.UpdateWalletBalances(ctx, d.ID, nil, accepted.Amount); err != nil {
		m.logger.Error("update wallet balances", "deal", d.ID, "error", err)
	}

	m.ensureActivated(ctx, d, addr)
	m.notifyLocked(ctx, d, accepted)
	return nil
}

// ensureActivated sends the activation TRX when the multisig account has
// never appeared on-chain. TRC20 transfers credit inactive accounts, so the
// payout later needs the account live.
func (m *DepositMonitor) ensureActivated(ctx context.Context, d *deal.Deal, addr crypto.Address) {
	info, err := m.chain.Account(ctx, addr)
	if err != nil {
		m.logger.Warn("activation check failed", "deal", d.ID, "error", err)
		return
	}
	if info.Exists {
		return
	}
	txID, err := m.funder.SendTRX(ctx, addr, m.cfg.ActivationSun)
	if err != nil {
		m.logger.Error("multisig activation failed", "deal", d.ID, "error", err)
		if m.alerts != nil {
			m.alerts.Alert(alerts.SeverityWarning, "deposit-monitor",
				"multisig activation failed", map[string]any{"deal": d.ID, "error": err.Error()})
		}
		return
	}
	m.logger.Info("multisig activated", "deal", d.ID, "tx", txID, "sun", m.cfg.ActivationSun.String())
	if err := m.store.InsertTransaction(ctx, deal.Transaction{
		DealID:    d.ID,
		Type:      deal.TxResource,
		Asset:     "TRX",
		Amount:    m.cfg.ActivationSun,
		TxHash:    txID,
		ToAddr:    d.MultisigAddress,
		Status:    "broadcast",
		CreatedAt: m.nowFn().UTC(),
	}); err != nil {
		m.logger.Error("record activation transaction", "deal", d.ID, "error", err)
	}
}

// notifyLocked emits the one-shot "deposit received" notices. The durable
// latch flips before any send; a delivery failure costs at most one notice
// and never produces a duplicate.
func (m *DepositMonitor) notifyLocked(ctx context.Context, d *deal.Deal, tr *tron.TRC20Transfer) {
	if !m.notifiedDeals.Add(d.ID) {
		return
	}
	won, err := m.store.MarkDepositNotified(ctx, d.ID)
	if err != nil {
		m.logger.Error("deposit latch", "deal", d.ID, "error", err)
		return
	}
	if !won {
		return
	}
	text := fmt.Sprintf("Deposit of %s USDT received for deal %s. Funds are locked; the seller may begin work.",
		deal.FormatUSDT(tr.Amount), d.ID)
	for _, uid := range []int64{d.BuyerID, d.SellerID} {
		if err := m.notifier.SendNotification(ctx, uid, text); err != nil {
			m.logger.Warn("deposit notice failed", "deal", d.ID, "user", uid, "error", err)
		}
	}
}
