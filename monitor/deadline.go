package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"trondeal/native/deal"
	"trondeal/notify"
	"trondeal/payout"
)

// GracePeriod separates the expiration notice from the key-validated
// resolution, giving counterparties human response time before funds move.
const GracePeriod = 12 * time.Hour

// DeadlineStore is the persistence surface the deadline monitor needs.
type DeadlineStore interface {
	payout.ValidationStore
	ExpiredDeals(ctx context.Context, now time.Time) ([]*deal.Deal, error)
	MarkDeadlineNotified(ctx context.Context, dealID string) (bool, error)
}

// DeadlineConfig tunes the sweep loop.
type DeadlineConfig struct {
	Interval   time.Duration
	Grace      time.Duration
	BatchSize  int
	BatchPause time.Duration
	// OnSweep fires after every completed sweep, for metrics.
	OnSweep func()
}

func (c *DeadlineConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = GracePeriod
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchPause <= 0 {
		c.BatchPause = defaultBatchPause
	}
}

// DeadlineMonitor sweeps funded deals past their deadline: a one-shot
// expiration notice first, then after the grace window a key-validation
// prompt for the side the timeout favours. It never signs anything itself;
// funds move only once the user supplies the matching key.
type DeadlineMonitor struct {
	cfg      DeadlineConfig
	store    DeadlineStore
	sessions payout.SessionStore
	notifier notify.Notifier
	logger   *slog.Logger
	nowFn    func() time.Time

	isChecking atomic.Bool
	// refundingDeals tracks deals whose key prompt is in flight so a slow
	// payout cannot be re-triggered mid-execution.
	refundingDeals *boundedSet
}

func NewDeadlineMonitor(cfg DeadlineConfig, store DeadlineStore, sessions payout.SessionStore, notifier notify.Notifier, logger *slog.Logger) *DeadlineMonitor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadlineMonitor{
		cfg:            cfg,
		store:          store,
		sessions:       sessions,
		notifier:       notifier,
		logger:         logger.With("component", "deadline-monitor"),
		nowFn:          time.Now,
		refundingDeals: newBoundedSet(dedupSetCap),
	}
}

// SetNowFunc overrides the monitor clock for deterministic tests.
func (m *DeadlineMonitor) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	m.nowFn = now
}

// Release drops a deal from the in-flight set once its payout settles or
// aborts, so a later retry can prompt again.
func (m *DeadlineMonitor) Release(dealID string) {
	m.refundingDeals.Remove(dealID)
}

// Run sweeps until the context is cancelled.
func (m *DeadlineMonitor) Run(ctx context.Context) {
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
func (m *DeadlineMonitor) Tick(ctx context.Context) {
	if !m.isChecking.CompareAndSwap(false, true) {
		m.logger.Debug("previous sweep still running, skipping tick")
		return
	}
	defer m.isChecking.Store(false)
	if m.cfg.OnSweep != nil {
		defer m.cfg.OnSweep()
	}

	now := m.nowFn().UTC()
	deals, err := m.store.ExpiredDeals(ctx, now)
	if err != nil {
		m.logger.Error("list expired deals", "error", err)
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
		m.handleExpired(ctx, d, now)
	}
}

func (m *DeadlineMonitor) handleExpired(ctx context.Context, d *deal.Deal, now time.Time) {
	if !d.DeadlineNotified {
		m.sendExpirationNotice(ctx, d)
	}
	if now.Sub(d.Deadline) < m.cfg.Grace {
		return
	}
	if d.PendingKeyValidation != deal.KeyValidationNone {
		return
	}
	if !m.refundingDeals.Add(d.ID) {
		return
	}
	kind := deal.KeyValidationBuyerRefund
	if d.Status == deal.StatusWorkSubmitted {
		kind = deal.KeyValidationSellerRelease
	}
	if err := payout.RequestKeyValidation(ctx, m.store, m.sessions, m.notifier, d, kind, now); err != nil {
		m.logger.Error("key validation request failed", "deal", d.ID, "kind", string(kind), "error", err)
		m.refundingDeals.Remove(d.ID)
		return
	}
	m.logger.Info("grace elapsed, key validation requested", "deal", d.ID, "kind", string(kind))
}

// sendExpirationNotice flips the durable latch first; a delivery failure is
// logged and never retried, trading a missed notice for a guaranteed
// no-duplicate.
func (m *DeadlineMonitor) sendExpirationNotice(ctx context.Context, d *deal.Deal) {
	won, err := m.store.MarkDeadlineNotified(ctx, d.ID)
	if err != nil {
		m.logger.Error("deadline latch", "deal", d.ID, "error", err)
		return
	}
	if !won {
		return
	}
	d.DeadlineNotified = true
	buyerText := fmt.Sprintf("Deal %s has passed its deadline. You can confirm the work or open a dispute.", d.ID)
	sellerText := fmt.Sprintf("Deal %s has passed its deadline. Submit the work or open a dispute.", d.ID)
	if err := m.notifier.SendNotification(ctx, d.BuyerID, buyerText); err != nil {
		m.logger.Warn("expiration notice failed", "deal", d.ID, "user", d.BuyerID, "error", err)
	}
	if err := m.notifier.SendNotification(ctx, d.SellerID, sellerText); err != nil {
		m.logger.Warn("expiration notice failed", "deal", d.ID, "user", d.SellerID, "error", err)
	}
}
