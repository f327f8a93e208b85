package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"trondeal/alerts"
	"trondeal/crypto"
	"trondeal/energy"
	"trondeal/native/deal"
	"trondeal/notify"
	"trondeal/pricefeed"
	"trondeal/tron"
)

// ErrInvariant flags a monetary precondition violation that must not be
// papered over automatically.
var ErrInvariant = errors.New("payout: invariant violation")

// Chain is the node-client surface the pipeline drives.
type Chain interface {
	Account(ctx context.Context, addr crypto.Address) (*tron.AccountInfo, error)
	USDTBalance(ctx context.Context, addr crypto.Address) (*big.Int, error)
	BuildTRXTransfer(ctx context.Context, from, to crypto.Address, amountSun *big.Int) (*tron.Transaction, error)
	BuildUSDTTransfer(ctx context.Context, owner, to crypto.Address, amount *big.Int) (*tron.Transaction, error)
	Broadcast(ctx context.Context, tx *tron.Transaction) (string, error)
}

// Funder sends TRX from the arbiter wallet for activation and fallback.
type Funder interface {
	Address() crypto.Address
	SendTRX(ctx context.Context, to crypto.Address, amountSun *big.Int) (string, error)
}

// Store is the persistence surface of the pipeline.
type Store interface {
	ValidationStore
	InsertTransaction(ctx context.Context, t deal.Transaction) error
	TransactionsByDeal(ctx context.Context, dealID string) ([]deal.Transaction, error)
}

// Finalizer applies the terminal transition paired with the cost record.
// Satisfied by the deal engine.
type Finalizer interface {
	Finalize(ctx context.Context, dealID string, from []deal.Status, to deal.Status, payoutTxHash string, costs *deal.OperationalCosts, note string) error
}

// Settler flips the dispute record to resolved after a dispute payout.
// Satisfied by the dispute engine.
type Settler interface {
	Settle(ctx context.Context, dealID string) error
}

// Config tunes pipeline behaviour.
type Config struct {
	CommissionWallet crypto.Address
	// FallbackSun is the TRX budget sent to the multisig when energy
	// rental is unavailable.
	FallbackSun *big.Int
	// SweepReserveSun stays on the multisig after the sweep.
	SweepReserveSun *big.Int
	// SettleWait follows the fallback TRX send.
	SettleWait time.Duration
	// SweepWait precedes the balance query for the sweep.
	SweepWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.FallbackSun == nil || c.FallbackSun.Sign() <= 0 {
		c.FallbackSun = big.NewInt(30 * deal.Sun)
	}
	if c.SweepReserveSun == nil || c.SweepReserveSun.Sign() <= 0 {
		c.SweepReserveSun = big.NewInt(1 * deal.Sun)
	}
	if c.SettleWait <= 0 {
		c.SettleWait = 5 * time.Second
	}
	if c.SweepWait <= 0 {
		c.SweepWait = 10 * time.Second
	}
}

// Pipeline settles a deal once per validated key: provisions energy, moves
// the USDT, sweeps leftover TRX and writes the cost record with the
// terminal transition.
type Pipeline struct {
	cfg        Config
	store      Store
	chain      Chain
	funder     Funder
	rental     energy.Provider
	prices     *pricefeed.Feed
	finalizer  Finalizer
	settler    Settler
	notifier   notify.Notifier
	alerts     *alerts.Service
	arbiterKey *crypto.PrivateKey
	logger     *slog.Logger
	nowFn      func() time.Time
	sleepFn    func(ctx context.Context, d time.Duration)
}

func NewPipeline(cfg Config, store Store, chain Chain, funder Funder, rental energy.Provider, prices *pricefeed.Feed, finalizer Finalizer, settler Settler, notifier notify.Notifier, alertSvc *alerts.Service, arbiterKey *crypto.PrivateKey, logger *slog.Logger) *Pipeline {
	cfg.applyDefaults()
	if rental == nil {
		rental = energy.Disabled{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:        cfg,
		store:      store,
		chain:      chain,
		funder:     funder,
		rental:     rental,
		prices:     prices,
		finalizer:  finalizer,
		settler:    settler,
		notifier:   notifier,
		alerts:     alertSvc,
		arbiterKey: arbiterKey,
		logger:     logger.With("component", "payout-pipeline"),
		nowFn:      time.Now,
		sleepFn:    sleepCtx,
	}
}

// SetNowFunc overrides the pipeline clock for deterministic tests.
func (p *Pipeline) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	p.nowFn = now
}

// SetSleepFunc overrides the settle waits, so tests run instantly.
func (p *Pipeline) SetSleepFunc(fn func(ctx context.Context, d time.Duration)) {
	if fn == nil {
		fn = sleepCtx
	}
	p.sleepFn = fn
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Outcome reports what the pipeline did.
type Outcome struct {
	TerminalStatus deal.Status
	PayoutTxID     string
	CommissionTxID string
	SweepTxID      string
	Costs          *deal.OperationalCosts
}

// plan maps the key-validation kind onto terminal semantics.
type plan struct {
	role     deal.Role
	txType   deal.TransactionType
	terminal deal.Status
	from     []deal.Status
	label    string
}

func planFor(kind deal.KeyValidationKind, status deal.Status) (plan, error) {
	switch kind {
	case deal.KeyValidationBuyerRefund:
		return plan{deal.RoleBuyer, deal.TxRefund, deal.StatusExpired,
			[]deal.Status{deal.StatusLocked, deal.StatusInProgress}, "timeout_refund"}, nil
	case deal.KeyValidationSellerRelease:
		return plan{deal.RoleSeller, deal.TxPayout, deal.StatusCompleted,
			[]deal.Status{deal.StatusWorkSubmitted}, "timeout_release"}, nil
	case deal.KeyValidationDisputeBuyer:
		return plan{deal.RoleBuyer, deal.TxRefund, deal.StatusResolved,
			[]deal.Status{deal.StatusDispute}, "dispute_refund"}, nil
	case deal.KeyValidationDisputeSeller:
		return plan{deal.RoleSeller, deal.TxPayout, deal.StatusResolved,
			[]deal.Status{deal.StatusDispute}, "dispute_release"}, nil
	default:
		return plan{}, fmt.Errorf("payout: unknown key validation kind %q (deal status %s)", kind, status)
	}
}

// Run executes the settlement for a validated key. The recipient leg must
// clear or the whole run aborts with the deal unchanged; the commission leg
// and the sweep are best-effort and only alert on failure.
func (p *Pipeline) Run(ctx context.Context, v *Validated) (*Outcome, error) {
	d := v.Deal
	pl, err := planFor(v.Kind, d.Status)
	if err != nil {
		return nil, err
	}
	logger := p.logger.With("deal", d.ID, "completion", pl.label)

	wallet, err := p.store.GetWallet(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	multisig, err := crypto.DecodeAddress(wallet.Address)
	if err != nil {
		return nil, fmt.Errorf("payout: multisig address: %w", err)
	}
	recipient, err := crypto.DecodeAddress(d.PayoutAddress(pl.role))
	if err != nil {
		return nil, fmt.Errorf("payout: recipient address: %w", err)
	}
	net := d.PayoutFor(pl.role)
	commission := new(big.Int).Set(d.Commission)

	// Funds sanity check before anything irreversible.
	balance, err := p.chain.USDTBalance(ctx, multisig)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(net) < 0 {
		p.alert(alerts.SeverityCritical, "multisig balance below owed amount", map[string]any{
			"deal": d.ID, "balance": balance.String(), "net": net.String(),
		})
		return nil, fmt.Errorf("%w: balance %s below net %s on deal %s", ErrInvariant, balance, net, d.ID)
	}
	if new(big.Int).Sub(balance, net).Cmp(commission) < 0 {
		// The recipient is still paid in full; the commission leg will
		// fail on its own and is surfaced below.
		p.alert(alerts.SeverityWarning, "multisig balance cannot cover commission", map[string]any{
			"deal": d.ID, "balance": balance.String(), "commission": commission.String(),
		})
	} else if surplus := new(big.Int).Sub(new(big.Int).Sub(balance, net), commission); surplus.Sign() > 0 {
		// Accepted overpayments are credited to the service: the surplus
		// rides the commission leg so no USDT strands on the multisig.
		commission.Add(commission, surplus)
		logger.Info("deposit surplus credited to service", "surplus", deal.FormatUSDT(surplus))
	}

	costs := &deal.OperationalCosts{
		ActivationTRX:  big.NewInt(0),
		ActivationFee:  big.NewInt(0),
		FallbackTRX:    big.NewInt(0),
		FallbackFee:    big.NewInt(0),
		RentalCostTRX:  big.NewInt(0),
		ReturnedTRX:    big.NewInt(0),
		NetTRX:         big.NewInt(0),
		CompletionType: pl.label,
	}
	p.loadActivationCosts(ctx, d.ID, costs)

	// Step 1: resource provisioning. Rental preferred; TRX fallback
	// otherwise. Energy is consumed per contract call, so this precedes
	// both USDT legs.
	if cost, err := p.rental.Rent(ctx, multisig, 0); err == nil {
		costs.ResourceMethod = "feesaver"
		costs.RentalCostTRX = cost
		logger.Info("energy rented", "cost_sun", cost.String())
	} else {
		if !errors.Is(err, energy.ErrRentalUnavailable) {
			logger.Warn("energy rental error", "error", err)
		}
		costs.ResourceMethod = "trx"
		txID, err := p.funder.SendTRX(ctx, multisig, p.cfg.FallbackSun)
		if err != nil {
			return nil, fmt.Errorf("payout: fallback trx funding: %w", err)
		}
		costs.FallbackTRX = new(big.Int).Set(p.cfg.FallbackSun)
		p.recordTx(ctx, d.ID, deal.TxResource, "TRX", p.cfg.FallbackSun, txID, "", wallet.Address)
		logger.Info("fallback trx sent", "tx", txID, "sun", p.cfg.FallbackSun.String())
		p.sleepFn(ctx, p.cfg.SettleWait)
	}

	// Step 2: recipient leg, 2-of-3 signed. A broadcast failure aborts
	// the run, clears the pending tag so the user can retry, and pages
	// support; the deal state stays untouched.
	payoutTxID, err := p.transferUSDT(ctx, multisig, recipient, net, v.Key)
	if err != nil {
		if clearErr := p.store.ClearPendingKeyValidation(ctx, d.ID); clearErr != nil {
			logger.Error("clear pending validation after abort", "error", clearErr)
		}
		p.alert(alerts.SeverityCritical, "recipient payout broadcast failed", map[string]any{
			"deal": d.ID, "error": err.Error(),
		})
		return nil, fmt.Errorf("payout: recipient leg: %w", err)
	}
	p.recordTx(ctx, d.ID, pl.txType, "USDT", net, payoutTxID, wallet.Address, d.PayoutAddress(pl.role))
	logger.Info("recipient paid", "tx", payoutTxID, "amount", deal.FormatUSDT(net))

	// Step 3: commission leg. Never rolls back a paid recipient.
	outcome := &Outcome{TerminalStatus: pl.terminal, PayoutTxID: payoutTxID, Costs: costs}
	if commission.Sign() > 0 {
		commissionTxID, err := p.transferUSDT(ctx, multisig, p.cfg.CommissionWallet, commission, v.Key)
		if err != nil {
			logger.Error("commission leg failed", "error", err)
			p.alert(alerts.SeverityWarning, "commission transfer failed", map[string]any{
				"deal": d.ID, "commission": commission.String(), "error": err.Error(),
			})
		} else {
			outcome.CommissionTxID = commissionTxID
			p.recordTx(ctx, d.ID, deal.TxCommission, "USDT", commission, commissionTxID, wallet.Address, p.cfg.CommissionWallet.String())
			logger.Info("commission paid", "tx", commissionTxID, "amount", deal.FormatUSDT(commission))
		}
	}

	// Step 4: TRX sweep after the fee-consuming legs are done.
	p.sleepFn(ctx, p.cfg.SweepWait)
	outcome.SweepTxID = p.sweepTRX(ctx, d.ID, wallet, multisig, costs, logger)

	// Step 5+6: cost record and terminal transition commit together.
	p.finishCosts(ctx, costs)
	if err := p.finalizer.Finalize(ctx, d.ID, pl.from, pl.terminal, payoutTxID, costs, pl.label); err != nil {
		p.alert(alerts.SeverityCritical, "terminal transition failed after payout", map[string]any{
			"deal": d.ID, "target": string(pl.terminal), "error": err.Error(),
		})
		return outcome, err
	}
	if pl.terminal == deal.StatusResolved && p.settler != nil {
		if err := p.settler.Settle(ctx, d.ID); err != nil {
			logger.Error("dispute settle failed", "error", err)
		}
	}
	p.notifyDone(ctx, d, pl, payoutTxID)
	return outcome, nil
}

// transferUSDT builds, multisigns and broadcasts one TRC20 transfer from
// the multisig account.
func (p *Pipeline) transferUSDT(ctx context.Context, multisig, to crypto.Address, amount *big.Int, recipientKey *crypto.PrivateKey) (string, error) {
	tx, err := p.chain.BuildUSDTTransfer(ctx, multisig, to, amount)
	if err != nil {
		return "", err
	}
	if err := tx.Multisign(p.arbiterKey, recipientKey); err != nil {
		return "", err
	}
	return p.chain.Broadcast(ctx, tx)
}

// sweepTRX returns leftover TRX above the reserve to the arbiter, signed
// with the wallet's own key. Failures alert and leave the terminal path
// untouched.
func (p *Pipeline) sweepTRX(ctx context.Context, dealID string, wallet *deal.MultisigWallet, multisig crypto.Address, costs *deal.OperationalCosts, logger *slog.Logger) string {
	info, err := p.chain.Account(ctx, multisig)
	if err != nil {
		logger.Warn("sweep balance query failed", "error", err)
		return ""
	}
	excess := new(big.Int).Sub(info.BalanceSun, p.cfg.SweepReserveSun)
	if excess.Sign() <= 0 {
		return ""
	}
	walletKey, err := crypto.PrivateKeyFromHex(wallet.WalletKeyHex)
	if err != nil {
		logger.Error("wallet key unusable for sweep", "error", err)
		return ""
	}
	tx, err := p.chain.BuildTRXTransfer(ctx, multisig, p.funder.Address(), excess)
	if err != nil {
		logger.Warn("sweep build failed", "error", err)
		return ""
	}
	if err := tx.Sign(walletKey); err != nil {
		logger.Error("sweep sign failed", "error", err)
		return ""
	}
	txID, err := p.chain.Broadcast(ctx, tx)
	if err != nil {
		logger.Warn("sweep broadcast failed", "error", err)
		p.alert(alerts.SeverityWarning, "trx sweep failed", map[string]any{
			"deal": dealID, "excess_sun": excess.String(), "error": err.Error(),
		})
		return ""
	}
	costs.ReturnedTRX = excess
	p.recordTx(ctx, dealID, deal.TxResource, "TRX", excess, txID, wallet.Address, p.funder.Address().String())
	logger.Info("trx swept", "tx", txID, "sun", excess.String())
	return txID
}

// loadActivationCosts folds previously recorded resource spends (the
// activation send from the deposit monitor) into the cost record.
func (p *Pipeline) loadActivationCosts(ctx context.Context, dealID string, costs *deal.OperationalCosts) {
	txs, err := p.store.TransactionsByDeal(ctx, dealID)
	if err != nil {
		p.logger.Warn("load prior resource spends", "deal", dealID, "error", err)
		return
	}
	for _, t := range txs {
		if t.Type == deal.TxResource && t.Asset == "TRX" && t.Amount != nil {
			costs.ActivationTRX = new(big.Int).Add(costs.ActivationTRX, t.Amount)
		}
	}
}

// finishCosts prices the net TRX spend in USD. A stale or fallback quote is
// flagged, never fatal.
func (p *Pipeline) finishCosts(ctx context.Context, costs *deal.OperationalCosts) {
	spent := new(big.Int).Add(costs.ActivationTRX, costs.FallbackTRX)
	spent.Add(spent, costs.RentalCostTRX)
	costs.NetTRX = new(big.Int).Sub(spent, costs.ReturnedTRX)

	quote := p.prices.Current(ctx)
	costs.TrxUSD = quote.TRXUSD
	costs.PriceStale = quote.Stale
	netTrx, _ := new(big.Float).Quo(new(big.Float).SetInt(costs.NetTRX), big.NewFloat(float64(deal.Sun))).Float64()
	costs.TotalUSD = netTrx * quote.TRXUSD
}

func (p *Pipeline) notifyDone(ctx context.Context, d *deal.Deal, pl plan, payoutTxID string) {
	var text string
	if pl.txType == deal.TxRefund {
		text = fmt.Sprintf("Deal %s closed: %s USDT refunded to the buyer. Tx: %s", d.ID, deal.FormatUSDT(d.PayoutFor(pl.role)), payoutTxID)
	} else {
		text = fmt.Sprintf("Deal %s closed: %s USDT released to the seller. Tx: %s", d.ID, deal.FormatUSDT(d.PayoutFor(pl.role)), payoutTxID)
	}
	for _, uid := range []int64{d.BuyerID, d.SellerID} {
		if err := p.notifier.SendNotification(ctx, uid, text); err != nil {
			p.logger.Warn("done notice failed", "deal", d.ID, "user", uid, "error", err)
		}
	}
}

func (p *Pipeline) recordTx(ctx context.Context, dealID string, typ deal.TransactionType, asset string, amount *big.Int, txID, from, to string) {
	if err := p.store.InsertTransaction(ctx, deal.Transaction{
		DealID:    dealID,
		Type:      typ,
		Asset:     asset,
		Amount:    amount,
		TxHash:    txID,
		FromAddr:  from,
		ToAddr:    to,
		Status:    "broadcast",
		CreatedAt: p.nowFn().UTC(),
	}); err != nil {
		p.logger.Error("record transaction", "deal", dealID, "type", string(typ), "error", err)
	}
}

func (p *Pipeline) alert(severity alerts.Severity, message string, fields map[string]any) {
	if p.alerts == nil {
		return
	}
	p.alerts.Alert(severity, "payout-pipeline", message, fields)
}
