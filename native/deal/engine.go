package deal

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"trondeal/crypto"
)

var (
	errNilStore = errors.New("deal engine: store not configured")

	// ErrNotFound is returned when the deal id does not exist.
	ErrNotFound = errors.New("deal engine: deal not found")
	// ErrInvalidTransition rejects a status change outside the legal set.
	ErrInvalidTransition = errors.New("deal engine: invalid state transition")
	// ErrStatusConflict signals an optimistic-concurrency precondition
	// failure: the persisted status no longer matches the expected one.
	ErrStatusConflict = errors.New("deal engine: status precondition failed")
	// ErrActiveDealExists enforces the one-active-deal-per-user rule.
	ErrActiveDealExists = errors.New("deal engine: participant already has an active deal")
	// ErrBlacklisted bars autobanned users from new deals.
	ErrBlacklisted = errors.New("deal engine: participant is blacklisted")
	// ErrValidation covers rejected input.
	ErrValidation = errors.New("deal engine: validation failed")
)

// Store is the persistence surface the engine requires. TransitionStatus and
// CompleteDeal must apply the status change and the audit append in one
// logical commit, failing with ErrStatusConflict when the current status is
// not in the expected set.
type Store interface {
	CreateDeal(ctx context.Context, d *Deal, w *MultisigWallet, audit AuditEntry) error
	GetDeal(ctx context.Context, id string) (*Deal, error)
	GetWallet(ctx context.Context, dealID string) (*MultisigWallet, error)
	HasActiveDeal(ctx context.Context, userID int64) (bool, error)
	IsBlacklisted(ctx context.Context, userID int64) (bool, error)
	SetPayoutAddress(ctx context.Context, dealID string, role Role, address string) error
	TransitionStatus(ctx context.Context, dealID string, from []Status, to Status, audit AuditEntry) error
	SetDepositTx(ctx context.Context, dealID, txHash string) error
	CompleteDeal(ctx context.Context, dealID string, from []Status, to Status, payoutTxHash string, costs *OperationalCosts, audit AuditEntry) error
}

// Created bundles the persisted deal with the ephemeral signing keys. The
// plaintext keys are revealed to each party exactly once through an
// ephemeral channel message and are not stored anywhere else.
type Created struct {
	Deal      *Deal
	Wallet    *MultisigWallet
	BuyerKey  *crypto.PrivateKey
	SellerKey *crypto.PrivateKey
	WalletKey *crypto.PrivateKey
}

// CreateParams describes a new deal request from the initiating party.
type CreateParams struct {
	CreatorRole     Role
	BuyerID         int64
	SellerID        int64
	Product         string
	Description     string
	Amount          *big.Int
	CommissionPayer CommissionPayer
	Deadline        time.Time
	// CreatorPayoutAddress is the initiator's own payout address, supplied
	// at creation. The counterparty registers theirs afterwards.
	CreatorPayoutAddress string
}

// Engine enforces the deal state machine. Every transition carries a
// precondition on the current status; concurrent writers lose with
// ErrStatusConflict instead of corrupting state.
type Engine struct {
	store   Store
	arbiter crypto.Address
	nowFn   func() time.Time
	idFn    func() string
}

func NewEngine(store Store, arbiter crypto.Address) *Engine {
	return &Engine{
		store:   store,
		arbiter: arbiter,
		nowFn:   time.Now,
		idFn:    NewDealID,
	}
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// SetIDFunc overrides deal id generation for tests.
func (e *Engine) SetIDFunc(fn func() string) {
	if fn == nil {
		e.idFn = NewDealID
		return
	}
	e.idFn = fn
}

func (e *Engine) now() time.Time { return e.nowFn().UTC() }

// Create validates the request, mints the multisig wallet with two ephemeral
// signers plus the arbiter, and persists the deal in its initial waiting
// state.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*Created, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	if !p.CreatorRole.Valid() {
		return nil, fmt.Errorf("%w: unknown creator role %q", ErrValidation, p.CreatorRole)
	}
	if p.BuyerID == 0 || p.SellerID == 0 || p.BuyerID == p.SellerID {
		return nil, fmt.Errorf("%w: buyer and seller must be distinct", ErrValidation)
	}
	if p.Amount == nil || p.Amount.Cmp(MinAmount) < 0 {
		return nil, fmt.Errorf("%w: amount below minimum %s USDT", ErrValidation, FormatUSDT(MinAmount))
	}
	if !p.CommissionPayer.Valid() {
		return nil, fmt.Errorf("%w: unknown commission payer %q", ErrValidation, p.CommissionPayer)
	}
	now := e.now()
	if !p.Deadline.After(now) {
		return nil, fmt.Errorf("%w: deadline must be in the future", ErrValidation)
	}
	if strings.TrimSpace(p.Product) == "" {
		return nil, fmt.Errorf("%w: product name required", ErrValidation)
	}
	creatorAddr, err := crypto.DecodeAddress(p.CreatorPayoutAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: creator payout address: %v", ErrValidation, err)
	}

	for _, uid := range []int64{p.BuyerID, p.SellerID} {
		banned, err := e.store.IsBlacklisted(ctx, uid)
		if err != nil {
			return nil, err
		}
		if banned {
			return nil, fmt.Errorf("%w: user %d", ErrBlacklisted, uid)
		}
		active, err := e.store.HasActiveDeal(ctx, uid)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, fmt.Errorf("%w: user %d", ErrActiveDealExists, uid)
		}
	}

	buyerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("deal engine: generate buyer key: %w", err)
	}
	sellerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("deal engine: generate seller key: %w", err)
	}
	walletKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("deal engine: generate wallet key: %w", err)
	}

	status := StatusAwaitingSellerAddr
	if p.CreatorRole == RoleSeller {
		status = StatusAwaitingBuyerAddr
	}

	d := &Deal{
		ID:              e.idFn(),
		CreatorRole:     p.CreatorRole,
		BuyerID:         p.BuyerID,
		SellerID:        p.SellerID,
		Product:         strings.TrimSpace(p.Product),
		Description:     strings.TrimSpace(p.Description),
		Asset:           "USDT",
		Amount:          new(big.Int).Set(p.Amount),
		Commission:      Commission(p.Amount),
		CommissionPayer: p.CommissionPayer,
		Deadline:        p.Deadline.UTC(),
		Status:          status,
		MultisigAddress: walletKey.Address().String(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if p.CreatorRole == RoleBuyer {
		d.BuyerPayoutAddress = creatorAddr.String()
	} else {
		d.SellerPayoutAddress = creatorAddr.String()
	}

	w := &MultisigWallet{
		DealID:        d.ID,
		Address:       d.MultisigAddress,
		WalletKeyHex:  walletKey.Hex(),
		BuyerSigner:   buyerKey.Address().String(),
		SellerSigner:  sellerKey.Address().String(),
		ArbiterSigner: e.arbiter.String(),
		CreatedAt:     now,
	}

	audit := AuditEntry{DealID: d.ID, From: StatusCreated, To: status, Actor: string(p.CreatorRole), Note: "deal created", CreatedAt: now}
	if err := e.store.CreateDeal(ctx, d, w, audit); err != nil {
		return nil, err
	}
	return &Created{Deal: d.Clone(), Wallet: w, BuyerKey: buyerKey, SellerKey: sellerKey, WalletKey: walletKey}, nil
}

// RegisterPayoutAddress records the counterparty's payout address and moves
// the deal to waiting_for_deposit.
func (e *Engine) RegisterPayoutAddress(ctx context.Context, dealID string, userID int64, address string) (*Deal, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	role := d.RoleOf(userID)
	if role == "" {
		return nil, fmt.Errorf("%w: user %d is not a participant", ErrValidation, userID)
	}
	expected := StatusAwaitingSellerAddr
	if role == RoleBuyer {
		expected = StatusAwaitingBuyerAddr
	}
	if d.Status != expected {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, StatusAwaitingDeposit)
	}
	addr, err := crypto.DecodeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: payout address: %v", ErrValidation, err)
	}
	if err := e.store.SetPayoutAddress(ctx, dealID, role, addr.String()); err != nil {
		return nil, err
	}
	audit := AuditEntry{DealID: dealID, From: expected, To: StatusAwaitingDeposit, Actor: string(role), Note: "payout address registered", CreatedAt: e.now()}
	if err := e.store.TransitionStatus(ctx, dealID, []Status{expected}, StatusAwaitingDeposit, audit); err != nil {
		return nil, err
	}
	return e.store.GetDeal(ctx, dealID)
}

// Decline cancels a deal before funding. Either party may decline while the
// deal is waiting for an address or a deposit.
func (e *Engine) Decline(ctx context.Context, dealID string, userID int64) error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	role := d.RoleOf(userID)
	if role == "" {
		return fmt.Errorf("%w: user %d is not a participant", ErrValidation, userID)
	}
	from := []Status{StatusAwaitingSellerAddr, StatusAwaitingBuyerAddr, StatusAwaitingDeposit}
	audit := AuditEntry{DealID: dealID, From: d.Status, To: StatusCancelled, Actor: string(role), Note: "declined before funding", CreatedAt: e.now()}
	return e.store.TransitionStatus(ctx, dealID, from, StatusCancelled, audit)
}

// MarkLocked records a confirmed deposit: the transaction hash is attached
// and the deal moves from waiting_for_deposit to locked. Invoked by the
// deposit monitor.
func (e *Engine) MarkLocked(ctx context.Context, dealID, depositTxHash string) error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	if err := e.store.SetDepositTx(ctx, dealID, depositTxHash); err != nil {
		return err
	}
	audit := AuditEntry{DealID: dealID, From: StatusAwaitingDeposit, To: StatusLocked, Actor: "deposit-monitor", Note: "deposit " + depositTxHash, CreatedAt: e.now()}
	return e.store.TransitionStatus(ctx, dealID, []Status{StatusAwaitingDeposit}, StatusLocked, audit)
}

// StartWork is the optional seller acknowledgement moving locked to
// in_progress.
func (e *Engine) StartWork(ctx context.Context, dealID string, userID int64) error {
	return e.participantTransition(ctx, dealID, userID, RoleSeller,
		[]Status{StatusLocked}, StatusInProgress, "work started")
}

// SubmitWork moves the deal to work_submitted on the seller's action.
func (e *Engine) SubmitWork(ctx context.Context, dealID string, userID int64) error {
	return e.participantTransition(ctx, dealID, userID, RoleSeller,
		[]Status{StatusLocked, StatusInProgress}, StatusWorkSubmitted, "work submitted")
}

// Finalize applies the terminal transition paired with the operational cost
// record and completedAt. The payout pipeline is the only caller.
func (e *Engine) Finalize(ctx context.Context, dealID string, from []Status, to Status, payoutTxHash string, costs *OperationalCosts, note string) error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	if !to.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, to)
	}
	audit := AuditEntry{DealID: dealID, From: "", To: to, Actor: "payout-pipeline", Note: note, CreatedAt: e.now()}
	return e.store.CompleteDeal(ctx, dealID, from, to, payoutTxHash, costs, audit)
}

func (e *Engine) participantTransition(ctx context.Context, dealID string, userID int64, want Role, from []Status, to Status, note string) error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	role := d.RoleOf(userID)
	if role != want {
		return fmt.Errorf("%w: action reserved for the %s", ErrValidation, want)
	}
	audit := AuditEntry{DealID: dealID, From: d.Status, To: to, Actor: string(role), Note: note, CreatedAt: e.now()}
	return e.store.TransitionStatus(ctx, dealID, from, to, audit)
}
