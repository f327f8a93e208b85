package deal

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Status represents the lifecycle states of a deal. Values are persisted
// verbatim, so they never change meaning once released.
type Status string

const (
	StatusCreated             Status = "created"
	StatusAwaitingSellerAddr  Status = "waiting_for_seller_wallet"
	StatusAwaitingBuyerAddr   Status = "waiting_for_buyer_wallet"
	StatusAwaitingDeposit     Status = "waiting_for_deposit"
	StatusLocked              Status = "locked"
	StatusInProgress          Status = "in_progress"
	StatusWorkSubmitted       Status = "work_submitted"
	StatusCompleted           Status = "completed"
	StatusDispute             Status = "dispute"
	StatusResolved            Status = "resolved"
	StatusExpired             Status = "expired"
	StatusCancelled           Status = "cancelled"
	StatusRefunded            Status = "refunded"
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusAwaitingSellerAddr, StatusAwaitingBuyerAddr,
		StatusAwaitingDeposit, StatusLocked, StatusInProgress,
		StatusWorkSubmitted, StatusCompleted, StatusDispute,
		StatusResolved, StatusExpired, StatusCancelled, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further monetary side
// effects.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusResolved, StatusExpired, StatusCancelled, StatusRefunded:
		return true
	default:
		return false
	}
}

// ActiveStatuses is the set in which a user is considered occupied: a user
// may hold at most one deal across these states at any time.
var ActiveStatuses = []Status{
	StatusCreated, StatusAwaitingSellerAddr, StatusAwaitingBuyerAddr,
	StatusAwaitingDeposit, StatusLocked, StatusInProgress,
	StatusWorkSubmitted, StatusDispute,
}

// FundedStatuses is the set the monitors sweep: deals holding locked funds
// that have not reached a terminal state.
var FundedStatuses = []Status{StatusLocked, StatusInProgress, StatusWorkSubmitted}

// Role identifies which side of the deal a participant occupies.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

func (r Role) Valid() bool { return r == RoleBuyer || r == RoleSeller }

// Opposite returns the counterparty role.
func (r Role) Opposite() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// CommissionPayer selects which side bears the service fee.
type CommissionPayer string

const (
	PayerBuyer  CommissionPayer = "buyer"
	PayerSeller CommissionPayer = "seller"
	PayerSplit  CommissionPayer = "split"
)

func (p CommissionPayer) Valid() bool {
	switch p {
	case PayerBuyer, PayerSeller, PayerSplit:
		return true
	default:
		return false
	}
}

// KeyValidationKind tags the pending key-validation flow on a deal. The tag
// is set at most once per deal and cleared only on successful validation.
type KeyValidationKind string

const (
	KeyValidationNone          KeyValidationKind = ""
	KeyValidationBuyerRefund   KeyValidationKind = "buyer_refund"
	KeyValidationSellerRelease KeyValidationKind = "seller_release"
	KeyValidationDisputeBuyer  KeyValidationKind = "dispute_buyer"
	KeyValidationDisputeSeller KeyValidationKind = "dispute_seller"
)

// Recipient returns the role expected to supply the private key.
func (k KeyValidationKind) Recipient() Role {
	switch k {
	case KeyValidationSellerRelease, KeyValidationDisputeSeller:
		return RoleSeller
	default:
		return RoleBuyer
	}
}

// Monetary constants in micro-USDT (TRC20 decimals = 6). All USDT amounts in
// the system are scaled integers; binary floating point never touches a
// status transition.
const (
	USDTDecimals = 6
	MicroUSDT    = int64(1_000_000)

	// Sun is the smallest TRX unit.
	Sun = int64(1_000_000)
)

var (
	// MinAmount is the smallest deal size accepted: 50 USDT.
	MinAmount = big.NewInt(50 * MicroUSDT)
	// commissionFlat applies below the rate threshold: 15 USDT.
	commissionFlat = big.NewInt(15 * MicroUSDT)
	// commissionRateThreshold switches from the flat fee to 5%: 300 USDT.
	commissionRateThreshold = big.NewInt(300 * MicroUSDT)
	// DepositTolerance is the accepted shortfall on deposits: 2 USDT.
	DepositTolerance = big.NewInt(2 * MicroUSDT)
)

// Commission computes the service fee for the given amount: flat 15 USDT
// below 300 USDT, 5% otherwise. Division by 20 is exact at two decimal
// places for any amount expressed in whole cents.
func Commission(amount *big.Int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	if amount.Cmp(commissionRateThreshold) < 0 {
		return new(big.Int).Set(commissionFlat)
	}
	return new(big.Int).Div(amount, big.NewInt(20))
}

// CommissionShares splits the commission between buyer and seller according
// to the payer variant. On an odd split the buyer carries the extra
// micro-unit.
func CommissionShares(payer CommissionPayer, commission *big.Int) (buyer, seller *big.Int) {
	c := new(big.Int).Set(commission)
	switch payer {
	case PayerBuyer:
		return c, big.NewInt(0)
	case PayerSeller:
		return big.NewInt(0), c
	default:
		half := new(big.Int).Div(c, big.NewInt(2))
		return new(big.Int).Sub(c, half), half
	}
}

// DepositRequired is the amount the buyer must fund: the deal amount plus the
// buyer's share of the commission.
func DepositRequired(amount *big.Int, payer CommissionPayer) *big.Int {
	buyerShare, _ := CommissionShares(payer, Commission(amount))
	return new(big.Int).Add(amount, buyerShare)
}

// DepositAcceptable reports whether an inbound amount satisfies the deposit
// requirement within tolerance. Overpayments are accepted; the excess is
// credited to the service.
func DepositAcceptable(received, required *big.Int) bool {
	if received == nil || required == nil {
		return false
	}
	floor := new(big.Int).Sub(required, DepositTolerance)
	return received.Cmp(floor) >= 0
}

// FormatUSDT renders a micro-USDT amount with two decimal places for user
// facing text.
func FormatUSDT(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	cents := new(big.Int).Div(amount, big.NewInt(10_000))
	whole := new(big.Int).Div(cents, big.NewInt(100))
	frac := new(big.Int).Mod(cents, big.NewInt(100))
	return fmt.Sprintf("%s.%02d", whole.String(), frac.Int64())
}

// ParseUSDT converts a decimal USDT string ("120.50") to micro-USDT. At most
// six fractional digits are accepted; the parse stays in integer arithmetic.
func ParseUSDT(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > USDTDecimals {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", s, USDTDecimals)
	}
	digits := whole + frac + strings.Repeat("0", USDTDecimals-len(frac))
	amount, ok := new(big.Int).SetString(digits, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return amount, nil
}

// OperationalCosts records what the service spent settling a deal.
// TRX values are in sun.
type OperationalCosts struct {
	ActivationTRX  *big.Int `json:"activationTrx"`
	ActivationFee  *big.Int `json:"activationFee"`
	FallbackTRX    *big.Int `json:"fallbackTrx"`
	FallbackFee    *big.Int `json:"fallbackFee"`
	RentalCostTRX  *big.Int `json:"rentalCostTrx"`
	ReturnedTRX    *big.Int `json:"returnedTrx"`
	NetTRX         *big.Int `json:"netTrx"`
	TrxUSD         float64  `json:"trxUsd"`
	TotalUSD       float64  `json:"totalUsd"`
	PriceStale     bool     `json:"priceStale"`
	ResourceMethod string   `json:"resourceMethod"` // "feesaver" or "trx"
	CompletionType string   `json:"completionType"`
}

// Deal is the aggregate root. Children (wallet, transactions, audit rows)
// carry the deal id and never hold the parent.
type Deal struct {
	ID                   string
	CreatorRole          Role
	BuyerID              int64
	SellerID             int64
	Product              string
	Description          string
	Asset                string
	Amount               *big.Int
	Commission           *big.Int
	CommissionPayer      CommissionPayer
	Deadline             time.Time
	Status               Status
	MultisigAddress      string
	BuyerPayoutAddress   string
	SellerPayoutAddress  string
	DepositTxHash        string
	PayoutTxHash         string
	DepositNotified      bool
	DeadlineNotified     bool
	PendingKeyValidation KeyValidationKind
	Costs                *OperationalCosts
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          *time.Time
}

// ParticipantID returns the chat-platform id of the given role.
func (d *Deal) ParticipantID(role Role) int64 {
	if role == RoleBuyer {
		return d.BuyerID
	}
	return d.SellerID
}

// RoleOf resolves which side a user occupies, or "" when the user is not a
// participant.
func (d *Deal) RoleOf(userID int64) Role {
	switch userID {
	case d.BuyerID:
		return RoleBuyer
	case d.SellerID:
		return RoleSeller
	default:
		return ""
	}
}

// PayoutAddress returns the registered payout address for the role.
func (d *Deal) PayoutAddress(role Role) string {
	if role == RoleBuyer {
		return d.BuyerPayoutAddress
	}
	return d.SellerPayoutAddress
}

// DepositRequired is the funded amount expected on the multisig for this
// deal.
func (d *Deal) DepositRequired() *big.Int {
	return DepositRequired(d.Amount, d.CommissionPayer)
}

// NetPayout is the amount the seller receives on release: the deal amount
// minus the seller's commission share.
func (d *Deal) NetPayout() *big.Int {
	_, sellerShare := CommissionShares(d.CommissionPayer, d.Commission)
	return new(big.Int).Sub(d.Amount, sellerShare)
}

// RefundAmount is what the buyer gets back on refund: the funded deposit
// minus the full commission. The service fee is earned once funds lock.
func (d *Deal) RefundAmount() *big.Int {
	return new(big.Int).Sub(d.DepositRequired(), d.Commission)
}

// PayoutFor returns the net amount owed to the given role when it wins the
// deal outcome.
func (d *Deal) PayoutFor(role Role) *big.Int {
	if role == RoleBuyer {
		return d.RefundAmount()
	}
	return d.NetPayout()
}

// Clone returns a deep copy so callers can mutate without affecting the
// stored instance.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Amount = cloneBig(d.Amount)
	clone.Commission = cloneBig(d.Commission)
	if d.Costs != nil {
		costs := *d.Costs
		costs.ActivationTRX = cloneBig(d.Costs.ActivationTRX)
		costs.ActivationFee = cloneBig(d.Costs.ActivationFee)
		costs.FallbackTRX = cloneBig(d.Costs.FallbackTRX)
		costs.FallbackFee = cloneBig(d.Costs.FallbackFee)
		costs.RentalCostTRX = cloneBig(d.Costs.RentalCostTRX)
		costs.ReturnedTRX = cloneBig(d.Costs.ReturnedTRX)
		costs.NetTRX = cloneBig(d.Costs.NetTRX)
		clone.Costs = &costs
	}
	if d.CompletedAt != nil {
		completed := *d.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// MultisigWallet is the per-deal 3-key on-chain account. The wallet's own
// key stays with the service so it can submit transactions on the account's
// behalf; the three signer addresses form the 2-of-3 active permission.
type MultisigWallet struct {
	DealID         string
	Address        string
	WalletKeyHex   string
	BuyerSigner    string
	SellerSigner   string
	ArbiterSigner  string
	LastTRXBalance *big.Int
	LastUSDT       *big.Int
	CreatedAt      time.Time
}

// SignerAddresses lists the three registered signers.
func (w *MultisigWallet) SignerAddresses() []string {
	return []string{w.BuyerSigner, w.SellerSigner, w.ArbiterSigner}
}

// ExpectedSigner returns the ephemeral signer address for the given role.
func (w *MultisigWallet) ExpectedSigner(role Role) string {
	if role == RoleBuyer {
		return w.BuyerSigner
	}
	return w.SellerSigner
}

// TransactionType classifies ledger rows.
type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxPayout     TransactionType = "payout"
	TxRefund     TransactionType = "refund"
	TxCommission TransactionType = "commission"
	TxResource   TransactionType = "resource"
)

// Transaction is one on-chain effect recorded against a deal.
type Transaction struct {
	ID        int64
	DealID    string
	Type      TransactionType
	Asset     string
	Amount    *big.Int
	TxHash    string
	FromAddr  string
	ToAddr    string
	Status    string
	Block     int64
	CreatedAt time.Time
}

// AuditEntry is one append-only record of a status transition or arbiter
// decision.
type AuditEntry struct {
	ID        int64
	DealID    string
	From      Status
	To        Status
	Actor     string
	Note      string
	CreatedAt time.Time
}

const idAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewDealID mints a public short identifier of the form DL-XXXXXX. The
// alphabet omits easily-confused characters.
func NewDealID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	var sb strings.Builder
	sb.WriteString("DL-")
	for _, b := range buf {
		sb.WriteByte(idAlphabet[int(b)%len(idAlphabet)])
	}
	return sb.String()
}
