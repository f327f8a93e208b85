package admin

import (
	"math/big"
	"time"

	"trondeal/native/deal"
)

// View types keep the wire format stable and render amounts as decimal
// USDT strings instead of raw micro units.

type dealView struct {
	ID                   string     `json:"id"`
	Status               string     `json:"status"`
	BuyerID              int64      `json:"buyerId"`
	SellerID             int64      `json:"sellerId"`
	Product              string     `json:"product"`
	Amount               string     `json:"amount"`
	Commission           string     `json:"commission"`
	CommissionPayer      string     `json:"commissionPayer"`
	Deadline             time.Time  `json:"deadline"`
	MultisigAddress      string     `json:"multisigAddress"`
	DepositTxHash        string     `json:"depositTxHash,omitempty"`
	PayoutTxHash         string     `json:"payoutTxHash,omitempty"`
	PendingKeyValidation string     `json:"pendingKeyValidation,omitempty"`
	Costs                *costsView `json:"costs,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
}

type costsView struct {
	ActivationTRX  string  `json:"activationTrx"`
	FallbackTRX    string  `json:"fallbackTrx"`
	RentalCostTRX  string  `json:"rentalCostTrx"`
	ReturnedTRX    string  `json:"returnedTrx"`
	NetTRX         string  `json:"netTrx"`
	TrxUSD         float64 `json:"trxUsd"`
	TotalUSD       float64 `json:"totalUsd"`
	PriceStale     bool    `json:"priceStale"`
	ResourceMethod string  `json:"resourceMethod"`
	CompletionType string  `json:"completionType"`
}

type transactionView struct {
	Type      string    `json:"type"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`
	TxHash    string    `json:"txHash"`
	FromAddr  string    `json:"from,omitempty"`
	ToAddr    string    `json:"to,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type auditView struct {
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Actor     string    `json:"actor"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func renderDeal(d *deal.Deal) dealView {
	v := dealView{
		ID:                   d.ID,
		Status:               string(d.Status),
		BuyerID:              d.BuyerID,
		SellerID:             d.SellerID,
		Product:              d.Product,
		Amount:               deal.FormatUSDT(d.Amount),
		Commission:           deal.FormatUSDT(d.Commission),
		CommissionPayer:      string(d.CommissionPayer),
		Deadline:             d.Deadline,
		MultisigAddress:      d.MultisigAddress,
		DepositTxHash:        d.DepositTxHash,
		PayoutTxHash:         d.PayoutTxHash,
		PendingKeyValidation: string(d.PendingKeyValidation),
		CreatedAt:            d.CreatedAt,
		CompletedAt:          d.CompletedAt,
	}
	if c := d.Costs; c != nil {
		v.Costs = &costsView{
			ActivationTRX:  sunString(c.ActivationTRX),
			FallbackTRX:    sunString(c.FallbackTRX),
			RentalCostTRX:  sunString(c.RentalCostTRX),
			ReturnedTRX:    sunString(c.ReturnedTRX),
			NetTRX:         sunString(c.NetTRX),
			TrxUSD:         c.TrxUSD,
			TotalUSD:       c.TotalUSD,
			PriceStale:     c.PriceStale,
			ResourceMethod: c.ResourceMethod,
			CompletionType: c.CompletionType,
		}
	}
	return v
}

func renderDeals(deals []*deal.Deal) []dealView {
	out := make([]dealView, 0, len(deals))
	for _, d := range deals {
		out = append(out, renderDeal(d))
	}
	return out
}

func renderTransactions(txs []deal.Transaction) []transactionView {
	out := make([]transactionView, 0, len(txs))
	for _, t := range txs {
		amount := t.Amount
		view := transactionView{
			Type:      string(t.Type),
			Asset:     t.Asset,
			TxHash:    t.TxHash,
			FromAddr:  t.FromAddr,
			ToAddr:    t.ToAddr,
			Status:    t.Status,
			CreatedAt: t.CreatedAt,
		}
		if t.Asset == "TRX" {
			view.Amount = sunString(amount)
		} else {
			view.Amount = deal.FormatUSDT(amount)
		}
		out = append(out, view)
	}
	return out
}

func renderAudit(entries []deal.AuditEntry) []auditView {
	out := make([]auditView, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditView{
			From:      string(e.From),
			To:        string(e.To),
			Actor:     e.Actor,
			Note:      e.Note,
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}

func sunString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
