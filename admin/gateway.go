package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"trondeal/alerts"
	"trondeal/native/deal"
	"trondeal/native/dispute"
	"trondeal/notify"
)

// Deals is the lifecycle surface the bot gateway drives, satisfied by the
// deal engine.
type Deals interface {
	Create(ctx context.Context, p deal.CreateParams) (*deal.Created, error)
	RegisterPayoutAddress(ctx context.Context, dealID string, userID int64, address string) (*deal.Deal, error)
	Decline(ctx context.Context, dealID string, userID int64) error
	StartWork(ctx context.Context, dealID string, userID int64) error
	SubmitWork(ctx context.Context, dealID string, userID int64) error
}

type createDealRequest struct {
	CreatorRole     string `json:"creatorRole"`
	BuyerID         int64  `json:"buyerId"`
	SellerID        int64  `json:"sellerId"`
	Product         string `json:"product"`
	Description     string `json:"description"`
	Amount          string `json:"amount"`
	CommissionPayer string `json:"commissionPayer"`
	DeadlineHours   int    `json:"deadlineHours"`
	PayoutAddress   string `json:"payoutAddress"`
}

// handleCreateDeal mints the deal and its multisig wallet, then reveals each
// party's signing key through a self-deleting message. The keys exist only in
// this request's memory; a failed reveal is surfaced to the operator because
// it cannot be repeated.
func (s *Server) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	var req createDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := deal.ParseUSDT(req.Amount)
	if err != nil {
		http.Error(w, "invalid amount: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.DeadlineHours <= 0 {
		http.Error(w, "deadlineHours must be positive", http.StatusBadRequest)
		return
	}
	created, err := s.cfg.Deals.Create(r.Context(), deal.CreateParams{
		CreatorRole:          deal.Role(req.CreatorRole),
		BuyerID:              req.BuyerID,
		SellerID:             req.SellerID,
		Product:              req.Product,
		Description:          req.Description,
		Amount:               amount,
		CommissionPayer:      deal.CommissionPayer(req.CommissionPayer),
		Deadline:             s.nowFn().Add(time.Duration(req.DeadlineHours) * time.Hour),
		CreatorPayoutAddress: req.PayoutAddress,
	})
	if err != nil {
		s.dealError(w, r, "create deal", err)
		return
	}

	d := created.Deal
	s.revealSigningKey(r.Context(), d.ID, d.BuyerID, created.BuyerKey.Hex())
	s.revealSigningKey(r.Context(), d.ID, d.SellerID, created.SellerKey.Hex())

	writeJSON(w, http.StatusCreated, map[string]any{
		"deal":            renderDeal(d),
		"depositRequired": deal.FormatUSDT(d.DepositRequired()),
		"depositAddress":  d.MultisigAddress,
	})
}

func (s *Server) revealSigningKey(ctx context.Context, dealID string, userID int64, keyHex string) {
	text := "Deal " + dealID + ": your signing key, shown once and deleted in 60s. Store it safely.\n" + keyHex
	if err := notify.SendEphemeral(ctx, s.cfg.Notifier, userID, text); err != nil {
		s.logger.Error("signing key reveal failed", "deal", dealID, "user", userID, "error", err)
		if s.cfg.Alerts != nil {
			s.cfg.Alerts.Alert(alerts.SeverityCritical, "gateway", "signing key reveal failed", map[string]any{
				"deal": dealID, "user": userID,
			})
		}
	}
}

type participantRequest struct {
	UserID  int64  `json:"userId"`
	Address string `json:"address,omitempty"`
}

func (s *Server) handleRegisterPayoutAddress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req participantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	d, err := s.cfg.Deals.RegisterPayoutAddress(r.Context(), id, req.UserID, req.Address)
	if err != nil {
		s.dealError(w, r, "register payout address", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deal":            renderDeal(d),
		"depositRequired": deal.FormatUSDT(d.DepositRequired()),
		"depositAddress":  d.MultisigAddress,
	})
}

func (s *Server) handleDeclineDeal(w http.ResponseWriter, r *http.Request) {
	s.participantAction(w, r, "decline deal", s.cfg.Deals.Decline)
}

func (s *Server) handleStartWork(w http.ResponseWriter, r *http.Request) {
	s.participantAction(w, r, "start work", s.cfg.Deals.StartWork)
}

func (s *Server) handleSubmitWork(w http.ResponseWriter, r *http.Request) {
	s.participantAction(w, r, "submit work", s.cfg.Deals.SubmitWork)
}

func (s *Server) participantAction(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, dealID string, userID int64) error) {
	id := chi.URLParam(r, "id")
	var req participantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := fn(r.Context(), id, req.UserID); err != nil {
		s.dealError(w, r, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type openDisputeRequest struct {
	UserID   int64    `json:"userId"`
	Reason   string   `json:"reason"`
	MediaIDs []string `json:"mediaIds,omitempty"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req openDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	record, err := s.cfg.Disputes.Open(r.Context(), dispute.OpenParams{
		DealID:   id,
		OpenerID: req.UserID,
		Reason:   req.Reason,
		MediaIDs: req.MediaIDs,
	})
	if err != nil {
		switch {
		case errors.Is(err, deal.ErrNotFound):
			http.Error(w, "deal not found", http.StatusNotFound)
		case errors.Is(err, dispute.ErrReasonTooShort), errors.Is(err, dispute.ErrNotParticipant):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, dispute.ErrAlreadyOpen), errors.Is(err, deal.ErrStatusConflict):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			s.internalError(w, r, "open dispute", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

// dealError maps engine sentinels onto HTTP statuses; everything unexpected
// becomes an incident.
func (s *Server) dealError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, deal.ErrNotFound):
		http.Error(w, "deal not found", http.StatusNotFound)
	case errors.Is(err, deal.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, deal.ErrBlacklisted),
		errors.Is(err, deal.ErrActiveDealExists),
		errors.Is(err, deal.ErrInvalidTransition),
		errors.Is(err, deal.ErrStatusConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.internalError(w, r, op, err)
	}
}
