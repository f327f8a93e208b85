package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trondeal/alerts"
	"trondeal/native/deal"
	"trondeal/native/dispute"
	"trondeal/notify"
	"trondeal/payout"
	"trondeal/tron"
)

// Store is the read surface the admin API exposes, plus what the dispute
// resolution path writes.
type Store interface {
	payout.ValidationStore
	ListDeals(ctx context.Context, status deal.Status, userID int64, limit int) ([]*deal.Deal, error)
	TransactionsByDeal(ctx context.Context, dealID string) ([]deal.Transaction, error)
	AuditByDeal(ctx context.Context, dealID string) ([]deal.AuditEntry, error)
	ListDisputes(ctx context.Context, status dispute.Status, limit int) ([]*dispute.Dispute, error)
}

// Disputes is the dispute surface, satisfied by the dispute engine. Open is
// driven by participants through the gateway routes, Resolve and Cancel by
// the arbiter.
type Disputes interface {
	Open(ctx context.Context, params dispute.OpenParams) (*dispute.Dispute, error)
	Resolve(ctx context.Context, dealID string, decision dispute.Decision, reason string) (*dispute.Resolution, error)
	Cancel(ctx context.Context, dealID, reason string) error
}

// MessageHandler receives inbound chat messages relayed by the bot gateway.
// The reported bool says whether the message was consumed as a key
// validation reply.
type MessageHandler interface {
	HandleMessage(ctx context.Context, userID int64, text string) (bool, error)
}

// Config wires the server.
type Config struct {
	Token    string
	Store    Store
	Sessions payout.SessionStore
	Deals    Deals
	Disputes Disputes
	Notifier notify.Notifier
	Messages MessageHandler
	Alerts   *alerts.Service
	Breaker  *tron.Breaker
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// Server is the operator HTTP API. Every route except health and metrics
// sits behind the bearer token.
type Server struct {
	cfg    Config
	router chi.Router
	logger *slog.Logger
	nowFn  func() time.Time
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: cfg.Logger.With("component", "admin-api"), nowFn: time.Now}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if cfg.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.Token))
		r.Get("/deals", s.handleListDeals)
		r.Get("/deals/{id}", s.handleGetDeal)
		if cfg.Deals != nil {
			r.Post("/deals", s.handleCreateDeal)
			r.Post("/deals/{id}/payout-address", s.handleRegisterPayoutAddress)
			r.Post("/deals/{id}/decline", s.handleDeclineDeal)
			r.Post("/deals/{id}/start", s.handleStartWork)
			r.Post("/deals/{id}/submit", s.handleSubmitWork)
			r.Post("/deals/{id}/dispute", s.handleOpenDispute)
		}
		r.Get("/disputes", s.handleListDisputes)
		r.Post("/disputes/{id}/resolve", s.handleResolveDispute)
		r.Post("/disputes/{id}/cancel", s.handleCancelDispute)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/breaker", s.handleBreaker)
		if cfg.Messages != nil {
			r.Post("/hooks/messages", s.handleInboundMessage)
		}
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDeals(w http.ResponseWriter, r *http.Request) {
	status := deal.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	userID, _ := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
	limit := queryInt(r, "limit", 50)
	deals, err := s.cfg.Store.ListDeals(r.Context(), status, userID, limit)
	if err != nil {
		s.internalError(w, r, "list deals", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deals": renderDeals(deals)})
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.cfg.Store.GetDeal(r.Context(), id)
	if err != nil {
		if errors.Is(err, deal.ErrNotFound) {
			http.Error(w, "deal not found", http.StatusNotFound)
			return
		}
		s.internalError(w, r, "get deal", err)
		return
	}
	txs, err := s.cfg.Store.TransactionsByDeal(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "list transactions", err)
		return
	}
	audit, err := s.cfg.Store.AuditByDeal(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "list audit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deal":         renderDeal(d),
		"transactions": renderTransactions(txs),
		"audit":        renderAudit(audit),
	})
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	status := dispute.Status(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)
	records, err := s.cfg.Store.ListDisputes(r.Context(), status, limit)
	if err != nil {
		s.internalError(w, r, "list disputes", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"disputes": records})
}

type resolveRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// handleResolveDispute commits the ruling and drives the notification
// fan-out: a key prompt for the winner, a loss notice (with streak and any
// autoban) for the loser. Retrying the same ruling is safe.
func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.cfg.Disputes.Resolve(r.Context(), id, dispute.Decision(req.Decision), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, dispute.ErrNotFound):
			http.Error(w, "dispute not found", http.StatusNotFound)
		case errors.Is(err, dispute.ErrDecisionRequired), errors.Is(err, dispute.ErrAlreadyDecided), errors.Is(err, dispute.ErrDealNotDisputed):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			s.internalError(w, r, "resolve dispute", err)
		}
		return
	}
	s.notifyResolution(r.Context(), id, res)
	writeJSON(w, http.StatusOK, map[string]any{
		"dealId":      id,
		"decision":    req.Decision,
		"replayed":    res.Replayed,
		"loserBanned": res.LoserBanned,
	})
}

// notifyResolution opens the winner's key-validation session and sends the
// loss notice. The key prompt is issued on every resolve, replayed or not:
// a payout abort clears the pending tag and deletes the winner's session, so
// retrying the ruling is the recovery path for the claim. While a tag is
// still pending the request is a no-op, so nothing double-prompts. The loss
// notice goes out only once, on the first resolve.
func (s *Server) notifyResolution(ctx context.Context, dealID string, res *dispute.Resolution) {
	d, err := s.cfg.Store.GetDeal(ctx, dealID)
	if err != nil {
		s.logger.Error("load deal for resolution fan-out", "deal", dealID, "error", err)
		return
	}
	if err := payout.RequestKeyValidation(ctx, s.cfg.Store, s.cfg.Sessions, s.cfg.Notifier, d, res.KeyValidation, s.nowFn().UTC()); err != nil {
		s.logger.Error("winner key prompt failed", "deal", dealID, "error", err)
	}
	if res.Replayed {
		return
	}
	notice := "Deal " + dealID + ": the dispute was decided against you. Consecutive losses: " + strconv.Itoa(res.LoserStats.LossStreak) + "."
	if res.LoserBanned {
		notice += " Your account is now barred from new deals."
	}
	if err := s.cfg.Notifier.SendNotification(ctx, res.LoserID, notice); err != nil {
		s.logger.Warn("loss notice failed", "deal", dealID, "user", res.LoserID, "error", err)
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelDispute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Disputes.Cancel(r.Context(), id, req.Reason); err != nil {
		switch {
		case errors.Is(err, dispute.ErrNotFound):
			http.Error(w, "dispute not found", http.StatusNotFound)
		case errors.Is(err, dispute.ErrDealNotDisputed):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			s.internalError(w, r, "cancel dispute", err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type inboundMessage struct {
	UserID int64  `json:"userId"`
	Text   string `json:"text"`
}

// handleInboundMessage is the relay endpoint the bot gateway posts user
// messages to. Only key validation replies are consumed here; anything else
// is reported back as unhandled.
func (s *Server) handleInboundMessage(w http.ResponseWriter, r *http.Request) {
	var req inboundMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	handled, err := s.cfg.Messages.HandleMessage(r.Context(), req.UserID, req.Text)
	if err != nil {
		s.internalError(w, r, "handle message", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"handled": handled})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.cfg.Alerts.Recent(limit)})
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Breaker.Metrics())
}

// internalError hides details behind an opaque incident id; the specifics
// land in the alert ring and the log.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	incident := ""
	if s.cfg.Alerts != nil {
		incident = s.cfg.Alerts.Alert(alerts.SeverityWarning, "admin-api", op+" failed", map[string]any{
			"path": r.URL.Path, "error": err.Error(),
		})
	}
	s.logger.Error(op+" failed", "path", r.URL.Path, "error", err)
	http.Error(w, "internal error, incident "+incident, http.StatusInternalServerError)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
