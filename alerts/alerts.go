package alerts

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity grades an alert for operator triage.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator-facing incident record. The ID is opaque and safe
// to show to end users as an incident reference.
type Alert struct {
	ID        string         `json:"id"`
	Severity  Severity       `json:"severity"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	At        time.Time      `json:"at"`
}

const ringSize = 500

// Service keeps the most recent alerts in memory and mirrors each one to
// the structured log. Persistence is the log's job; the ring exists so the
// admin API can show recent incidents without log access.
type Service struct {
	logger  *slog.Logger
	nowFn   func() time.Time
	onAlert func(severity Severity)

	mu   sync.Mutex
	ring []Alert
}

func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger, nowFn: time.Now}
}

// SetOnAlert registers a callback fired once per recorded alert, used to
// feed the severity counter.
func (s *Service) SetOnAlert(fn func(severity Severity)) {
	s.onAlert = fn
}

// SetNowFunc overrides the clock for deterministic tests.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// Alert records an incident and returns its opaque id.
func (s *Service) Alert(severity Severity, component, message string, fields map[string]any) string {
	entry := Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Component: component,
		Message:   message,
		Fields:    fields,
		At:        s.nowFn().UTC(),
	}

	attrs := []any{"alert_id", entry.ID, "component", component}
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	switch severity {
	case SeverityCritical:
		s.logger.Error(message, attrs...)
	case SeverityWarning:
		s.logger.Warn(message, attrs...)
	default:
		s.logger.Info(message, attrs...)
	}

	s.mu.Lock()
	s.ring = append(s.ring, entry)
	if len(s.ring) > ringSize {
		s.ring = s.ring[len(s.ring)-ringSize:]
	}
	s.mu.Unlock()
	if s.onAlert != nil {
		s.onAlert(severity)
	}
	return entry.ID
}

// Recent returns up to limit alerts, newest first.
func (s *Service) Recent(limit int) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.ring) {
		limit = len(s.ring)
	}
	out := make([]Alert, 0, limit)
	for i := len(s.ring) - 1; i >= len(s.ring)-limit; i-- {
		out = append(out, s.ring[i])
	}
	return out
}
