package monitor

import (
	"context"
	"log/slog"
	"time"
)

// SessionPurger garbage-collects expired sessions.
type SessionPurger interface {
	PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// SessionJanitor periodically drops sessions past their TTL. Expired rows
// are already invisible to reads; the janitor just keeps the table small.
type SessionJanitor struct {
	store    SessionPurger
	interval time.Duration
	logger   *slog.Logger
	nowFn    func() time.Time
}

func NewSessionJanitor(store SessionPurger, interval time.Duration, logger *slog.Logger) *SessionJanitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionJanitor{store: store, interval: interval, logger: logger.With("component", "session-janitor"), nowFn: time.Now}
}

func (j *SessionJanitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := j.store.PurgeExpiredSessions(ctx, j.nowFn())
			if err != nil {
				j.logger.Error("session purge failed", "error", err)
				continue
			}
			if purged > 0 {
				j.logger.Info("expired sessions purged", "count", purged)
			}
		}
	}
}
