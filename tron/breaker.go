package tron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrServiceUnavailable is returned for calls rejected while the breaker is
// open. Callers fail fast without touching the network.
var ErrServiceUnavailable = errors.New("tron: service unavailable (circuit open)")

// BreakerState enumerates the circuit breaker states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig tunes the failure window and recovery behaviour.
type BreakerConfig struct {
	// Service labels the breaker in alerts and metrics.
	Service string
	// FailureThreshold opens the breaker once this many failures land
	// inside the rolling window.
	FailureThreshold int
	// FailureWindow is the rolling window failures are counted in.
	FailureWindow time.Duration
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// OnStateChange is invoked outside the lock for every transition.
	OnStateChange func(service string, from, to BreakerState)
}

func (c *BreakerConfig) applyDefaults() {
	if c.Service == "" {
		c.Service = "tron"
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 30 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
}

// StateChange is one entry in the breaker's transition history.
type StateChange struct {
	From BreakerState `json:"from"`
	To   BreakerState `json:"to"`
	At   time.Time    `json:"at"`
}

// BreakerMetrics is a point-in-time counter snapshot.
type BreakerMetrics struct {
	State      BreakerState  `json:"state"`
	Total      uint64        `json:"total"`
	Successful uint64        `json:"successful"`
	Failed     uint64        `json:"failed"`
	Rejected   uint64        `json:"rejected"`
	History    []StateChange `json:"history"`
}

const breakerHistorySize = 20

// Breaker is a sliding-window circuit breaker guarding outbound RPC.
type Breaker struct {
	cfg   BreakerConfig
	nowFn func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    []time.Time
	lastFailure time.Time
	total       uint64
	successful  uint64
	failed      uint64
	rejected    uint64
	history     []StateChange
	notifyQueue []StateChange
	notifying   bool

	promTotal    *prometheus.CounterVec
	promRejected prometheus.Counter
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg.applyDefaults()
	b := &Breaker{
		cfg:   cfg,
		nowFn: time.Now,
		state: BreakerClosed,
	}
	b.promTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "trondeal",
		Subsystem:   "breaker",
		Name:        "calls_total",
		Help:        "Breaker-guarded calls segmented by outcome.",
		ConstLabels: prometheus.Labels{"service": cfg.Service},
	}, []string{"outcome"})
	b.promRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "trondeal",
		Subsystem:   "breaker",
		Name:        "rejected_total",
		Help:        "Calls rejected while the breaker was open.",
		ConstLabels: prometheus.Labels{"service": cfg.Service},
	})
	return b
}

// SetNowFunc overrides the breaker clock for deterministic tests.
func (b *Breaker) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	b.mu.Lock()
	b.nowFn = now
	b.mu.Unlock()
}

// Collectors exposes the prometheus collectors for registration.
func (b *Breaker) Collectors() []prometheus.Collector {
	return []prometheus.Collector{b.promTotal, b.promRejected}
}

// Execute runs fn under breaker protection. While open, calls fail fast with
// ErrServiceUnavailable; the first call after the reset timeout probes the
// service in half-open state.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	now := b.nowFn()
	switch b.state {
	case BreakerOpen:
		if now.Sub(b.lastFailure) < b.cfg.ResetTimeout {
			b.rejected++
			b.total++
			b.mu.Unlock()
			b.promRejected.Inc()
			b.promTotal.WithLabelValues("rejected").Inc()
			return fmt.Errorf("%w: %s", ErrServiceUnavailable, b.cfg.Service)
		}
		b.transition(BreakerHalfOpen, now)
	case BreakerHalfOpen, BreakerClosed:
	}
	b.total++
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	now = b.nowFn()
	if err != nil {
		b.failed++
		b.lastFailure = now
		switch b.state {
		case BreakerHalfOpen:
			b.transition(BreakerOpen, now)
		default:
			b.failures = append(b.failures, now)
			b.pruneLocked(now)
			if len(b.failures) >= b.cfg.FailureThreshold {
				b.transition(BreakerOpen, now)
			}
		}
		b.mu.Unlock()
		b.promTotal.WithLabelValues("failure").Inc()
		return err
	}
	b.successful++
	if b.state == BreakerHalfOpen {
		b.failures = nil
		b.transition(BreakerClosed, now)
	}
	b.mu.Unlock()
	b.promTotal.WithLabelValues("success").Inc()
	return nil
}

// State returns the current breaker state, accounting for an elapsed reset
// timeout: an open breaker whose probe window has arrived reports half-open
// even before the next Execute performs the probe.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.nowFn().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Metrics returns a snapshot of the counters and transition history.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	history := make([]StateChange, len(b.history))
	copy(history, b.history)
	return BreakerMetrics{
		State:      b.state,
		Total:      b.total,
		Successful: b.successful,
		Failed:     b.failed,
		Rejected:   b.rejected,
		History:    history,
	}
}

// transition must be called with the lock held. Callbacks are queued and
// drained by a single goroutine, so listeners observe transitions in order
// and run outside the lock, where reentering the breaker is safe.
func (b *Breaker) transition(to BreakerState, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.history = append(b.history, StateChange{From: from, To: to, At: now})
	if len(b.history) > breakerHistorySize {
		b.history = b.history[len(b.history)-breakerHistorySize:]
	}
	if b.cfg.OnStateChange != nil {
		b.notifyQueue = append(b.notifyQueue, StateChange{From: from, To: to, At: now})
		if !b.notifying {
			b.notifying = true
			go b.drainNotifications()
		}
	}
}

func (b *Breaker) drainNotifications() {
	for {
		b.mu.Lock()
		if len(b.notifyQueue) == 0 {
			b.notifying = false
			b.mu.Unlock()
			return
		}
		next := b.notifyQueue[0]
		b.notifyQueue = b.notifyQueue[1:]
		b.mu.Unlock()
		b.cfg.OnStateChange(b.cfg.Service, next.From, next.To)
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}
