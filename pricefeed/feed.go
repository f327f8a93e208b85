package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrPriceUnavailable indicates no source produced a usable quote.
var ErrPriceUnavailable = errors.New("pricefeed: price unavailable")

const (
	// DefaultTTL is how long a fetched quote stays fresh.
	DefaultTTL = 5 * time.Minute
	// FallbackTRXUSD is the conservative rate applied when every source
	// fails and no cached quote exists. Cost accounting flags entries
	// computed from it as stale.
	FallbackTRXUSD = 0.28

	fetchTimeout = 5 * time.Second
)

// Quote is one TRX/USD observation. Stale marks fallback or expired values
// so downstream cost records can carry the flag.
type Quote struct {
	TRXUSD     float64
	Stale      bool
	ObservedAt time.Time
}

// Source fetches a fresh TRX/USD rate.
type Source interface {
	TRXUSD(ctx context.Context) (float64, error)
}

// HTTPSource pulls the rate from a JSON price API shaped like
// {"tron": {"usd": 0.31}}.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s *HTTPSource) TRXUSD(ctx context.Context) (float64, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("pricefeed: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("pricefeed: fetch: status=%d", resp.StatusCode)
	}
	var payload map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("pricefeed: decode: %w", err)
	}
	entry, ok := payload["tron"]
	if !ok || entry.USD <= 0 {
		return 0, ErrPriceUnavailable
	}
	return entry.USD, nil
}

// Feed caches TRX/USD quotes with a freshness window and degrades to the
// fallback rate instead of failing.
type Feed struct {
	source Source
	ttl    time.Duration
	nowFn  func() time.Time

	mu     sync.Mutex
	cached *Quote
}

func NewFeed(source Source, ttl time.Duration) *Feed {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Feed{source: source, ttl: ttl, nowFn: time.Now}
}

// SetNowFunc overrides the feed clock for deterministic tests.
func (f *Feed) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	f.mu.Lock()
	f.nowFn = now
	f.mu.Unlock()
}

// Current returns the freshest quote available. A cached quote inside the
// TTL is served without a network call. On source failure an expired cached
// quote is reused with Stale set; with no cache at all the fallback rate is
// returned, also marked stale. Current never returns an error, it degrades.
func (f *Feed) Current(ctx context.Context) Quote {
	f.mu.Lock()
	now := f.nowFn()
	if f.cached != nil && now.Sub(f.cached.ObservedAt) <= f.ttl {
		q := *f.cached
		f.mu.Unlock()
		return q
	}
	f.mu.Unlock()

	value, err := f.source.TRXUSD(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	now = f.nowFn()
	if err == nil && value > 0 {
		f.cached = &Quote{TRXUSD: value, ObservedAt: now}
		return *f.cached
	}
	if f.cached != nil {
		return Quote{TRXUSD: f.cached.TRXUSD, Stale: true, ObservedAt: f.cached.ObservedAt}
	}
	return Quote{TRXUSD: FallbackTRXUSD, Stale: true, ObservedAt: now}
}
