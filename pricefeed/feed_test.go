package pricefeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubSource struct {
	value float64
	err   error
	calls int
}

func (s *stubSource) TRXUSD(ctx context.Context) (float64, error) {
	s.calls++
	return s.value, s.err
}

func TestFeedCachesWithinTTL(t *testing.T) {
	src := &stubSource{value: 0.31}
	feed := NewFeed(src, 5*time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	feed.SetNowFunc(func() time.Time { return now })

	q := feed.Current(context.Background())
	require.Equal(t, 0.31, q.TRXUSD)
	require.False(t, q.Stale)
	require.Equal(t, 1, src.calls)

	// Inside the TTL the cached quote is served without a fetch.
	now = now.Add(4 * time.Minute)
	q = feed.Current(context.Background())
	require.Equal(t, 0.31, q.TRXUSD)
	require.Equal(t, 1, src.calls)

	// Past the TTL a fresh fetch happens.
	now = now.Add(2 * time.Minute)
	src.value = 0.35
	q = feed.Current(context.Background())
	require.Equal(t, 0.35, q.TRXUSD)
	require.Equal(t, 2, src.calls)
}

func TestFeedReusesExpiredQuoteOnFailure(t *testing.T) {
	src := &stubSource{value: 0.31}
	feed := NewFeed(src, time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	feed.SetNowFunc(func() time.Time { return now })

	require.False(t, feed.Current(context.Background()).Stale)

	now = now.Add(10 * time.Minute)
	src.err = errors.New("rate limited")
	q := feed.Current(context.Background())
	require.Equal(t, 0.31, q.TRXUSD)
	require.True(t, q.Stale)
}

func TestFeedFallsBackWithoutCache(t *testing.T) {
	src := &stubSource{err: errors.New("down")}
	feed := NewFeed(src, time.Minute)

	q := feed.Current(context.Background())
	require.Equal(t, FallbackTRXUSD, q.TRXUSD)
	require.True(t, q.Stale)
}

func TestHTTPSourceParsesQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tron":{"usd":0.2945}}`))
	}))
	defer srv.Close()

	src := &HTTPSource{URL: srv.URL}
	value, err := src.TRXUSD(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0.2945, value)
}

func TestHTTPSourceRejectsZeroQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tron":{"usd":0}}`))
	}))
	defer srv.Close()

	src := &HTTPSource{URL: srv.URL}
	_, err := src.TRXUSD(context.Background())
	require.ErrorIs(t, err, ErrPriceUnavailable)
}
