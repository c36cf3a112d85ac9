package datacache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardroom/pkg/config"
)

const (
	newsBody = `{"results":[
		{"title":"ETF inflows hit record","source":{"title":"Wire"},"published_at":"2026-03-01T10:00:00Z"},
		{"title":"L2 fees drop","source":{"title":"Desk"},"published_at":"2026-03-01T09:00:00Z"}]}`
	marketBody = `[
		{"symbol":"btc","name":"Bitcoin","current_price":64250.1234,"price_change_percentage_24h":2.5,"market_cap":1200000000000},
		{"symbol":"eth","name":"Ethereum","current_price":3120.5,"price_change_percentage_24h":-1.2,"market_cap":380000000000},
		{"symbol":"sol","name":"Solana","current_price":145.2,"price_change_percentage_24h":5.8,"market_cap":65000000000}]`
	globalBody = `{"data":{"total_market_cap":{"usd":2400000000000},"total_volume":{"usd":95000000000},
		"market_cap_change_percentage_24h_usd":1.4}}`
	fearGreedBody = `{"data":[{"value":"72","value_classification":"Greed"},{"value":"65","value_classification":"Greed"}]}`
)

func testServer(t *testing.T, failing map[string]bool) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if failing[r.URL.Path] {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		switch r.URL.Path {
		case "/news":
			_, _ = w.Write([]byte(newsBody))
		case "/market":
			_, _ = w.Write([]byte(marketBody))
		case "/global":
			_, _ = w.Write([]byte(globalBody))
		case "/feargreed":
			_, _ = w.Write([]byte(fearGreedBody))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestCache(t *testing.T, srv *httptest.Server) *Cache {
	t.Helper()
	return New(config.DataCacheConfig{
		Enabled:      true,
		NewsURL:      srv.URL + "/news",
		MarketURL:    srv.URL + "/market",
		GlobalURL:    srv.URL + "/global",
		FearGreedURL: srv.URL + "/feargreed",
		NewsPageSize: 30,
	})
}

func TestBuildDataContextComposesFreshSlots(t *testing.T) {
	srv, _ := testServer(t, nil)
	cache := newTestCache(t, srv)
	cache.RefreshAll(context.Background())

	ctx := cache.BuildDataContext()
	assert.Contains(t, ctx, "## Global Market")
	assert.Contains(t, ctx, "## Token Market")
	assert.Contains(t, ctx, "## Fear & Greed Index")
	assert.Contains(t, ctx, "## Crypto News")
	assert.Contains(t, ctx, "BTC: $64250.1234 (+2.50% 24h)")
	assert.Contains(t, ctx, "Current: 72 (Greed)")
	assert.Contains(t, ctx, "ETF inflows hit record (Wire)")
	assert.Contains(t, ctx, "Top gainers: SOL +5.80%")

	// Section order is stable: global before market before sentiment.
	assert.Less(t, strings.Index(ctx, "## Global Market"), strings.Index(ctx, "## Token Market"))
	assert.Less(t, strings.Index(ctx, "## Token Market"), strings.Index(ctx, "## Fear & Greed Index"))
}

func TestEmptyCacheReturnsSentinel(t *testing.T) {
	srv, _ := testServer(t, nil)
	cache := newTestCache(t, srv)
	assert.Equal(t, Unavailable, cache.BuildDataContext())
}

func TestFailedFetchKeepsPreviousValue(t *testing.T) {
	failing := map[string]bool{}
	srv, _ := testServer(t, failing)
	cache := newTestCache(t, srv)
	cache.RefreshAll(context.Background())
	require.Contains(t, cache.BuildDataContext(), "## Token Market")

	// Age every slot past its TTL, then fail every feed. The refresh attempt
	// fails and the old values stay in the slots.
	for _, p := range []string{"/news", "/market", "/global", "/feargreed"} {
		failing[p] = true
	}
	cache.mu.Lock()
	for slot, e := range cache.slots {
		e.fetchedAt = e.fetchedAt.Add(-2 * time.Hour)
		cache.slots[slot] = e
	}
	cache.mu.Unlock()
	cache.RefreshAll(context.Background())

	cache.mu.RLock()
	defer cache.mu.RUnlock()
	assert.Contains(t, cache.slots[slotMarket].rendered, "## Token Market")
	assert.Contains(t, cache.slots[slotNews].rendered, "## Crypto News")
}

func TestStaleSlotsAreOmitted(t *testing.T) {
	srv, _ := testServer(t, nil)
	cache := newTestCache(t, srv)
	cache.RefreshAll(context.Background())

	// Market data older than 5 minutes is stale; news survives an hour.
	cache.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	ctx := cache.BuildDataContext()
	assert.NotContains(t, ctx, "## Token Market")
	assert.NotContains(t, ctx, "## Global Market")
	assert.Contains(t, ctx, "## Fear & Greed Index")
	assert.Contains(t, ctx, "## Crypto News")

	cache.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, Unavailable, cache.BuildDataContext())
}

func TestRefreshSkipsFreshSlots(t *testing.T) {
	srv, hits := testServer(t, nil)
	cache := newTestCache(t, srv)
	cache.RefreshAll(context.Background())
	first := hits.Load()

	cache.RefreshAll(context.Background())
	assert.Equal(t, first, hits.Load(), "fresh slots are not refetched")
}

func TestNewsPageSizeCap(t *testing.T) {
	cache := New(config.DataCacheConfig{NewsPageSize: 100})
	assert.Equal(t, 30, cache.cfg.NewsPageSize)
}
