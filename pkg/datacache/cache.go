// Package datacache pulls market and news feeds on a background cadence and
// renders a markdown context block for agent prompts. Every fetch is
// best-effort; a failed fetch leaves the previous value in place and a fully
// stale cache yields a sentinel instead of blocking loops.
package datacache

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"boardroom/pkg/config"
	"boardroom/pkg/logx"
)

// Unavailable is returned by BuildDataContext when no slot is fresh.
const Unavailable = "Market data unavailable"

// Slot keys.
const (
	slotNews      = "crypto_news"
	slotMarket    = "token_market"
	slotGlobal    = "global_market"
	slotFearGreed = "fear_greed"
)

// Per-slot freshness windows.
var slotTTLs = map[string]time.Duration{
	slotNews:      time.Hour,
	slotMarket:    5 * time.Minute,
	slotGlobal:    5 * time.Minute,
	slotFearGreed: 30 * time.Minute,
}

// slotOrder fixes the section order of the rendered context block.
var slotOrder = []string{slotGlobal, slotMarket, slotFearGreed, slotNews}

type entry struct {
	rendered  string
	fetchedAt time.Time
}

// Cache is the in-process feed cache.
type Cache struct {
	cfg    config.DataCacheConfig
	client *http.Client
	logger *logx.Logger
	now    func() time.Time

	mu    sync.RWMutex
	slots map[string]entry
}

// New creates a cache. Nothing is fetched until Run or RefreshAll is called.
func New(cfg config.DataCacheConfig) *Cache {
	if cfg.NewsPageSize <= 0 || cfg.NewsPageSize > 30 {
		cfg.NewsPageSize = 30
	}
	return &Cache{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logx.NewLogger("datacache"),
		now:    time.Now,
		slots:  make(map[string]entry),
	}
}

// Run fetches all feeds immediately, then refreshes on the configured
// interval until the context is cancelled. It never blocks agent loops.
func (c *Cache) Run(ctx context.Context) {
	if !c.cfg.Enabled {
		c.logger.Info("Data cache disabled")
		return
	}
	interval := time.Duration(c.cfg.FetchIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	c.RefreshAll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RefreshAll(ctx)
		}
	}
}

// RefreshAll refreshes every feed whose TTL has lapsed.
func (c *Cache) RefreshAll(ctx context.Context) {
	type feed struct {
		slot  string
		fetch func(context.Context) (string, error)
	}
	for _, f := range []feed{
		{slotGlobal, c.fetchGlobal},
		{slotMarket, c.fetchMarket},
		{slotFearGreed, c.fetchFearGreed},
		{slotNews, c.fetchNews},
	} {
		if c.fresh(f.slot) {
			continue
		}
		rendered, err := f.fetch(ctx)
		if err != nil {
			c.logger.Warn("Fetch failed for %s, keeping previous value: %v", f.slot, err)
			continue
		}
		c.set(f.slot, rendered)
	}
}

// BuildDataContext composes a markdown block from the fresh slots, in a
// stable section order. Stale or missing slots are omitted.
func (c *Cache) BuildDataContext() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sections []string
	now := c.now()
	for _, slot := range slotOrder {
		e, ok := c.slots[slot]
		if !ok || e.rendered == "" {
			continue
		}
		if now.Sub(e.fetchedAt) > slotTTLs[slot] {
			continue
		}
		sections = append(sections, e.rendered)
	}
	if len(sections) == 0 {
		return Unavailable
	}
	return strings.Join(sections, "\n\n")
}

func (c *Cache) fresh(slot string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.slots[slot]
	return ok && c.now().Sub(e.fetchedAt) <= slotTTLs[slot]
}

func (c *Cache) set(slot, rendered string) {
	c.mu.Lock()
	c.slots[slot] = entry{rendered: rendered, fetchedAt: c.now()}
	c.mu.Unlock()
}
