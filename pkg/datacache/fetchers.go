package datacache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// maxFeedBodyBytes bounds a feed response body.
const maxFeedBodyBytes = 4 * 1024 * 1024

func (c *Cache) getJSON(ctx context.Context, url string, out any) error {
	if url == "" {
		return fmt.Errorf("feed URL not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("feed returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse feed: %w", err)
	}
	return nil
}

type newsItem struct {
	Title       string `json:"title"`
	PublishedAt string `json:"published_at"`
	Source      struct {
		Title string `json:"title"`
	} `json:"source"`
}

type newsResponse struct {
	Results []newsItem `json:"results"`
}

func (c *Cache) fetchNews(ctx context.Context) (string, error) {
	var resp newsResponse
	if err := c.getJSON(ctx, c.cfg.NewsURL, &resp); err != nil {
		return "", err
	}
	items := resp.Results
	if len(items) > c.cfg.NewsPageSize {
		items = items[:c.cfg.NewsPageSize]
	}
	if len(items) == 0 {
		return "", fmt.Errorf("news feed returned no items")
	}

	var b strings.Builder
	b.WriteString("## Crypto News\n")
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item.Title)
		if item.Source.Title != "" {
			fmt.Fprintf(&b, " (%s)", item.Source.Title)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

type marketToken struct {
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	CurrentPrice float64 `json:"current_price"`
	Change24h    float64 `json:"price_change_percentage_24h"`
	MarketCap    float64 `json:"market_cap"`
}

func (c *Cache) fetchMarket(ctx context.Context) (string, error) {
	var tokens []marketToken
	if err := c.getJSON(ctx, c.cfg.MarketURL, &tokens); err != nil {
		return "", err
	}
	if len(tokens) == 0 {
		return "", fmt.Errorf("market feed returned no tokens")
	}

	var b strings.Builder
	b.WriteString("## Token Market\n")
	for _, tok := range tokens {
		fmt.Fprintf(&b, "- %s: $%.4f (%+.2f%% 24h)\n",
			strings.ToUpper(tok.Symbol), tok.CurrentPrice, tok.Change24h)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

type globalResponse struct {
	Data struct {
		TotalMarketCap  map[string]float64 `json:"total_market_cap"`
		TotalVolume     map[string]float64 `json:"total_volume"`
		MarketCapChange float64            `json:"market_cap_change_percentage_24h_usd"`
	} `json:"data"`
}

func (c *Cache) fetchGlobal(ctx context.Context) (string, error) {
	var resp globalResponse
	if err := c.getJSON(ctx, c.cfg.GlobalURL, &resp); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("## Global Market\n")
	if mcap, ok := resp.Data.TotalMarketCap["usd"]; ok {
		fmt.Fprintf(&b, "- Total market cap: $%.0fB (%+.2f%% 24h)\n",
			mcap/1e9, resp.Data.MarketCapChange)
	}
	if vol, ok := resp.Data.TotalVolume["usd"]; ok {
		fmt.Fprintf(&b, "- 24h volume: $%.0fB\n", vol/1e9)
	}
	if movers := c.topMovers(ctx); movers != "" {
		b.WriteString(movers)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// topMovers derives top gainers and losers from the market feed.
func (c *Cache) topMovers(ctx context.Context) string {
	var tokens []marketToken
	if err := c.getJSON(ctx, c.cfg.MarketURL, &tokens); err != nil || len(tokens) == 0 {
		return ""
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Change24h > tokens[j].Change24h })

	top := func(toks []marketToken, n int) []string {
		names := make([]string, 0, n)
		for i := 0; i < n && i < len(toks); i++ {
			names = append(names, fmt.Sprintf("%s %+.2f%%",
				strings.ToUpper(toks[i].Symbol), toks[i].Change24h))
		}
		return names
	}
	gainers := top(tokens, 3)
	reversed := make([]marketToken, len(tokens))
	for i, tok := range tokens {
		reversed[len(tokens)-1-i] = tok
	}
	losers := top(reversed, 3)

	return fmt.Sprintf("- Top gainers: %s\n- Top losers: %s\n",
		strings.Join(gainers, ", "), strings.Join(losers, ", "))
}

type fearGreedResponse struct {
	Data []struct {
		Value          string `json:"value"`
		Classification string `json:"value_classification"`
	} `json:"data"`
}

func (c *Cache) fetchFearGreed(ctx context.Context) (string, error) {
	var resp fearGreedResponse
	if err := c.getJSON(ctx, c.cfg.FearGreedURL, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", fmt.Errorf("fear & greed feed returned no data")
	}

	var b strings.Builder
	b.WriteString("## Fear & Greed Index\n")
	fmt.Fprintf(&b, "- Current: %s (%s)\n", resp.Data[0].Value, resp.Data[0].Classification)
	if len(resp.Data) > 1 {
		fmt.Fprintf(&b, "- Previous: %s (%s)\n", resp.Data[1].Value, resp.Data[1].Classification)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
