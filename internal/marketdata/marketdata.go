// Package marketdata is the Market-Data Port (C2): four swappable
// capability groups that return pre-shaped records suitable for direct
// inclusion in analyst prompts. Grounded on the teacher's
// provider/data_provider.go (institutional-flow/ranking sourcing) and
// market/historical.go, generalized from coin-pool scoring to
// equities-shaped institutional flow, news, fundamentals, and events.
// Failures here are non-fatal: an empty result is valid and must never
// halt a workflow.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kestrelquant/orchestrator/internal/logging"
)

// InstitutionalFlow is one symbol's net institutional positioning,
// mirrored from the teacher's CoinData scoring shape.
type InstitutionalFlow struct {
	Symbol          string
	Score           float64
	IncreasePercent float64
	AsOf            time.Time
}

// NewsItem is one pre-shaped news fact suitable for direct inclusion in
// an analyst prompt.
type NewsItem struct {
	Headline  string
	Symbols   []string
	Source    string
	Timestamp time.Time
}

// Fundamental is a symbol's latest reported fundamentals snapshot.
type Fundamental struct {
	Symbol       string
	MarketCap    float64
	PERatio      float64
	EPS          float64
	RevenueGrowth float64
	AsOf         time.Time
}

// CalendarEvent is one upcoming scheduled event (earnings, Fed, CPI).
type CalendarEvent struct {
	Name   string
	Symbol string // empty for macro-wide events
	At     time.Time
}

// Port is the Market-Data Port surface. Every method returns a
// possibly-empty slice on a source hiccup rather than an error; callers
// treat empty as valid input, not as failure.
type Port interface {
	InstitutionalFlows(ctx context.Context, symbols []string) []InstitutionalFlow
	News(ctx context.Context, symbols []string, since time.Time) []NewsItem
	Fundamentals(ctx context.Context, symbols []string) []Fundamental
	UpcomingEvents(ctx context.Context, symbols []string, within time.Duration) []CalendarEvent
}

// httpSource is a thin read-only JSON client, the same shape the
// teacher itself builds with stdlib net/http + encoding/json for its
// AI500/AI100/Top-Movers endpoints.
type httpSource struct {
	client *http.Client
	log    *logging.Logger
}

func newHTTPSource() *httpSource {
	return &httpSource{
		client: &http.Client{Timeout: 30 * time.Second},
		log:    logging.With("marketdata"),
	}
}

func (s *httpSource) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("marketdata source returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Sources bundles one endpoint per capability group. Empty URLs
// disable that group silently (source is swappable / optional).
type Sources struct {
	FlowsURL        string
	NewsURL         string
	FundamentalsURL string
	EventsURL       string
}

// HTTPPort implements Port against configurable HTTP endpoints,
// generalized from the teacher's per-provider AI500/AI100/Winners/
// Losers client set into one source-table-driven client.
type HTTPPort struct {
	sources Sources
	http    *httpSource
}

func NewHTTPPort(sources Sources) *HTTPPort {
	return &HTTPPort{sources: sources, http: newHTTPSource()}
}

type flowsResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Stocks []struct {
			Pair            string  `json:"pair"`
			Score           float64 `json:"score"`
			IncreasePercent float64 `json:"increase_percent"`
		} `json:"stocks"`
	} `json:"data"`
}

func (p *HTTPPort) InstitutionalFlows(ctx context.Context, symbols []string) []InstitutionalFlow {
	if p.sources.FlowsURL == "" {
		return nil
	}
	var resp flowsResponse
	if err := p.http.getJSON(ctx, p.sources.FlowsURL, &resp); err != nil {
		p.http.log.Warnf("institutional flows fetch failed, returning empty: %v", err)
		return nil
	}
	wanted := toSet(symbols)
	now := time.Now()
	flows := make([]InstitutionalFlow, 0, len(resp.Data.Stocks))
	for _, s := range resp.Data.Stocks {
		if len(wanted) > 0 && !wanted[s.Pair] {
			continue
		}
		flows = append(flows, InstitutionalFlow{Symbol: s.Pair, Score: s.Score, IncreasePercent: s.IncreasePercent, AsOf: now})
	}
	return flows
}

type newsResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Items []struct {
			Headline string   `json:"headline"`
			Symbols  []string `json:"symbols"`
			Source   string   `json:"source"`
			At       string   `json:"at"`
		} `json:"items"`
	} `json:"data"`
}

func (p *HTTPPort) News(ctx context.Context, symbols []string, since time.Time) []NewsItem {
	if p.sources.NewsURL == "" {
		return nil
	}
	var resp newsResponse
	if err := p.http.getJSON(ctx, p.sources.NewsURL, &resp); err != nil {
		p.http.log.Warnf("news fetch failed, returning empty: %v", err)
		return nil
	}
	items := make([]NewsItem, 0, len(resp.Data.Items))
	for _, it := range resp.Data.Items {
		ts, _ := time.Parse(time.RFC3339, it.At)
		if ts.Before(since) {
			continue
		}
		items = append(items, NewsItem{Headline: it.Headline, Symbols: it.Symbols, Source: it.Source, Timestamp: ts})
	}
	return items
}

type fundamentalsResponse struct {
	Data []struct {
		Symbol        string  `json:"symbol"`
		MarketCap     float64 `json:"market_cap"`
		PERatio       float64 `json:"pe_ratio"`
		EPS           float64 `json:"eps"`
		RevenueGrowth float64 `json:"revenue_growth"`
	} `json:"data"`
}

func (p *HTTPPort) Fundamentals(ctx context.Context, symbols []string) []Fundamental {
	if p.sources.FundamentalsURL == "" {
		return nil
	}
	var resp fundamentalsResponse
	if err := p.http.getJSON(ctx, p.sources.FundamentalsURL, &resp); err != nil {
		p.http.log.Warnf("fundamentals fetch failed, returning empty: %v", err)
		return nil
	}
	now := time.Now()
	wanted := toSet(symbols)
	out := make([]Fundamental, 0, len(resp.Data))
	for _, f := range resp.Data {
		if len(wanted) > 0 && !wanted[f.Symbol] {
			continue
		}
		out = append(out, Fundamental{Symbol: f.Symbol, MarketCap: f.MarketCap, PERatio: f.PERatio, EPS: f.EPS, RevenueGrowth: f.RevenueGrowth, AsOf: now})
	}
	return out
}

type eventsResponse struct {
	Data []struct {
		Name   string `json:"name"`
		Symbol string `json:"symbol"`
		At     string `json:"at"`
	} `json:"data"`
}

func (p *HTTPPort) UpcomingEvents(ctx context.Context, symbols []string, within time.Duration) []CalendarEvent {
	if p.sources.EventsURL == "" {
		return nil
	}
	var resp eventsResponse
	if err := p.http.getJSON(ctx, p.sources.EventsURL, &resp); err != nil {
		p.http.log.Warnf("events fetch failed, returning empty: %v", err)
		return nil
	}
	wanted := toSet(symbols)
	deadline := time.Now().Add(within)
	out := make([]CalendarEvent, 0, len(resp.Data))
	for _, e := range resp.Data {
		at, err := time.Parse(time.RFC3339, e.At)
		if err != nil || at.After(deadline) {
			continue
		}
		if e.Symbol != "" && len(wanted) > 0 && !wanted[e.Symbol] {
			continue
		}
		out = append(out, CalendarEvent{Name: e.Name, Symbol: e.Symbol, At: at})
	}
	return out
}

func toSet(symbols []string) map[string]bool {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return set
}
