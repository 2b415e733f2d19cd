// Package analyst is the pluggable reasoning boundary a Workflow's
// Agent Stages call into. The orchestrator core never picks what
// reasoning an analyst performs — only the artifact contract is
// specified — so this package defines the Client interface plus two
// concrete bodies: an HTTP-backed one grounded on the teacher's
// options-pattern MCP client (mcp/architect_client.go) for an external
// LLM-style analyst, and a non-LLM LocalFunctionAnalyst grounded on
// decision/localfunc.go's pure indicator-driven scoring, useful as a
// default when no external analyst is configured.
package analyst

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kestrelquant/orchestrator/internal/artifact"
	"github.com/kestrelquant/orchestrator/internal/indicator"
	"github.com/kestrelquant/orchestrator/internal/logging"
)

// Request is what an Agent Stage hands to an analyst: the artifacts a
// prior stage produced (via session_state), plus the numeric summaries
// the Indicator Kernel computed for the symbols under consideration.
// The analyst never sees raw candles.
type Request struct {
	Symbol       string
	SessionState map[string]interface{}
	Summaries    map[string]float64 // e.g. "rsi_14", "macd_hist", "vwap_distance_pct"
	ScoreMin     int
	ScoreMax     int
}

// Response is the typed artifact an analyst produces for one symbol.
type Response struct {
	Signal *artifact.StockSignal
}

// Client is the pluggable analyst boundary. Implementations range from
// an HTTP call to an external reasoning service to a pure local
// function; the Workflow Runtime treats both identically.
type Client interface {
	Analyze(ctx context.Context, req Request) (*Response, error)
}

// ---------------------------------------------------------------------
// HTTP-backed client
// ---------------------------------------------------------------------

// ClientOption configures an HTTPClient, mirroring the teacher's
// functional-options MCP client construction.
type ClientOption func(*HTTPClient)

func WithBaseURL(url string) ClientOption  { return func(c *HTTPClient) { c.baseURL = url } }
func WithAPIKey(key string) ClientOption   { return func(c *HTTPClient) { c.apiKey = key } }
func WithModel(model string) ClientOption  { return func(c *HTTPClient) { c.model = model } }
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) { c.httpClient.Timeout = d }
}

// HTTPClient calls an external analyst endpoint over HTTP, posting the
// Request's summaries as a decision question and parsing back a
// decision/confidence/reasoning shape.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	log        *logging.Logger
	analystID  string
}

// NewHTTPClient constructs an analyst.Client backed by an HTTP service.
// analystID tags every StockSignal this client produces.
func NewHTTPClient(analystID string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:    "http://localhost:8065/api",
		model:      "default-analyst",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logging.With("analyst"),
		analystID:  analystID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type decisionRequest struct {
	Symbol        string                 `json:"symbol"`
	Summaries     map[string]float64     `json:"summaries"`
	SessionState  map[string]interface{} `json:"session_state"`
	Question      string                 `json:"question"`
}

type decisionResponse struct {
	Score      int     `json:"score"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func (c *HTTPClient) Analyze(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(decisionRequest{
		Symbol:       req.Symbol,
		Summaries:    req.Summaries,
		SessionState: req.SessionState,
		Question:     fmt.Sprintf("Score %s on a scale of %d to %d and state your confidence.", req.Symbol, req.ScoreMin, req.ScoreMax),
	})
	if err != nil {
		return nil, fmt.Errorf("analyst: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/decision", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analyst: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("analyst: endpoint returned status %d", resp.StatusCode)
	}

	var decision decisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return nil, fmt.Errorf("analyst: failed to decode response: %w", err)
	}

	signal, err := artifact.NewStockSignal(
		artifact.Produced{Workflow: "", Stage: "analyst", RunID: ""},
		req.Symbol, c.analystID, decision.Score, req.ScoreMin, req.ScoreMax,
		decision.Confidence, decision.Reasoning, time.Now(),
	)
	if err != nil {
		return nil, err
	}
	return &Response{Signal: signal}, nil
}

// ---------------------------------------------------------------------
// Local function analyst — no external call, pure indicator scoring
// ---------------------------------------------------------------------

// LocalFunctionAnalyst scores a symbol from the same indicator
// summaries an HTTP analyst would receive, using a fixed momentum/
// mean-reversion weighting instead of a call out. It is the default
// analyst when no external endpoint is configured.
type LocalFunctionAnalyst struct {
	analystID string
}

func NewLocalFunctionAnalyst(analystID string) *LocalFunctionAnalyst {
	return &LocalFunctionAnalyst{analystID: analystID}
}

// Analyze combines RSI distance from neutral, MACD histogram sign, and
// VWAP distance into a single bounded score, the same three factors
// the teacher's localFuncVWAPModel1 leans on.
func (a *LocalFunctionAnalyst) Analyze(ctx context.Context, req Request) (*Response, error) {
	rsi := req.Summaries["rsi_14"]
	macdHist := req.Summaries["macd_hist"]
	vwapDistPct := req.Summaries["vwap_distance_pct"]

	span := req.ScoreMax - req.ScoreMin
	mid := req.ScoreMin + span/2

	rsiComponent := (rsi - 50) / 50 // [-1,1], RSI=50 neutral
	macdComponent := clampUnit(macdHist * 10)
	vwapComponent := clampUnit(-vwapDistPct) // below VWAP favors mean-reversion long

	composite := (rsiComponent + macdComponent + vwapComponent) / 3
	score := mid + int(composite*float64(span)/2)
	if score < req.ScoreMin {
		score = req.ScoreMin
	}
	if score > req.ScoreMax {
		score = req.ScoreMax
	}

	confidence := 0.5 + 0.5*clampUnit(composite)
	if confidence < 0 {
		confidence = 0
	}

	reasoning := fmt.Sprintf("rsi=%.1f macd_hist=%.4f vwap_dist_pct=%.2f composite=%.3f", rsi, macdHist, vwapDistPct, composite)
	signal, err := artifact.NewStockSignal(
		artifact.Produced{Stage: "analyst"},
		req.Symbol, a.analystID, score, req.ScoreMin, req.ScoreMax,
		confidence, reasoning, time.Now(),
	)
	if err != nil {
		return nil, err
	}
	return &Response{Signal: signal}, nil
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// IndicatorSummaries computes the fixed set of indicator-kernel
// summaries an analyst (local or remote) consumes for one symbol's
// candle window, so callers never hand raw candles to an analyst.
func IndicatorSummaries(closes, highs, lows, volumes []float64) map[string]float64 {
	out := map[string]float64{}
	if len(closes) < 15 {
		return out
	}
	rsi := indicator.RSI(closes, 14)
	out["rsi_14"] = lastValid(rsi)

	_, _, hist := indicator.MACD(closes, 12, 26, 9)
	out["macd_hist"] = lastValid(hist)

	vwap := indicator.VWAP(highs, lows, closes, volumes)
	if vwap > 0 && len(closes) > 0 {
		last := closes[len(closes)-1]
		out["vwap_distance_pct"] = (last - vwap) / vwap * 100
	}
	return out
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if series[i] == series[i] { // NaN check without importing math twice
			return series[i]
		}
	}
	return 0
}
