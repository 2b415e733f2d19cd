// Alpaca adapter: the one Broker Port implementation kept from the
// teacher's set of per-venue Traders (trader/alpaca_trader.go), adapted
// from its bespoke Trader interface to the full Port surface and from
// crypto-shaped balances to equities-shaped quotes/positions/orders.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelquant/orchestrator/internal/clock"
	"github.com/kestrelquant/orchestrator/internal/logging"
)

// AlpacaAdapter implements Port against Alpaca Markets' equities API.
type AlpacaAdapter struct {
	apiKey    string
	secretKey string
	baseURL   string
	dataURL   string
	isPaper   bool

	httpClient *http.Client
	clk        clock.Clock
	log        *logging.Logger

	quotes *slidingWindow
	orders *slidingWindow

	idemMu    sync.Mutex
	idemCache map[string]idemEntry // client_tag -> result, pruned by age
	idemTTL   time.Duration
}

type idemEntry struct {
	orderID  string
	recorded time.Time
}

// NewAlpacaAdapter builds an adapter against Alpaca's paper or live API.
func NewAlpacaAdapter(apiKey, secretKey string, isPaper bool, clk clock.Clock) *AlpacaAdapter {
	baseURL := "https://api.alpaca.markets"
	if isPaper {
		baseURL = "https://paper-api.alpaca.markets"
	}
	return &AlpacaAdapter{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		dataURL:    "https://data.alpaca.markets",
		isPaper:    isPaper,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clk:        clk,
		log:        logging.With("broker.alpaca"),
		quotes:     newSlidingWindow(10, 200, 0, 0.9),
		orders:     newSlidingWindow(5, 100, 0, 0.9),
		idemCache:  make(map[string]idemEntry),
		idemTTL:    10 * time.Minute,
	}
}

func (a *AlpacaAdapter) doRequest(ctx context.Context, method, base, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Tag: Upstream, Message: fmt.Sprintf("failed to marshal request: %v", err)}
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reqBody)
	if err != nil {
		return nil, &Error{Tag: Upstream, Message: fmt.Sprintf("failed to build request: %v", err)}
	}
	req.Header.Set("APCA-API-KEY-ID", a.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", a.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Tag: Upstream, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Tag: Upstream, Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return respBody, nil
	case http.StatusTooManyRequests:
		retryAfter := 30 * time.Second
		if h := resp.Header.Get("Retry-After"); h != "" {
			if secs, convErr := strconv.Atoi(h); convErr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, &Error{Tag: RateLimit, Message: "alpaca rate limit", RetryAfter: retryAfter}
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &Error{Tag: AuthExpired, Message: string(respBody)}
	case http.StatusUnprocessableEntity, http.StatusNotFound:
		return nil, &Error{Tag: InvalidSymbol, Message: string(respBody)}
	default:
		return nil, &Error{Tag: Upstream, Message: fmt.Sprintf("alpaca error (status %d): %s", resp.StatusCode, string(respBody))}
	}
}

func (a *AlpacaAdapter) checkRateLimit(w *slidingWindow) error {
	ok, retryAfter := w.Allow(a.clk.Now())
	if !ok {
		return &Error{Tag: RateLimit, Message: "local sliding window exceeded", RetryAfter: retryAfter}
	}
	return nil
}

type alpacaQuoteResponse struct {
	Quote struct {
		BidPrice float64 `json:"bp"`
		AskPrice float64 `json:"ap"`
		Timestamp string `json:"t"`
	} `json:"quote"`
}

type alpacaTradeResponse struct {
	Trade struct {
		Price float64 `json:"p"`
		Size  int64   `json:"s"`
	} `json:"trade"`
}

func (a *AlpacaAdapter) GetQuote(ctx context.Context, symbols []string) ([]Quote, error) {
	if err := a.checkRateLimit(a.quotes); err != nil {
		return nil, err
	}
	quotes := make([]Quote, 0, len(symbols))
	for _, sym := range symbols {
		qResp, err := a.doRequest(ctx, "GET", a.dataURL, "/v2/stocks/"+sym+"/quotes/latest", nil)
		if err != nil {
			return nil, err
		}
		var q alpacaQuoteResponse
		if jsonErr := json.Unmarshal(qResp, &q); jsonErr != nil {
			return nil, &Error{Tag: Upstream, Message: fmt.Sprintf("malformed quote payload: %v", jsonErr)}
		}

		tResp, err := a.doRequest(ctx, "GET", a.dataURL, "/v2/stocks/"+sym+"/trades/latest", nil)
		if err != nil {
			return nil, err
		}
		var tr alpacaTradeResponse
		if jsonErr := json.Unmarshal(tResp, &tr); jsonErr != nil {
			return nil, &Error{Tag: Upstream, Message: fmt.Sprintf("malformed trade payload: %v", jsonErr)}
		}

		quotes = append(quotes, Quote{
			Symbol:    sym,
			LastPrice: tr.Trade.Price,
			Volume:    tr.Trade.Size,
			BestBid:   q.Quote.BidPrice,
			BestAsk:   q.Quote.AskPrice,
			AsOf:      a.clk.Now(),
		})
	}
	return quotes, nil
}

func (a *AlpacaAdapter) GetDepth(ctx context.Context, symbol string) (*Depth, error) {
	return nil, &Error{Tag: Upstream, Message: "alpaca does not expose level-2 depth on this plan"}
}

type alpacaBar struct {
	Timestamp string  `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    int64   `json:"v"`
}

type alpacaBarsResponse struct {
	Bars []alpacaBar `json:"bars"`
}

func mapTimeframeToAlpaca(resolution string) string {
	switch resolution {
	case "1m", "1":
		return "1Min"
	case "5m", "5":
		return "5Min"
	case "15m", "15":
		return "15Min"
	case "1h", "60":
		return "1Hour"
	case "1d", "D":
		return "1Day"
	default:
		return "1Min"
	}
}

func (a *AlpacaAdapter) GetHistory(ctx context.Context, symbol, resolution string, from, to time.Time, oiFlag bool) ([]Candle, error) {
	if err := a.checkRateLimit(a.quotes); err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/v2/stocks/%s/bars?timeframe=%s&start=%s&end=%s",
		symbol, mapTimeframeToAlpaca(resolution), from.Format(time.RFC3339), to.Format(time.RFC3339))
	resp, err := a.doRequest(ctx, "GET", a.dataURL, path, nil)
	if err != nil {
		return nil, err
	}
	var parsed alpacaBarsResponse
	if jsonErr := json.Unmarshal(resp, &parsed); jsonErr != nil {
		return nil, &Error{Tag: Upstream, Message: fmt.Sprintf("malformed bars payload: %v", jsonErr)}
	}
	candles := make([]Candle, 0, len(parsed.Bars))
	for _, b := range parsed.Bars {
		ts, _ := time.Parse(time.RFC3339, b.Timestamp)
		candles = append(candles, Candle{Timestamp: ts, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume})
	}
	return candles, nil
}

func (a *AlpacaAdapter) GetOptionChain(ctx context.Context, symbol string, strikeCount int) ([]OptionLeg, error) {
	return nil, &Error{Tag: Upstream, Message: "alpaca equities adapter does not serve option chains"}
}

func (a *AlpacaAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	resp, err := a.doRequest(ctx, "GET", a.baseURL, "/v2/positions", nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol       string `json:"symbol"`
		Qty          string `json:"qty"`
		AvgEntry     string `json:"avg_entry_price"`
		UnrealizedPL string `json:"unrealized_pl"`
	}
	if jsonErr := json.Unmarshal(resp, &raw); jsonErr != nil {
		return nil, &Error{Tag: Upstream, Message: fmt.Sprintf("malformed positions payload: %v", jsonErr)}
	}
	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		qty, _ := strconv.Atoi(p.Qty)
		avg, _ := strconv.ParseFloat(p.AvgEntry, 64)
		upl, _ := strconv.ParseFloat(p.UnrealizedPL, 64)
		positions = append(positions, Position{Symbol: p.Symbol, Quantity: qty, AveragePrice: avg, UnrealizedPnL: upl})
	}
	return positions, nil
}

func (a *AlpacaAdapter) GetHoldings(ctx context.Context) ([]Holding, error) {
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	holdings := make([]Holding, 0, len(positions))
	for _, p := range positions {
		holdings = append(holdings, Holding{Symbol: p.Symbol, Quantity: p.Quantity, AvgPrice: p.AveragePrice})
	}
	return holdings, nil
}

func (a *AlpacaAdapter) GetOrders(ctx context.Context) ([]OrderUpdate, error) {
	resp, err := a.doRequest(ctx, "GET", a.baseURL, "/v2/orders?status=all", nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		ID           string `json:"id"`
		ClientOrderID string `json:"client_order_id"`
		Status       string `json:"status"`
		FilledQty    string `json:"filled_qty"`
		FilledAvgPrice *string `json:"filled_avg_price"`
	}
	if jsonErr := json.Unmarshal(resp, &raw); jsonErr != nil {
		return nil, &Error{Tag: Upstream, Message: fmt.Sprintf("malformed orders payload: %v", jsonErr)}
	}
	updates := make([]OrderUpdate, 0, len(raw))
	for _, o := range raw {
		filled, _ := strconv.Atoi(o.FilledQty)
		var avg float64
		if o.FilledAvgPrice != nil {
			avg, _ = strconv.ParseFloat(*o.FilledAvgPrice, 64)
		}
		updates = append(updates, OrderUpdate{
			OrderID:   o.ID,
			ClientTag: o.ClientOrderID,
			Status:    mapAlpacaOrderStatus(o.Status),
			FilledQty: filled,
			AvgPrice:  avg,
			AsOf:      a.clk.Now(),
		})
	}
	return updates, nil
}

func mapAlpacaOrderStatus(s string) OrderStatus {
	switch s {
	case "filled":
		return OrderFilled
	case "partially_filled":
		return OrderPartiallyFilled
	case "canceled", "expired":
		return OrderCancelled
	case "rejected":
		return OrderRejected
	default:
		return OrderAccepted
	}
}

func (a *AlpacaAdapter) GetTradebook(ctx context.Context) ([]TradeUpdate, error) {
	resp, err := a.doRequest(ctx, "GET", a.baseURL, "/v2/account/activities/FILL", nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		OrderID string `json:"order_id"`
		Symbol  string `json:"symbol"`
		Side    string `json:"side"`
		Qty     string `json:"qty"`
		Price   string `json:"price"`
	}
	if jsonErr := json.Unmarshal(resp, &raw); jsonErr != nil {
		return nil, &Error{Tag: Upstream, Message: fmt.Sprintf("malformed activities payload: %v", jsonErr)}
	}
	updates := make([]TradeUpdate, 0, len(raw))
	for _, r := range raw {
		qty, _ := strconv.Atoi(r.Qty)
		price, _ := strconv.ParseFloat(r.Price, 64)
		side := Buy
		if r.Side == "sell" {
			side = Sell
		}
		updates = append(updates, TradeUpdate{OrderID: r.OrderID, Symbol: r.Symbol, Side: side, Quantity: qty, Price: price, AsOf: a.clk.Now()})
	}
	return updates, nil
}

func (a *AlpacaAdapter) GetFunds(ctx context.Context) (*Funds, error) {
	resp, err := a.doRequest(ctx, "GET", a.baseURL, "/v2/account", nil)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Equity       string `json:"equity"`
		Cash         string `json:"cash"`
		BuyingPower  string `json:"buying_power"`
		InitialMargin string `json:"initial_margin"`
	}
	if jsonErr := json.Unmarshal(resp, &raw); jsonErr != nil {
		return nil, &Error{Tag: Upstream, Message: fmt.Sprintf("malformed account payload: %v", jsonErr)}
	}
	equity, _ := strconv.ParseFloat(raw.Equity, 64)
	cash, _ := strconv.ParseFloat(raw.Cash, 64)
	marginUsed, _ := strconv.ParseFloat(raw.InitialMargin, 64)
	pct := 0.0
	if equity > 0 {
		pct = marginUsed / equity * 100
	}
	return &Funds{TotalEquity: equity, AvailableCash: cash, MarginUsed: marginUsed, MarginUsedPercent: pct}, nil
}

// PlaceOrder implements the idempotency contract: a retry with an
// identical ClientTag within idemTTL returns the original order id
// without re-submitting to the brokerage.
func (a *AlpacaAdapter) PlaceOrder(ctx context.Context, intent OrderIntent) (string, error) {
	if intent.ClientTag == "" {
		intent.ClientTag = uuid.NewString()
	}

	a.idemMu.Lock()
	if entry, ok := a.idemCache[intent.ClientTag]; ok && a.clk.Now().Sub(entry.recorded) < a.idemTTL {
		a.idemMu.Unlock()
		a.log.Infof("idempotent replay for client_tag=%s, returning order %s", intent.ClientTag, entry.orderID)
		return entry.orderID, nil
	}
	a.idemMu.Unlock()

	if err := a.checkRateLimit(a.orders); err != nil {
		return "", err
	}

	side := "buy"
	if intent.Side == Sell {
		side = "sell"
	}
	orderType := "market"
	if intent.Kind == Limit {
		orderType = "limit"
	}
	body := map[string]interface{}{
		"symbol":          intent.Symbol,
		"qty":             intent.Quantity,
		"side":            side,
		"type":            orderType,
		"time_in_force":   "day",
		"client_order_id": intent.ClientTag,
	}
	if intent.Kind == Limit {
		body["limit_price"] = intent.Price
	}

	resp, err := a.doRequest(ctx, "POST", a.baseURL, "/v2/orders", body)
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if jsonErr := json.Unmarshal(resp, &created); jsonErr != nil {
		return "", &Error{Tag: Upstream, Message: fmt.Sprintf("malformed order response: %v", jsonErr)}
	}

	a.idemMu.Lock()
	a.idemCache[intent.ClientTag] = idemEntry{orderID: created.ID, recorded: a.clk.Now()}
	a.idemMu.Unlock()

	return created.ID, nil
}

func (a *AlpacaAdapter) ModifyOrder(ctx context.Context, orderID string, changes OrderChange) error {
	body := map[string]interface{}{}
	if changes.NewPrice != nil {
		body["limit_price"] = *changes.NewPrice
	}
	if changes.NewQuantity != nil {
		body["qty"] = *changes.NewQuantity
	}
	_, err := a.doRequest(ctx, "PATCH", a.baseURL, "/v2/orders/"+orderID, body)
	return err
}

func (a *AlpacaAdapter) CancelOrder(ctx context.Context, orderID string) error {
	_, err := a.doRequest(ctx, "DELETE", a.baseURL, "/v2/orders/"+orderID, nil)
	return err
}

func (a *AlpacaAdapter) PlaceBracketChild(ctx context.Context, parentID string, side BracketSide, kind OrderKind, price float64) (string, error) {
	body := map[string]interface{}{
		"parent_id": parentID,
		"type":      "stop_loss",
	}
	if side == BracketTakeProfit {
		body["type"] = "take_profit"
	}
	if kind == Limit {
		body["limit_price"] = price
	} else {
		body["stop_price"] = price
	}
	resp, err := a.doRequest(ctx, "POST", a.baseURL, "/v2/orders/"+parentID+"/legs", body)
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if jsonErr := json.Unmarshal(resp, &created); jsonErr != nil {
		return "", &Error{Tag: Upstream, Message: fmt.Sprintf("malformed bracket response: %v", jsonErr)}
	}
	return created.ID, nil
}

func (a *AlpacaAdapter) CalcMargin(ctx context.Context, intents []OrderIntent) (*MarginResult, error) {
	per := make([]float64, len(intents))
	total := 0.0
	for i, it := range intents {
		req := it.Price * float64(it.Quantity)
		per[i] = req
		total += req
	}
	return &MarginResult{TotalRequired: total, PerIntent: per}, nil
}
