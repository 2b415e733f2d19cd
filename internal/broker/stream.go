package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelquant/orchestrator/internal/logging"
)

// orderStreamPath is the path of Alpaca's trading-update websocket under
// the trading base URL; market data streaming
// uses a sibling endpoint under a.dataURL with the same auth handshake.
const orderStreamPath = "/stream"

type alpacaStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type alpacaTradeUpdate struct {
	Event string `json:"event"`
	Order struct {
		ID            string  `json:"id"`
		ClientOrderID string  `json:"client_order_id"`
		Symbol        string  `json:"symbol"`
		Status        string  `json:"status"`
		FilledQty     string  `json:"filled_qty"`
		FilledAvgPrice *string `json:"filled_avg_price"`
	} `json:"order"`
}

// SubscribeOrders opens a websocket connection and delivers OrderUpdate
// events to cb until ctx is cancelled. Delivery is at-least-once;
// reconnects silently retry the same subscription so callers must be
// idempotent on (order_id, status) per spec.md §4.1.
func (a *AlpacaAdapter) SubscribeOrders(ctx context.Context, cb OrderCallback) error {
	wsURL := toWebsocketURL(a.baseURL) + orderStreamPath
	return a.runStream(ctx, wsURL, func(raw []byte) {
		var env alpacaStreamEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			a.log.Warnf("order stream: malformed envelope: %v", err)
			return
		}
		if env.Stream != "trade_updates" {
			return
		}
		var tu alpacaTradeUpdate
		if err := json.Unmarshal(env.Data, &tu); err != nil {
			a.log.Warnf("order stream: malformed trade update: %v", err)
			return
		}
		var avg float64
		if tu.Order.FilledAvgPrice != nil {
			fmt.Sscanf(*tu.Order.FilledAvgPrice, "%f", &avg)
		}
		var filled int
		fmt.Sscanf(tu.Order.FilledQty, "%d", &filled)
		cb(OrderUpdate{
			OrderID:   tu.Order.ID,
			ClientTag: tu.Order.ClientOrderID,
			Status:    mapAlpacaOrderStatus(tu.Order.Status),
			FilledQty: filled,
			AvgPrice:  avg,
			Message:   tu.Event,
			AsOf:      a.clk.Now(),
		})
	})
}

type alpacaTickPayload struct {
	Symbol string  `json:"S"`
	Price  float64 `json:"p"`
	Size   int64   `json:"s"`
}

// SubscribeMarket opens a websocket connection to the market-data
// stream and delivers Tick events for the given symbols.
func (a *AlpacaAdapter) SubscribeMarket(ctx context.Context, symbols []string, cb MarketCallback) error {
	wsURL := toWebsocketURL(a.dataURL) + "/v2/stocks/trades"
	return a.runStream(ctx, wsURL, func(raw []byte) {
		var payload alpacaTickPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			a.log.Warnf("market stream: malformed tick: %v", err)
			return
		}
		cb(Tick{Symbol: payload.Symbol, LastPrice: payload.Price, Volume: payload.Size, AsOf: a.clk.Now()})
	})
}

func toWebsocketURL(httpURL string) string {
	if len(httpURL) > 8 && httpURL[:8] == "https://" {
		return "wss://" + httpURL[8:]
	}
	if len(httpURL) > 7 && httpURL[:7] == "http://" {
		return "ws://" + httpURL[7:]
	}
	return httpURL
}

// runStream owns the connect-auth-read loop, reconnecting with backoff
// until ctx is cancelled.
func (a *AlpacaAdapter) runStream(ctx context.Context, wsURL string, handle func([]byte)) error {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			a.log.Warnf("stream dial failed: %v, retrying in %s", err, backoff)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		authMsg := map[string]interface{}{
			"action": "auth",
			"key":    a.apiKey,
			"secret": a.secretKey,
		}
		if err := conn.WriteJSON(authMsg); err != nil {
			conn.Close()
			continue
		}

		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return ctx.Err()
			default:
			}
			_, msg, err := conn.ReadMessage()
			if err != nil {
				a.log.Warnf("stream read failed: %v, reconnecting", err)
				conn.Close()
				break
			}
			handle(msg)
		}
	}
}
