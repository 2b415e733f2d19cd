// Package broker defines the Broker Port (C1): a typed façade over an
// external brokerage that the rest of the orchestrator depends on
// through an interface, never a concrete SDK type. The HTTP adapter is
// grounded on the teacher's trader/alpaca_trader.go request plumbing,
// generalized from a bespoke Trader interface to the full port surface
// spec.md §4.1 names.
package broker

import (
	"context"
	"time"
)

// FailureTag classifies a Port failure so callers can branch without
// inspecting brokerage-specific error strings.
type FailureTag string

const (
	RateLimit     FailureTag = "RATE_LIMIT"
	AuthExpired   FailureTag = "AUTH_EXPIRED"
	Upstream      FailureTag = "UPSTREAM"
	InvalidSymbol FailureTag = "INVALID_SYMBOL"
)

// Error is a tagged Broker Port failure.
type Error struct {
	Tag        FailureTag
	Message    string
	RetryAfter time.Duration // set when Tag == RateLimit
}

func (e *Error) Error() string { return string(e.Tag) + ": " + e.Message }

// Quote is the latest tradable state for one symbol.
type Quote struct {
	Symbol     string
	LastPrice  float64
	Change     float64
	ChangePct  float64
	Volume     int64
	BestBid    float64
	BestAsk    float64
	AsOf       time.Time
}

// DepthLevel is one side of one level of a Depth snapshot.
type DepthLevel struct {
	Price    float64
	Quantity int64
}

// Depth is a 5-level book plus OHLC and circuit limits for one symbol.
type Depth struct {
	Symbol       string
	Bids         [5]DepthLevel
	Asks         [5]DepthLevel
	Open         float64
	High         float64
	Low          float64
	Close        float64
	UpperCircuit float64
	LowerCircuit float64
}

// Candle is one OHLCV bar, optionally carrying open interest.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	OI        *int64
}

// OptionLeg is one strike of an option chain around ATM.
type OptionLeg struct {
	Strike      float64
	CallOI      int64
	PutOI       int64
	CallIV      float64
	PutIV       float64
	CallGreeks  Greeks
	PutGreeks   Greeks
}

// Greeks are the standard option sensitivities.
type Greeks struct {
	Delta, Gamma, Theta, Vega float64
}

// Position is a current open brokerage position.
type Position struct {
	Symbol        string
	Quantity      int
	AveragePrice  float64
	UnrealizedPnL float64
}

// Holding is a settled, non-intraday holding.
type Holding struct {
	Symbol   string
	Quantity int
	AvgPrice float64
}

// OrderSide is the direction of an order intent.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderKind is the order's execution type.
type OrderKind string

const (
	Market OrderKind = "MARKET"
	Limit  OrderKind = "LIMIT"
)

// OrderIntent describes an order to place. ClientTag is caller-supplied
// and must be derived deterministically (trade_id, purpose) so retries
// within the idempotency window are safe.
type OrderIntent struct {
	Symbol      string
	Side        OrderSide
	Kind        OrderKind
	Quantity    int
	Price       float64 // ignored for Market
	ProductType string
	ClientTag   string
}

// OrderStatus mirrors the brokerage's own order lifecycle, translated
// at the port boundary; it is distinct from artifact.TradeStatus.
type OrderStatus string

const (
	OrderAccepted        OrderStatus = "ACCEPTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
)

// OrderUpdate is one push-stream event for an order.
type OrderUpdate struct {
	OrderID   string
	ClientTag string
	Status    OrderStatus
	FilledQty int
	AvgPrice  float64
	Message   string
	AsOf      time.Time
}

// TradeUpdate is one push-stream fill event.
type TradeUpdate struct {
	OrderID  string
	Symbol   string
	Side     OrderSide
	Quantity int
	Price    float64
	AsOf     time.Time
}

// PositionUpdate is one push-stream position-change event.
type PositionUpdate struct {
	Symbol        string
	Quantity      int
	AveragePrice  float64
	UnrealizedPnL float64
	AsOf          time.Time
}

// Tick is a push-stream quote update.
type Tick struct {
	Symbol    string
	LastPrice float64
	Volume    int64
	AsOf      time.Time
}

// Funds is available buying power / margin headroom.
type Funds struct {
	TotalEquity       float64
	AvailableCash     float64
	MarginUsed        float64
	MarginUsedPercent float64
}

// MarginResult is the margin required for a batch of intents.
type MarginResult struct {
	TotalRequired float64
	PerIntent     []float64
}

// OrderChange is a partial modification to a resting order.
type OrderChange struct {
	NewPrice    *float64
	NewQuantity *int
}

// BracketSide names which child leg of a bracket order to place.
type BracketSide string

const (
	BracketStopLoss   BracketSide = "STOP_LOSS"
	BracketTakeProfit BracketSide = "TAKE_PROFIT"
)

// OrderCallback receives push-stream order events. Must be idempotent
// on (order_id, status): delivery is at-least-once.
type OrderCallback func(OrderUpdate)

// MarketCallback receives push-stream tick events.
type MarketCallback func(Tick)

// Port is the full Broker Port surface spec.md §4.1 names. No
// brokerage-specific type crosses this boundary.
type Port interface {
	GetQuote(ctx context.Context, symbols []string) ([]Quote, error)
	GetDepth(ctx context.Context, symbol string) (*Depth, error)
	GetHistory(ctx context.Context, symbol, resolution string, from, to time.Time, oiFlag bool) ([]Candle, error)
	GetOptionChain(ctx context.Context, symbol string, strikeCount int) ([]OptionLeg, error)

	GetPositions(ctx context.Context) ([]Position, error)
	GetHoldings(ctx context.Context) ([]Holding, error)
	GetOrders(ctx context.Context) ([]OrderUpdate, error)
	GetTradebook(ctx context.Context) ([]TradeUpdate, error)
	GetFunds(ctx context.Context) (*Funds, error)

	PlaceOrder(ctx context.Context, intent OrderIntent) (brokerOrderID string, err error)
	ModifyOrder(ctx context.Context, orderID string, changes OrderChange) error
	CancelOrder(ctx context.Context, orderID string) error
	PlaceBracketChild(ctx context.Context, parentID string, side BracketSide, kind OrderKind, price float64) (brokerOrderID string, err error)
	CalcMargin(ctx context.Context, intents []OrderIntent) (*MarginResult, error)

	SubscribeOrders(ctx context.Context, cb OrderCallback) error
	SubscribeMarket(ctx context.Context, symbols []string, cb MarketCallback) error
}
