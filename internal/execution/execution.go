// Package execution is the Execution Engine (C8): turns ApprovedOrders
// into live broker orders, runs the per-Trade lifecycle, and
// reconciles local state against broker truth. Grounded on the
// teacher's executeOpenLongWithRecord/executeCloseLongWithRecord in
// auto_trader.go — the bracket placement and SL/TP-child shape carries
// over; the crypto margin/leverage sizing is replaced with the equities
// lot-size/risk-cap sizing from artifact.NewApprovedOrder.
package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelquant/orchestrator/internal/artifact"
	"github.com/kestrelquant/orchestrator/internal/broker"
	"github.com/kestrelquant/orchestrator/internal/ledger"
	"github.com/kestrelquant/orchestrator/internal/logging"
	"github.com/kestrelquant/orchestrator/internal/metrics"
)

// validTransitions is the §4.8 state graph: key is the predecessor,
// value is the set of states that may follow it directly.
var validTransitions = map[artifact.TradeStatus]map[artifact.TradeStatus]bool{
	artifact.TradePending: {
		artifact.TradeWorking:  true,
		artifact.TradeRejected: true,
	},
	artifact.TradeWorking: {
		artifact.TradeOpen:     true,
		artifact.TradeRejected: true,
		artifact.TradeExpired:  true,
	},
	artifact.TradeOpen: {
		artifact.TradeClosing:    true,
		artifact.TradeStoppedOut: true,
	},
	artifact.TradeClosing: {
		artifact.TradeClosed:     true,
		artifact.TradeStoppedOut: true,
	},
}

// ValidTransition reports whether to may follow from directly.
func ValidTransition(from, to artifact.TradeStatus) bool {
	succ, ok := validTransitions[from]
	if !ok {
		return false
	}
	return succ[to]
}

// ClientTag derives the deterministic idempotency tag spec.md §4.8
// requires: every broker call carries a tag derived from (trade_id,
// purpose) so retries are safe.
func ClientTag(tradeID, purpose string) string {
	sum := sha256.Sum256([]byte(tradeID + ":" + purpose))
	return hex.EncodeToString(sum[:])[:32]
}

// PartialFillWindow is the declared wait window after which an
// under-filled entry's remainder is cancelled.
const PartialFillWindow = 30 * time.Second

// ExecutionReport is the per-order outcome the Execution Run returns
// for one ApprovedOrder.
type ExecutionReport struct {
	TradeID string
	Symbol  string
	Status  artifact.TradeStatus
	Message string
}

// Engine drives ApprovedOrders through the Trade lifecycle against a
// Broker Port, journaling every transition to the Trade Ledger.
type Engine struct {
	port   broker.Port
	ledger *ledger.Ledger
	log    *logging.Logger

	onAuthExpired func(ctx context.Context) error // triggers the C11 refresh ladder

	twapSliceCount int
	twapInterval   time.Duration
}

// New constructs an Engine. onAuthExpired is invoked when the broker
// returns AUTH_EXPIRED; the Engine pauses until it returns, then resumes.
func New(port broker.Port, ledg *ledger.Ledger, onAuthExpired func(ctx context.Context) error) *Engine {
	return &Engine{port: port, ledger: ledg, log: logging.With("execution"), onAuthExpired: onAuthExpired}
}

// EnableTWAP turns on order slicing for entries: a qualifying
// ApprovedOrder's quantity is split across sliceCount child clips
// placed interval apart instead of in one shot, the generalized form of
// the teacher's Execution.EnableTWAP/TWAPSliceCount config fields.
func (e *Engine) EnableTWAP(sliceCount int, interval time.Duration) {
	e.twapSliceCount = sliceCount
	e.twapInterval = interval
}

// ExecuteBatch places every ApprovedOrder, advancing each Trade through
// its lifecycle independently: one order's INVALID_SYMBOL rejection
// never halts the rest of the batch.
func (e *Engine) ExecuteBatch(ctx context.Context, sessionID string, orders []*artifact.ApprovedOrder) ([]ExecutionReport, error) {
	reports := make([]ExecutionReport, 0, len(orders))
	for _, order := range orders {
		report, err := e.executeOne(ctx, sessionID, order)
		if err != nil {
			var brokerErr *broker.Error
			if asBrokerError(err, &brokerErr) && brokerErr.Tag == broker.AuthExpired {
				if e.onAuthExpired != nil {
					if refreshErr := e.onAuthExpired(ctx); refreshErr != nil {
						return reports, fmt.Errorf("auth refresh failed mid-batch: %w", refreshErr)
					}
					report, err = e.executeOne(ctx, sessionID, order)
				}
			}
		}
		if err != nil {
			e.log.Warnf("order for %s ended in error, continuing batch: %v", order.Symbol, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func asBrokerError(err error, out **broker.Error) bool {
	be, ok := err.(*broker.Error)
	if ok {
		*out = be
	}
	return ok
}

func (e *Engine) executeOne(ctx context.Context, sessionID string, order *artifact.ApprovedOrder) (ExecutionReport, error) {
	tradeID := uuid.NewString()
	trade := artifact.NewTrade(tradeID, order.CandidateID)
	trade.RemainingQty = order.Quantity

	if err := e.ledger.Create(sessionID, order.Symbol, trade); err != nil {
		return ExecutionReport{}, fmt.Errorf("failed to create trade record: %w", err)
	}

	orderID, err := e.placeEntry(ctx, tradeID, order)
	if err != nil {
		var be *broker.Error
		if asBrokerError(err, &be) && be.Tag == broker.InvalidSymbol {
			trade.Status = artifact.TradeRejected
			trade.ExitReason = be.Message
			_ = e.ledger.Transition(trade, artifact.TradePending, "invalid symbol: "+be.Message)
			metrics.RecordOrder(order.Symbol, string(artifact.TradeRejected))
			return ExecutionReport{TradeID: tradeID, Symbol: order.Symbol, Status: artifact.TradeRejected, Message: be.Message}, nil
		}
		return ExecutionReport{}, err
	}

	trade.EntryOrderID = orderID
	trade.Status = artifact.TradeWorking
	if err := e.ledger.Transition(trade, artifact.TradePending, "entry order accepted"); err != nil {
		return ExecutionReport{}, err
	}

	filled, avgPrice, err := e.awaitFill(ctx, orderID, order.Quantity)
	if err != nil {
		return ExecutionReport{}, err
	}

	if filled == 0 {
		trade.Status = artifact.TradeExpired
		_ = e.ledger.Transition(trade, artifact.TradeWorking, "zero fill within wait window")
		metrics.RecordOrder(order.Symbol, string(artifact.TradeExpired))
		return ExecutionReport{TradeID: tradeID, Symbol: order.Symbol, Status: artifact.TradeExpired}, nil
	}
	if filled < order.Quantity {
		_ = e.port.CancelOrder(ctx, orderID)
		trade.RemainingQty = filled
	}

	now := time.Now()
	trade.EntryTime = &now
	trade.EntryFillPrice = &avgPrice
	trade.FilledQty = filled
	stopLoss := order.StopLoss
	trade.CurrentStop = &stopLoss
	trade.Status = artifact.TradeOpen
	if err := e.ledger.Transition(trade, artifact.TradeWorking, "entry filled"); err != nil {
		return ExecutionReport{}, err
	}

	slID, closed := e.placeBracketChildWithEscalation(ctx, trade, orderID, order.Symbol, broker.BracketStopLoss, order.StopLoss, "stop-loss")
	if closed {
		metrics.RecordOrder(order.Symbol, string(trade.Status))
		return ExecutionReport{TradeID: tradeID, Symbol: order.Symbol, Status: trade.Status, Message: trade.ExitReason}, nil
	}
	trade.SLOrderID = slID

	tpID, closed := e.placeBracketChildWithEscalation(ctx, trade, orderID, order.Symbol, broker.BracketTakeProfit, order.TakeProfit, "take-profit")
	if closed {
		metrics.RecordOrder(order.Symbol, string(trade.Status))
		return ExecutionReport{TradeID: tradeID, Symbol: order.Symbol, Status: trade.Status, Message: trade.ExitReason}, nil
	}
	trade.TPOrderID = tpID

	_ = e.ledger.Transition(trade, artifact.TradeOpen, "bracket children placed")

	metrics.RecordOrder(order.Symbol, string(artifact.TradeOpen))
	return ExecutionReport{TradeID: tradeID, Symbol: order.Symbol, Status: artifact.TradeOpen}, nil
}

// bracketChildRetries is how many placement attempts a stop-loss/
// take-profit child gets before the position is force-closed. Two
// consecutive failures is the §4.8 escalation trigger: retry once, and
// a second failure forces the close.
const bracketChildRetries = 2

// placeBracketChildWithEscalation retries PlaceBracketChild up to
// bracketChildRetries times; if every attempt fails it force-closes the
// Trade instead of leaving an unprotected open position. The bool
// return reports whether the Trade was force-closed (id is then empty
// and the caller must stop placing further bracket children).
func (e *Engine) placeBracketChildWithEscalation(ctx context.Context, trade *artifact.Trade, orderID, symbol string, side broker.BracketSide, price float64, purpose string) (string, bool) {
	var lastErr error
	for attempt := 1; attempt <= bracketChildRetries; attempt++ {
		id, err := e.port.PlaceBracketChild(ctx, orderID, side, broker.Limit, price)
		if err == nil {
			return id, false
		}
		lastErr = err
		e.log.Warnf("%s child placement failed for trade %s (attempt %d/%d): %v", purpose, trade.TradeID, attempt, bracketChildRetries, err)
	}
	e.log.Warnf("%s child placement failed %d times for trade %s, forcing close: %v", purpose, bracketChildRetries, trade.TradeID, lastErr)
	if err := e.forceClose(ctx, trade, symbol, purpose+" bracket placement failed"); err != nil {
		e.log.Warnf("force-close after bracket failure also failed for trade %s: %v", trade.TradeID, err)
	}
	return "", true
}

// forceClose cancels any already-placed bracket children and flattens
// the position at market, the same cancel-then-market-close shape
// ApplyMonitorAction uses for proactive_close/flatten.
func (e *Engine) forceClose(ctx context.Context, trade *artifact.Trade, symbol, reason string) error {
	if trade.SLOrderID != "" {
		_ = e.port.CancelOrder(ctx, trade.SLOrderID)
	}
	if trade.TPOrderID != "" {
		_ = e.port.CancelOrder(ctx, trade.TPOrderID)
	}
	side := broker.Sell
	if trade.CurrentStop != nil && trade.EntryFillPrice != nil && *trade.CurrentStop > *trade.EntryFillPrice {
		side = broker.Buy // a stop above entry marks a short
	}
	if _, err := e.port.PlaceOrder(ctx, broker.OrderIntent{
		Symbol: symbol, Side: side, Kind: broker.Market,
		Quantity: trade.RemainingQty, ClientTag: ClientTag(trade.TradeID, "force_close"),
	}); err != nil {
		return fmt.Errorf("failed to place forced close order: %w", err)
	}
	from := trade.Status
	trade.Status = artifact.TradeClosing
	trade.ExitReason = reason
	return e.ledger.Transition(trade, from, "forced close: "+reason)
}

// placeEntry places the entry order, slicing it into twapSliceCount
// clips spaced twapInterval apart when TWAP is enabled and the order
// is large enough to slice meaningfully. Only the final clip's broker
// order ID is tracked for fill-awaiting; earlier clips are fire-and-
// forget, reconciled the same as any other broker-pushed fill.
func (e *Engine) placeEntry(ctx context.Context, tradeID string, order *artifact.ApprovedOrder) (string, error) {
	if e.twapSliceCount < 2 || order.Quantity < e.twapSliceCount {
		return e.port.PlaceOrder(ctx, broker.OrderIntent{
			Symbol:      order.Symbol,
			Side:        sideFor(order.Direction),
			Kind:        entryKind(order.EntryType),
			Quantity:    order.Quantity,
			Price:       order.EntryPrice,
			ProductType: order.ProductType,
			ClientTag:   ClientTag(tradeID, "entry"),
		})
	}

	base := order.Quantity / e.twapSliceCount
	remainder := order.Quantity % e.twapSliceCount
	var lastOrderID string
	for i := 0; i < e.twapSliceCount; i++ {
		qty := base
		if i == e.twapSliceCount-1 {
			qty += remainder
		}
		clipID, err := e.port.PlaceOrder(ctx, broker.OrderIntent{
			Symbol:      order.Symbol,
			Side:        sideFor(order.Direction),
			Kind:        entryKind(order.EntryType),
			Quantity:    qty,
			Price:       order.EntryPrice,
			ProductType: order.ProductType,
			ClientTag:   ClientTag(tradeID, fmt.Sprintf("entry-twap-%d", i)),
		})
		if err != nil {
			if i == 0 {
				return "", err
			}
			e.log.Warnf("twap clip %d/%d failed for trade %s, continuing: %v", i+1, e.twapSliceCount, tradeID, err)
			continue
		}
		lastOrderID = clipID
		if i < e.twapSliceCount-1 && e.twapInterval > 0 {
			select {
			case <-ctx.Done():
				return lastOrderID, ctx.Err()
			case <-time.After(e.twapInterval):
			}
		}
	}
	if lastOrderID == "" {
		return "", fmt.Errorf("all %d twap clips failed for trade %s", e.twapSliceCount, tradeID)
	}
	return lastOrderID, nil
}

// awaitFill polls order status until PartialFillWindow elapses,
// returning the filled quantity and average fill price observed.
func (e *Engine) awaitFill(ctx context.Context, orderID string, required int) (int, float64, error) {
	deadline := time.Now().Add(PartialFillWindow)
	for time.Now().Before(deadline) {
		updates, err := e.port.GetOrders(ctx)
		if err != nil {
			return 0, 0, err
		}
		for _, u := range updates {
			if u.OrderID != orderID {
				continue
			}
			if u.Status == broker.OrderFilled {
				return u.FilledQty, u.AvgPrice, nil
			}
			if u.FilledQty >= required {
				return u.FilledQty, u.AvgPrice, nil
			}
		}
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	updates, err := e.port.GetOrders(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, u := range updates {
		if u.OrderID == orderID {
			return u.FilledQty, u.AvgPrice, nil
		}
	}
	return 0, 0, nil
}

func sideFor(dir artifact.Direction) broker.OrderSide {
	if dir == artifact.Short {
		return broker.Sell
	}
	return broker.Buy
}

func entryKind(t artifact.EntryType) broker.OrderKind {
	if t == artifact.EntryMarket {
		return broker.Market
	}
	return broker.Limit
}

// ApplyMonitorAction carries out one Position Monitor decision against
// the broker and the Trade Ledger. It satisfies monitor.ModifyFn.
func (e *Engine) ApplyMonitorAction(ctx context.Context, trade *artifact.Trade, symbol, kind string, newStop float64) error {
	closingSide := broker.Sell // a long's exit is a sell; monitor-driven closes on shorts are out of scope here

	switch kind {
	case "trail_stop", "tighten":
		if trade.SLOrderID != "" {
			if err := e.port.ModifyOrder(ctx, trade.SLOrderID, broker.OrderChange{NewPrice: &newStop}); err != nil {
				return fmt.Errorf("failed to move stop order: %w", err)
			}
		}
		trade.CurrentStop = &newStop
		return e.ledger.Transition(trade, trade.Status, "monitor: "+kind)

	case "partial_close":
		half := trade.RemainingQty / 2
		if half < 1 {
			return nil
		}
		if _, err := e.port.PlaceOrder(ctx, broker.OrderIntent{
			Symbol: symbol, Side: closingSide, Kind: broker.Market,
			Quantity: half, ClientTag: ClientTag(trade.TradeID, "partial_close"),
		}); err != nil {
			return fmt.Errorf("failed to place partial close: %w", err)
		}
		trade.RemainingQty -= half
		return e.ledger.Transition(trade, trade.Status, "monitor: partial_close")

	case "proactive_close", "flatten":
		if trade.SLOrderID != "" {
			_ = e.port.CancelOrder(ctx, trade.SLOrderID)
		}
		if trade.TPOrderID != "" {
			_ = e.port.CancelOrder(ctx, trade.TPOrderID)
		}
		if _, err := e.port.PlaceOrder(ctx, broker.OrderIntent{
			Symbol: symbol, Side: closingSide, Kind: broker.Market,
			Quantity: trade.RemainingQty, ClientTag: ClientTag(trade.TradeID, kind),
		}); err != nil {
			return fmt.Errorf("failed to place closing order: %w", err)
		}
		from := trade.Status
		trade.Status = artifact.TradeClosing
		trade.ExitReason = kind
		return e.ledger.Transition(trade, from, "monitor: "+kind)

	default:
		return fmt.Errorf("unknown monitor action kind %q", kind)
	}
}

// Reconcile applies broker-truth OrderUpdates to local Trade state:
// broker truth always wins on disagreement, and the correction is
// journaled as an audit entry rather than surfaced as an error.
func (e *Engine) Reconcile(trade *artifact.Trade, update broker.OrderUpdate) error {
	localStatus := trade.Status
	var newStatus artifact.TradeStatus
	switch update.Status {
	case broker.OrderFilled:
		newStatus = artifact.TradeOpen
	case broker.OrderCancelled:
		if trade.FilledQty == 0 {
			newStatus = artifact.TradeExpired
		} else {
			newStatus = artifact.TradeClosed
		}
	case broker.OrderRejected:
		newStatus = artifact.TradeRejected
	default:
		return nil
	}

	if newStatus == localStatus {
		return nil
	}
	if !ValidTransition(localStatus, newStatus) {
		logging.Audit(logging.AuditEvent{
			Kind:      "reconciliation_divergence",
			Workflow:  "execution",
			SessionID: trade.TradeID,
			Detail:    fmt.Sprintf("broker reported %s from local %s (not a declared successor); broker truth applied", newStatus, localStatus),
		})
	}
	trade.FilledQty = update.FilledQty
	trade.Status = newStatus
	return e.ledger.Transition(trade, localStatus, "reconciled from broker OrderUpdate")
}
