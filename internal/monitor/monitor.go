// Package monitor is the Position Monitor (C9): a periodic control
// loop over open Trades that trails stops by ATR, harvests partial
// profit, tightens into the close, and never lets net P&L breach the
// daily-loss floor. It only modifies existing orders; it never opens
// new positions. Grounded on the teacher's peak-PnL-cache/drawdown
// machinery in auto_trader.go, generalized from a single cumulative
// drawdown gauge into the full per-Trade decision table spec.md §4.9
// names.
package monitor

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/kestrelquant/orchestrator/internal/artifact"
	"github.com/kestrelquant/orchestrator/internal/broker"
	"github.com/kestrelquant/orchestrator/internal/indicator"
	"github.com/kestrelquant/orchestrator/internal/ledger"
	"github.com/kestrelquant/orchestrator/internal/logging"
	"github.com/kestrelquant/orchestrator/internal/metrics"
)

// Config is the risk-tunable surface the Monitor reads, grounded on
// config.RiskConfig.
type Config struct {
	TrailTriggerR      float64
	PartialTriggerR    float64
	ATRTrailMultiplier float64 // k in [1.5, 2]
	DailyLossFloor     float64
	CloseTightenTime   string // "HH:MM" venue-local
	FlattenTime        string // "HH:MM" venue-local
}

// NewsReader reads the latest NewsDigest for the news workflow's
// session, a cross-workflow read performed once per tick.
type NewsReader func(ctx context.Context, sessionID string) (*artifact.NewsDigest, error)

// Action is one modification the Monitor decided to make for a Trade.
type Action struct {
	TradeID string
	Symbol  string
	Kind    string // "trail_stop", "partial_close", "proactive_close", "tighten", "flatten"
	Detail  string
}

// Monitor evaluates the decision table over every open Trade each tick.
type Monitor struct {
	port broker.Port
	ledg *ledger.Ledger
	exec ModifyFn
	news NewsReader
	cfg  Config
	loc  *time.Location
	log  *logging.Logger
}

// ModifyFn applies a decided order modification or closes a trade
// through the Execution Engine. kind is one of Action.Kind's values.
type ModifyFn func(ctx context.Context, trade *artifact.Trade, symbol, kind string, newStop float64) error

func New(port broker.Port, ledg *ledger.Ledger, exec ModifyFn, news NewsReader, cfg Config, loc *time.Location) *Monitor {
	return &Monitor{port: port, ledg: ledg, exec: exec, news: news, cfg: cfg, loc: loc, log: logging.With("monitor")}
}

// atrWindow is the look-back, in calendar days, of the daily-bar
// history the Monitor asks the broker for per symbol to compute rolling
// ATR.
const atrWindow = 20

// Tick runs one evaluation pass: load open Trades, compute live P&L
// and ATR, apply the decision table in deterministic trade_id order,
// then apply the cumulative daily-loss-floor guard.
func (m *Monitor) Tick(ctx context.Context, sessionID string) ([]Action, error) {
	open, err := m.ledg.OpenWithSymbols()
	if err != nil {
		return nil, err
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Trade.TradeID < open[j].Trade.TradeID })

	digest, err := m.news(ctx, sessionID)
	if err != nil {
		m.log.Warnf("news digest read failed, proceeding without it: %v", err)
		digest = nil
	}

	now := time.Now().In(m.loc)
	var actions []Action
	worstCaseLoss := 0.0

	for _, ot := range open {
		trade, symbol := ot.Trade, ot.Symbol

		quotes, err := m.port.GetQuote(ctx, []string{symbol})
		if err != nil || len(quotes) == 0 {
			m.log.Warnf("quote unavailable for %s, skipping this tick: %v", symbol, err)
			continue
		}
		price := quotes[0].LastPrice

		candles, err := m.port.GetHistory(ctx, symbol, "1d", now.AddDate(0, 0, -atrWindow), now, false)
		if err != nil || len(candles) < 2 {
			continue
		}
		atr := latestATR(candles)

		entry := 0.0
		if trade.EntryFillPrice != nil {
			entry = *trade.EntryFillPrice
		}
		stop := entry
		if trade.CurrentStop != nil {
			stop = *trade.CurrentStop
		}
		long := stop <= entry // a stop below entry marks a long; above, a short
		riskPerShare := math.Abs(entry - stop)

		rMultiple := 0.0
		if riskPerShare > 0 {
			if long {
				rMultiple = (price - entry) / riskPerShare
			} else {
				rMultiple = (entry - price) / riskPerShare
			}
		}

		worstCaseLoss += float64(trade.RemainingQty) * math.Abs(price-stop)

		if rMultiple >= m.cfg.TrailTriggerR && riskPerShare > 0 {
			candidate := entry + m.cfg.ATRTrailMultiplier*atr
			if !long {
				candidate = entry - m.cfg.ATRTrailMultiplier*atr
			}
			if (long && candidate > stop) || (!long && candidate < stop) {
				if err := m.exec(ctx, trade, symbol, "trail_stop", candidate); err != nil {
					m.log.Warnf("trail_stop failed for trade %s: %v", trade.TradeID, err)
				} else {
					actions = append(actions, Action{TradeID: trade.TradeID, Symbol: symbol, Kind: "trail_stop", Detail: "moved stop forward on winner"})
				}
			}
		}

		if rMultiple >= m.cfg.PartialTriggerR && trade.RemainingQty > 1 {
			if err := m.exec(ctx, trade, symbol, "partial_close", stop); err != nil {
				m.log.Warnf("partial_close failed for trade %s: %v", trade.TradeID, err)
			} else {
				actions = append(actions, Action{TradeID: trade.TradeID, Symbol: symbol, Kind: "partial_close", Detail: "harvested partial profit"})
			}
		}

		if digest != nil && digest.Sentiment == artifact.RiskOff && containsSymbol(digest.AffectedSymbols, symbol) {
			if err := m.exec(ctx, trade, symbol, "proactive_close", stop); err != nil {
				m.log.Warnf("proactive_close failed for trade %s: %v", trade.TradeID, err)
			} else {
				actions = append(actions, Action{TradeID: trade.TradeID, Symbol: symbol, Kind: "proactive_close", Detail: "news invalidated rationale"})
			}
		}

		if m.cfg.FlattenTime != "" && afterClock(now, m.cfg.FlattenTime) {
			if err := m.exec(ctx, trade, symbol, "flatten", stop); err != nil {
				m.log.Warnf("flatten failed for trade %s: %v", trade.TradeID, err)
			} else {
				actions = append(actions, Action{TradeID: trade.TradeID, Symbol: symbol, Kind: "flatten", Detail: "flatten_time reached"})
			}
		} else if m.cfg.CloseTightenTime != "" && afterClock(now, m.cfg.CloseTightenTime) {
			tightened := stop
			if long {
				tightened = price - atr*0.5
				if tightened < stop {
					tightened = stop
				}
			} else {
				tightened = price + atr*0.5
				if tightened > stop {
					tightened = stop
				}
			}
			if tightened != stop {
				if err := m.exec(ctx, trade, symbol, "tighten", tightened); err != nil {
					m.log.Warnf("tighten failed for trade %s: %v", trade.TradeID, err)
				} else {
					actions = append(actions, Action{TradeID: trade.TradeID, Symbol: symbol, Kind: "tighten", Detail: "close_tighten_time reached"})
				}
			}
		}
	}

	metrics.SetDailyLossFloorDistance(m.cfg.DailyLossFloor - worstCaseLoss)
	if worstCaseLoss > m.cfg.DailyLossFloor && m.cfg.DailyLossFloor > 0 {
		shrink := m.cfg.DailyLossFloor / worstCaseLoss
		for _, ot := range open {
			trade := ot.Trade
			if trade.CurrentStop == nil || trade.EntryFillPrice == nil {
				continue
			}
			distance := math.Abs(*trade.EntryFillPrice - *trade.CurrentStop)
			tightened := *trade.EntryFillPrice - distance*shrink
			if err := m.exec(ctx, trade, ot.Symbol, "tighten", tightened); err != nil {
				m.log.Warnf("daily-loss-floor tighten failed for trade %s: %v", trade.TradeID, err)
				continue
			}
			actions = append(actions, Action{TradeID: trade.TradeID, Symbol: ot.Symbol, Kind: "tighten", Detail: "cumulative daily-loss-floor guard"})
		}
	}

	return actions, nil
}

// RunSafetyNet runs Tick on its own interval until ctx is cancelled,
// independent of the Scheduler's scheduled position-monitoring runs.
// It exists for the same reason the teacher's startDrawdownMonitor
// goroutine does: the cumulative daily-loss-floor guard inside Tick
// must not wait for the next scheduled scan to catch a fast-moving
// drawdown.
func (m *Monitor) RunSafetyNet(ctx context.Context, interval time.Duration, sessionID func() string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Tick(ctx, sessionID()); err != nil {
				m.log.Warnf("safety net tick failed: %v", err)
			}
		}
	}
}

func latestATR(candles []broker.Candle) float64 {
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
	}
	period := 14
	if len(candles)-1 < period {
		period = len(candles) - 1
	}
	if period < 1 {
		return 0
	}
	atr := indicator.ATR(highs, lows, closes, period)
	for i := len(atr) - 1; i >= 0; i-- {
		if !math.IsNaN(atr[i]) {
			return atr[i]
		}
	}
	return 0
}

func containsSymbol(symbols []string, symbol string) bool {
	for _, s := range symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

func afterClock(now time.Time, hhmm string) bool {
	t, err := time.ParseInLocation("15:04", hhmm, now.Location())
	if err != nil {
		return false
	}
	target := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	return now.After(target)
}
