package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/orchestrator/internal/artifact"
	"github.com/kestrelquant/orchestrator/internal/broker"
	"github.com/kestrelquant/orchestrator/internal/ledger"
)

type fakePort struct {
	broker.Port
	quote   broker.Quote
	candles []broker.Candle
}

func (f *fakePort) GetQuote(ctx context.Context, symbols []string) ([]broker.Quote, error) {
	return []broker.Quote{f.quote}, nil
}

func (f *fakePort) GetHistory(ctx context.Context, symbol, resolution string, from, to time.Time, oiFlag bool) ([]broker.Candle, error) {
	return f.candles, nil
}

func rangingCandles(n int, base float64) []broker.Candle {
	out := make([]broker.Candle, n)
	for i := 0; i < n; i++ {
		out[i] = broker.Candle{High: base + 2, Low: base - 2, Close: base}
	}
	return out
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func noNews(ctx context.Context, sessionID string) (*artifact.NewsDigest, error) {
	return nil, nil
}

func TestMonitor_TrailsStopOnWinner(t *testing.T) {
	l := newTestLedger(t)
	entry := 100.0
	stop := 98.0
	tr := artifact.NewTrade("trade-1", "order-1")
	tr.Status = artifact.TradeOpen
	tr.EntryFillPrice = &entry
	tr.CurrentStop = &stop
	tr.RemainingQty = 100
	require.NoError(t, l.Create("2026-07-30", "SYM_A", tr))
	require.NoError(t, l.Transition(tr, artifact.TradePending, "opened"))

	port := &fakePort{quote: broker.Quote{Symbol: "SYM_A", LastPrice: 106}, candles: rangingCandles(20, 100)}

	var applied []string
	exec := func(ctx context.Context, trade *artifact.Trade, symbol, kind string, newStop float64) error {
		applied = append(applied, kind)
		return nil
	}

	cfg := Config{TrailTriggerR: 1.0, PartialTriggerR: 3.0, ATRTrailMultiplier: 1.5, DailyLossFloor: 100000}
	m := New(port, l, exec, noNews, cfg, time.UTC)

	actions, err := m.Tick(context.Background(), "2026-07-30")
	require.NoError(t, err)
	require.NotEmpty(t, actions)
	assert.Contains(t, applied, "trail_stop")
}

func TestMonitor_ProactiveCloseOnNewsInvalidation(t *testing.T) {
	l := newTestLedger(t)
	entry := 100.0
	stop := 98.0
	tr := artifact.NewTrade("trade-1", "order-1")
	tr.Status = artifact.TradeOpen
	tr.EntryFillPrice = &entry
	tr.CurrentStop = &stop
	tr.RemainingQty = 100
	require.NoError(t, l.Create("2026-07-30", "SYM_A", tr))
	require.NoError(t, l.Transition(tr, artifact.TradePending, "opened"))

	port := &fakePort{quote: broker.Quote{Symbol: "SYM_A", LastPrice: 99}, candles: rangingCandles(20, 100)}
	riskOffNews := func(ctx context.Context, sessionID string) (*artifact.NewsDigest, error) {
		return &artifact.NewsDigest{Sentiment: artifact.RiskOff, AffectedSymbols: []string{"SYM_A"}}, nil
	}

	var kinds []string
	exec := func(ctx context.Context, trade *artifact.Trade, symbol, kind string, newStop float64) error {
		kinds = append(kinds, kind)
		return nil
	}

	cfg := Config{TrailTriggerR: 1.0, PartialTriggerR: 3.0, ATRTrailMultiplier: 1.5, DailyLossFloor: 100000}
	m := New(port, l, exec, riskOffNews, cfg, time.UTC)

	_, err := m.Tick(context.Background(), "2026-07-30")
	require.NoError(t, err)
	assert.Contains(t, kinds, "proactive_close")
}

func TestMonitor_FlattenTimeForcesClose(t *testing.T) {
	l := newTestLedger(t)
	entry := 100.0
	stop := 98.0
	tr := artifact.NewTrade("trade-1", "order-1")
	tr.Status = artifact.TradeOpen
	tr.EntryFillPrice = &entry
	tr.CurrentStop = &stop
	tr.RemainingQty = 100
	require.NoError(t, l.Create("2026-07-30", "SYM_A", tr))
	require.NoError(t, l.Transition(tr, artifact.TradePending, "opened"))

	port := &fakePort{quote: broker.Quote{Symbol: "SYM_A", LastPrice: 101}, candles: rangingCandles(20, 100)}

	var kinds []string
	exec := func(ctx context.Context, trade *artifact.Trade, symbol, kind string, newStop float64) error {
		kinds = append(kinds, kind)
		return nil
	}

	cfg := Config{TrailTriggerR: 10, PartialTriggerR: 10, ATRTrailMultiplier: 1.5, DailyLossFloor: 100000, FlattenTime: "00:00"}
	m := New(port, l, exec, noNews, cfg, time.UTC)

	_, err := m.Tick(context.Background(), "2026-07-30")
	require.NoError(t, err)
	assert.Contains(t, kinds, "flatten")
}

func TestMonitor_DailyLossFloorGuardTightensAllStops(t *testing.T) {
	l := newTestLedger(t)
	entry := 100.0
	stop := 90.0
	tr := artifact.NewTrade("trade-1", "order-1")
	tr.Status = artifact.TradeOpen
	tr.EntryFillPrice = &entry
	tr.CurrentStop = &stop
	tr.RemainingQty = 1000
	require.NoError(t, l.Create("2026-07-30", "SYM_A", tr))
	require.NoError(t, l.Transition(tr, artifact.TradePending, "opened"))

	port := &fakePort{quote: broker.Quote{Symbol: "SYM_A", LastPrice: 100}, candles: rangingCandles(20, 100)}

	var kinds []string
	exec := func(ctx context.Context, trade *artifact.Trade, symbol, kind string, newStop float64) error {
		kinds = append(kinds, kind)
		return nil
	}

	cfg := Config{TrailTriggerR: 10, PartialTriggerR: 10, ATRTrailMultiplier: 1.5, DailyLossFloor: 500}
	m := New(port, l, exec, noNews, cfg, time.UTC)

	_, err := m.Tick(context.Background(), "2026-07-30")
	require.NoError(t, err)
	assert.Contains(t, kinds, "tighten")
}

func TestMonitor_DeterministicOrderingByTradeID(t *testing.T) {
	l := newTestLedger(t)
	for _, id := range []string{"trade-3", "trade-1", "trade-2"} {
		entry, stop := 100.0, 98.0
		tr := artifact.NewTrade(id, "order-x")
		tr.Status = artifact.TradeOpen
		tr.EntryFillPrice = &entry
		tr.CurrentStop = &stop
		tr.RemainingQty = 10
		require.NoError(t, l.Create("2026-07-30", "SYM_A", tr))
	}

	port := &fakePort{quote: broker.Quote{Symbol: "SYM_A", LastPrice: 101}, candles: rangingCandles(20, 100)}
	var order []string
	exec := func(ctx context.Context, trade *artifact.Trade, symbol, kind string, newStop float64) error {
		order = append(order, trade.TradeID)
		return nil
	}
	cfg := Config{TrailTriggerR: 0.01, PartialTriggerR: 10, ATRTrailMultiplier: 1.5, DailyLossFloor: 100000}
	m := New(port, l, exec, noNews, cfg, time.UTC)

	_, err := m.Tick(context.Background(), "2026-07-30")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(order), 3)
	assert.Equal(t, "trade-1", order[0])
	assert.Equal(t, "trade-2", order[1])
	assert.Equal(t, "trade-3", order[2])
}

func TestMonitor_RunSafetyNetTicksUntilCancelled(t *testing.T) {
	l := newTestLedger(t)
	port := &fakePort{quote: broker.Quote{Symbol: "SYM_A", LastPrice: 100}, candles: rangingCandles(20, 100)}
	ticks := 0
	exec := func(ctx context.Context, trade *artifact.Trade, symbol, kind string, newStop float64) error {
		return nil
	}
	cfg := Config{TrailTriggerR: 0.01, PartialTriggerR: 0.01, ATRTrailMultiplier: 1.5, DailyLossFloor: 100000}
	m := New(port, l, exec, noNews, cfg, time.UTC)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.RunSafetyNet(ctx, 5*time.Millisecond, func() string { ticks++; return "2026-07-30" })
		close(done)
	}()

	<-done
	assert.GreaterOrEqual(t, ticks, 1)
}
