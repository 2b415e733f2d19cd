package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/orchestrator/internal/artifact"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_CreateAndByDate(t *testing.T) {
	l := openTestLedger(t)
	tr := artifact.NewTrade("trade-1", "order-1")
	require.NoError(t, l.Create("2026-07-30", "SYM_A", tr))

	trades, err := l.ByDate("2026-07-30")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, artifact.TradePending, trades[0].Status)
}

func TestLedger_TransitionJournals(t *testing.T) {
	l := openTestLedger(t)
	tr := artifact.NewTrade("trade-1", "order-1")
	require.NoError(t, l.Create("2026-07-30", "SYM_A", tr))

	tr.Status = artifact.TradeWorking
	require.NoError(t, l.Transition(tr, artifact.TradePending, "order accepted"))

	tr.Status = artifact.TradeOpen
	tr.FilledQty = 500
	require.NoError(t, l.Transition(tr, artifact.TradeWorking, "entry filled"))

	history, err := l.Transitions("trade-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "PENDING", history[0].To)
	assert.Equal(t, "OPEN", history[2].To)
}

func TestLedger_RealizedPnLSumsClosedTrades(t *testing.T) {
	l := openTestLedger(t)

	t1 := artifact.NewTrade("trade-1", "order-1")
	require.NoError(t, l.Create("2026-07-30", "SYM_A", t1))
	pnl1 := 550.0
	t1.Status = artifact.TradeClosed
	t1.RealizedPnL = &pnl1
	require.NoError(t, l.Transition(t1, artifact.TradeOpen, "tp hit"))

	t2 := artifact.NewTrade("trade-2", "order-2")
	require.NoError(t, l.Create("2026-07-30", "SYM_B", t2))
	pnl2 := -100.0
	t2.Status = artifact.TradeStoppedOut
	t2.RealizedPnL = &pnl2
	require.NoError(t, l.Transition(t2, artifact.TradeOpen, "sl hit"))

	total, err := l.RealizedPnL("2026-07-30")
	require.NoError(t, err)
	assert.InDelta(t, 450.0, total, 1e-9)
}

func TestLedger_OpenOrderedByTradeID(t *testing.T) {
	l := openTestLedger(t)
	for _, id := range []string{"trade-3", "trade-1", "trade-2"} {
		tr := artifact.NewTrade(id, "order-x")
		tr.Status = artifact.TradeOpen
		require.NoError(t, l.Create("2026-07-30", "SYM_A", tr))
	}

	open, err := l.Open()
	require.NoError(t, err)
	require.Len(t, open, 3)
	assert.Equal(t, "trade-1", open[0].TradeID)
	assert.Equal(t, "trade-2", open[1].TradeID)
	assert.Equal(t, "trade-3", open[2].TradeID)
}
