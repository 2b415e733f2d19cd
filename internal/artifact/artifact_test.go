package artifact

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegime_HaltRequiresZeroMultiplier(t *testing.T) {
	_, err := NewRegime(Produced{}, RegimeHalt, 35, 0.5)
	assert.Error(t, err)

	r, err := NewRegime(Produced{}, RegimeHalt, 35, 0)
	require.NoError(t, err)
	assert.Equal(t, RegimeHalt, r.State)
}

func TestNewRegime_MultiplierRange(t *testing.T) {
	_, err := NewRegime(Produced{}, RegimeNormal, 18, 1.6)
	assert.Error(t, err)

	_, err = NewRegime(Produced{}, RegimeNormal, 18, -0.1)
	assert.Error(t, err)
}

func TestNewStockSignal_ScoreBounds(t *testing.T) {
	_, err := NewStockSignal(Produced{}, "SYM_A", "analyst-1", 11, -10, 10, 0.8, "overbought", time.Now())
	assert.Error(t, err)

	s, err := NewStockSignal(Produced{}, "SYM_A", "analyst-1", 7, -10, 10, 0.8, "overbought", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 7, s.Score)
}

func TestNewCandidate_LongInvariants(t *testing.T) {
	er := EntryRange{Low: 100.0, High: 100.2}

	_, err := NewCandidate(Produced{}, "c1", "SYM_A", Long, 0.9, 0.8, er, 100.1, 101.2, 0.005, nil)
	assert.Error(t, err, "stop_loss must be below entry_range.low for LONG")

	_, err = NewCandidate(Produced{}, "c1", "SYM_A", Long, 0.9, 0.8, er, 99.0, 100.1, 0.005, nil)
	assert.Error(t, err, "take_profit must be above entry_range.high for LONG")

	c, err := NewCandidate(Produced{}, "c1", "SYM_A", Long, 0.9, 0.8, er, 99.0, 101.2, 0.005, nil)
	require.NoError(t, err)
	assert.Equal(t, Long, c.Direction)
}

func TestNewCandidate_ConfidenceFloor(t *testing.T) {
	er := EntryRange{Low: 100.0, High: 100.2}
	_, err := NewCandidate(Produced{}, "c1", "SYM_A", Long, 0.9, 0.69, er, 99.0, 101.2, 0.005, nil)
	assert.Error(t, err)
}

func TestNewApprovedOrder_RiskCaps(t *testing.T) {
	_, err := NewApprovedOrder(Produced{}, "c1", "SYM_A", Long, 500, 1, EntryLimit, 100.1, 99.0, 101.2, "intraday", "tag-1", 400, 0, 10000, 0, 10000)
	assert.Error(t, err, "trade risk of 550 exceeds per_trade_risk_cap of 400")

	o, err := NewApprovedOrder(Produced{}, "c1", "SYM_A", Long, 500, 1, EntryLimit, 100.1, 99.0, 101.2, "intraday", "tag-1", 600, 0, 10000, 0, 10000)
	require.NoError(t, err)
	assert.Equal(t, 500, o.Quantity)
}

func TestNewApprovedOrder_LotSize(t *testing.T) {
	_, err := NewApprovedOrder(Produced{}, "c1", "SYM_A", Long, 7, 5, EntryLimit, 100.1, 99.0, 101.2, "intraday", "tag-1", 600, 0, 10000, 0, 10000)
	assert.Error(t, err)
}

func TestNewsDigestMerge_Additive(t *testing.T) {
	first, err := NewNewsDigest(Produced{}, time.Now(), []NewsEvent{{Headline: "earnings beat"}}, RiskOn, []string{"SYM_B"})
	require.NoError(t, err)

	second, err := NewNewsDigest(Produced{}, time.Now(), []NewsEvent{{Headline: "guidance cut"}}, RiskOff, []string{"SYM_B"})
	require.NoError(t, err)

	merged := first.Merge(second)
	assert.Len(t, merged.KeyEvents, 2)
	assert.Equal(t, RiskOff, merged.Sentiment)
}

func TestToken_UsableAt(t *testing.T) {
	now := time.Now()
	tok := &Token{ExpiresAt: now.Add(5 * time.Minute)}
	assert.True(t, tok.UsableAt(now, time.Minute))
	assert.False(t, tok.UsableAt(now, 6*time.Minute))
}
