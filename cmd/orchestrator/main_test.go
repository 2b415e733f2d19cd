package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelquant/orchestrator/internal/artifact"
	"github.com/kestrelquant/orchestrator/internal/broker"
)

func TestHitRate_ComputesWinRatioOverClosedTrades(t *testing.T) {
	win := 10.0
	loss := -5.0
	trades := []*artifact.Trade{
		{RealizedPnL: &win},
		{RealizedPnL: &loss},
		{RealizedPnL: &win},
		{}, // still open, RealizedPnL nil, excluded
	}
	assert.InDelta(t, 2.0/3.0, hitRate(trades), 1e-9)
}

func TestHitRate_ZeroClosedTradesReturnsZero(t *testing.T) {
	assert.Equal(t, 0.0, hitRate(nil))
}

func TestContainsRiskOffTerm_MatchesKnownKeywords(t *testing.T) {
	assert.True(t, containsRiskOffTerm("Exchange halts trading in XYZ after volatility spike"))
	assert.True(t, containsRiskOffTerm("Analyst DOWNGRADES outlook to sell"))
	assert.False(t, containsRiskOffTerm("Company reports record quarterly revenue"))
}

func TestCandleSeries_ExtractsParallelSlices(t *testing.T) {
	now := time.Now()
	candles := []broker.Candle{
		{Timestamp: now, Open: 10, High: 12, Low: 9, Close: 11, Volume: 1000},
		{Timestamp: now.Add(time.Minute), Open: 11, High: 13, Low: 10, Close: 12, Volume: 1500},
	}
	closes, highs, lows, volumes := candleSeries(candles)
	assert.Equal(t, []float64{11, 12}, closes)
	assert.Equal(t, []float64{12, 13}, highs)
	assert.Equal(t, []float64{9, 10}, lows)
	assert.Equal(t, []float64{1000, 1500}, volumes)
}

func TestAbsFloat(t *testing.T) {
	assert.Equal(t, 3.5, absFloat(-3.5))
	assert.Equal(t, 3.5, absFloat(3.5))
}

func TestAtoiSafe_RejectsNonDigits(t *testing.T) {
	assert.Equal(t, 42, atoiSafe("42"))
	assert.Equal(t, 0, atoiSafe("bad"))
}

func TestRegimeFromVIX_BucketsIntoDeclaredStates(t *testing.T) {
	state, mult := regimeFromVIX(12)
	assert.Equal(t, artifact.RegimeCalm, state)
	assert.Equal(t, 1.2, mult)

	state, mult = regimeFromVIX(20)
	assert.Equal(t, artifact.RegimeNormal, state)
	assert.Equal(t, 1.0, mult)

	state, mult = regimeFromVIX(30)
	assert.Equal(t, artifact.RegimeElevated, state)
	assert.Equal(t, 0.5, mult)

	state, mult = regimeFromVIX(40)
	assert.Equal(t, artifact.RegimeHalt, state)
	assert.Equal(t, 0.0, mult)
}

func TestDecodeCandidates_RoundTripsThroughGenericJSON(t *testing.T) {
	cand, err := artifact.NewCandidate(
		artifact.Produced{Workflow: "intraday-analysis", Stage: "build_candidates"},
		"cand-1", "AAPL", artifact.Long, 42, 0.8,
		artifact.EntryRange{Low: 99, High: 101}, 95, 110, 0.02, nil,
	)
	assert.NoError(t, err)

	// Simulate the Session Store's JSON-through-sqlite round trip: the
	// cross-session reader always hands back generic map data, not the
	// concrete *artifact.Candidate the producing Run held.
	var generic interface{}
	raw, err := json.Marshal([]*artifact.Candidate{cand})
	assert.NoError(t, err)
	assert.NoError(t, json.Unmarshal(raw, &generic))

	decoded := decodeCandidates(generic)
	assert.Len(t, decoded, 1)
	assert.Equal(t, "AAPL", decoded[0].Symbol)
	assert.Equal(t, cand.StopLoss, decoded[0].StopLoss)
}

func TestDecodeCandidates_NilInputReturnsNil(t *testing.T) {
	assert.Nil(t, decodeCandidates(nil))
}
