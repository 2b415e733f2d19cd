package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMA_Basic(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	out := SMA(values, 3)
	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 2.0, out[2], 1e-9)
	assert.InDelta(t, 3.0, out[3], 1e-9)
	assert.InDelta(t, 4.0, out[4], 1e-9)
}

func TestRSI_AllGainsIsHundred(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = float64(i + 1)
	}
	out := RSI(closes, 14)
	assert.InDelta(t, 100.0, out[19], 1e-6)
}

func TestVWAP_GroundedFormula(t *testing.T) {
	highs := []float64{10, 11}
	lows := []float64{9, 10}
	closes := []float64{9.5, 10.5}
	volumes := []float64{100, 200}

	got := VWAP(highs, lows, closes, volumes)

	typ1 := (10.0 + 9.0 + 9.5) / 3
	typ2 := (11.0 + 10.0 + 10.5) / 3
	want := (typ1*100 + typ2*200) / 300
	assert.InDelta(t, want, got, 1e-9)
}

func TestVWAP_ZeroVolumeReturnsZero(t *testing.T) {
	got := VWAP([]float64{10}, []float64{9}, []float64{9.5}, []float64{0})
	assert.Equal(t, 0.0, got)
}

func TestClassicPivots(t *testing.T) {
	p := ClassicPivots(110, 100, 105)
	assert.InDelta(t, 105.0, p.Pivot, 1e-9)
	assert.InDelta(t, 110.0, p.R1, 1e-9)
	assert.InDelta(t, 100.0, p.S1, 1e-9)
}

func TestMaxPain_MinimizesWriterPain(t *testing.T) {
	strikes := []OptionStrike{
		{Strike: 95, CallOI: 100, PutOI: 10},
		{Strike: 100, CallOI: 50, PutOI: 50},
		{Strike: 105, CallOI: 10, PutOI: 100},
	}
	got := MaxPain(strikes)
	assert.Equal(t, 100.0, got)
}

func TestPutCallRatio(t *testing.T) {
	strikes := []OptionStrike{
		{CallOI: 100, PutOI: 50},
		{CallOI: 100, PutOI: 150},
	}
	assert.InDelta(t, 1.0, PutCallRatio(strikes), 1e-9)
}

func TestCorrelation_PerfectPositive(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{2, 4, 6, 8, 10}
	assert.InDelta(t, 1.0, Correlation(a, b), 1e-9)
}

func TestBeta_IdenticalSeriesIsOne(t *testing.T) {
	returns := []float64{0.01, -0.02, 0.03, 0.01}
	assert.InDelta(t, 1.0, Beta(returns, returns), 1e-9)
}

func TestSpreadZScore_InsufficientWindowReturnsZero(t *testing.T) {
	assert.Equal(t, 0.0, SpreadZScore([]float64{1, 2}, 5))
}

func TestHalfLife_ConvergingSeries(t *testing.T) {
	spread := []float64{10, 8, 6.4, 5.12, 4.1}
	hl := HalfLife(spread)
	assert.False(t, math.IsNaN(hl))
	assert.Greater(t, hl, 0.0)
}
