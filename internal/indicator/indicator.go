// Package indicator is the Indicator Kernel (C3): pure numeric
// transforms over candle sequences, grounded on the teacher's
// VWAPCollector math (trader/vwap_collector.go) and the factor scoring
// in decision/localfunc.go, generalized from bar-by-bar accumulation
// into plain-slice functions. No I/O, no state; every function takes
// and returns plain numeric sequences so the kernel is fully testable
// in isolation.
package indicator

import "math"

// SMA returns the simple moving average over period, one value per
// input index once enough history exists; earlier indices are NaN.
func SMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA returns the exponential moving average over period.
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 || len(values) == 0 {
		return out
	}
	k := 2.0 / (float64(period) + 1.0)
	seeded := false
	var prev float64
	for i, v := range values {
		if !seeded {
			if i == period-1 {
				sma := SMA(values[:i+1], period)
				prev = sma[i]
				out[i] = prev
				seeded = true
			}
			continue
		}
		prev = v*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// RSI returns the Relative Strength Index over period.
func RSI(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 || len(closes) <= period {
		return out
	}
	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum -= delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)
	out[period] = rsiFromAverages(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return out
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// MACD returns the MACD line, the signal line, and the histogram
// (macd - signal), using the conventional 12/26/9 windows.
func MACD(closes []float64, fast, slow, signalPeriod int) (macd, signal, histogram []float64) {
	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)
	macd = make([]float64, len(closes))
	for i := range closes {
		if math.IsNaN(emaFast[i]) || math.IsNaN(emaSlow[i]) {
			macd[i] = math.NaN()
		} else {
			macd[i] = emaFast[i] - emaSlow[i]
		}
	}
	signal = EMA(replaceNaN(macd), signalPeriod)
	histogram = make([]float64, len(closes))
	for i := range closes {
		if math.IsNaN(macd[i]) || math.IsNaN(signal[i]) {
			histogram[i] = math.NaN()
		} else {
			histogram[i] = macd[i] - signal[i]
		}
	}
	return macd, signal, histogram
}

func replaceNaN(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if math.IsNaN(v) {
			out[i] = 0
		} else {
			out[i] = v
		}
	}
	return out
}

// BollingerBands returns the middle (SMA), upper, and lower bands.
func BollingerBands(closes []float64, period int, numStdDev float64) (middle, upper, lower []float64) {
	middle = SMA(closes, period)
	upper = make([]float64, len(closes))
	lower = make([]float64, len(closes))
	for i := range closes {
		if math.IsNaN(middle[i]) {
			upper[i], lower[i] = math.NaN(), math.NaN()
			continue
		}
		window := closes[i-period+1 : i+1]
		sd := stdDev(window, middle[i])
		upper[i] = middle[i] + numStdDev*sd
		lower[i] = middle[i] - numStdDev*sd
	}
	return middle, upper, lower
}

func stdDev(values []float64, mean float64) float64 {
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

// ATR returns the Average True Range over period.
func ATR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	tr := make([]float64, n)
	for i := range tr {
		if i == 0 {
			tr[i] = highs[i] - lows[i]
			continue
		}
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	return wilderSmooth(tr, period)
}

func wilderSmooth(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(values) < period {
		return out
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	avg := sum / float64(period)
	out[period-1] = avg
	for i := period; i < len(values); i++ {
		avg = (avg*float64(period-1) + values[i]) / float64(period)
		out[i] = avg
	}
	return out
}

// Stochastic returns %K and %D over period/smoothing.
func Stochastic(highs, lows, closes []float64, period, smoothD int) (percentK, percentD []float64) {
	n := len(closes)
	percentK = make([]float64, n)
	for i := range percentK {
		if i < period-1 {
			percentK[i] = math.NaN()
			continue
		}
		window := closes[i-period+1 : i+1]
		hh := highs[i-period+1]
		ll := lows[i-period+1]
		for j := i - period + 1; j <= i; j++ {
			if highs[j] > hh {
				hh = highs[j]
			}
			if lows[j] < ll {
				ll = lows[j]
			}
		}
		_ = window
		if hh == ll {
			percentK[i] = 50
		} else {
			percentK[i] = (closes[i] - ll) / (hh - ll) * 100
		}
	}
	percentD = SMA(replaceNaN(percentK), smoothD)
	return percentK, percentD
}

// ADX returns the Average Directional Index over period.
func ADX(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		upMove := highs[i] - highs[i-1]
		downMove := lows[i-1] - lows[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}
	atr := ATR(highs, lows, closes, period)
	smoothedPlus := wilderSmooth(plusDM, period)
	smoothedMinus := wilderSmooth(minusDM, period)

	dx := make([]float64, n)
	for i := range dx {
		if math.IsNaN(atr[i]) || atr[i] == 0 {
			dx[i] = math.NaN()
			continue
		}
		plusDI := smoothedPlus[i] / atr[i] * 100
		minusDI := smoothedMinus[i] / atr[i] * 100
		sum := plusDI + minusDI
		if sum == 0 {
			dx[i] = 0
			continue
		}
		dx[i] = math.Abs(plusDI-minusDI) / sum * 100
	}
	return wilderSmooth(replaceNaN(dx), period)
}

// OBV returns the On-Balance Volume running total.
func OBV(closes []float64, volumes []float64) []float64 {
	out := make([]float64, len(closes))
	for i := range closes {
		if i == 0 {
			out[i] = volumes[i]
			continue
		}
		switch {
		case closes[i] > closes[i-1]:
			out[i] = out[i-1] + volumes[i]
		case closes[i] < closes[i-1]:
			out[i] = out[i-1] - volumes[i]
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

// VWAP computes the session Volume Weighted Average Price:
// Σ(TypicalPrice × Volume) / ΣVolume, grounded on VWAPCollector.CalculateVWAP.
func VWAP(highs, lows, closes, volumes []float64) float64 {
	var sumTPV, sumVol float64
	for i := range closes {
		typical := (highs[i] + lows[i] + closes[i]) / 3
		sumTPV += typical * volumes[i]
		sumVol += volumes[i]
	}
	if sumVol == 0 {
		return 0
	}
	return sumTPV / sumVol
}

// VWAPSlope mirrors VWAPCollector.CalculateSlope: the percentage move
// of the running VWAP from its value after the first baseline bars.
func VWAPSlope(highs, lows, closes, volumes []float64, baselineBars int) float64 {
	if len(closes) < baselineBars {
		return 0
	}
	baseline := VWAP(highs[:baselineBars], lows[:baselineBars], closes[:baselineBars], volumes[:baselineBars])
	if baseline == 0 {
		return 0
	}
	current := VWAP(highs, lows, closes, volumes)
	return (current - baseline) / baseline * 100
}

// PivotPoints returns the classic pivot, R1/R2/R3, and S1/S2/S3 from
// the prior period's high/low/close.
type PivotPoints struct {
	Pivot, R1, R2, R3, S1, S2, S3 float64
}

func ClassicPivots(priorHigh, priorLow, priorClose float64) PivotPoints {
	p := (priorHigh + priorLow + priorClose) / 3
	r1 := 2*p - priorLow
	s1 := 2*p - priorHigh
	r2 := p + (priorHigh - priorLow)
	s2 := p - (priorHigh - priorLow)
	r3 := priorHigh + 2*(p-priorLow)
	s3 := priorLow - 2*(priorHigh-p)
	return PivotPoints{Pivot: p, R1: r1, R2: r2, R3: r3, S1: s1, S2: s2, S3: s3}
}

// OptionStrike is the minimal shape the options indicators need.
type OptionStrike struct {
	Strike float64
	CallOI float64
	PutOI  float64
	CallIV float64
	PutIV  float64
}

// PutCallRatio is ΣPutOI / ΣCallOI across a chain.
func PutCallRatio(strikes []OptionStrike) float64 {
	var callOI, putOI float64
	for _, s := range strikes {
		callOI += s.CallOI
		putOI += s.PutOI
	}
	if callOI == 0 {
		return 0
	}
	return putOI / callOI
}

// MaxPain returns the strike minimizing aggregate option-writer pain:
// Σ over strikes of intrinsic value owed to holders at expiry = strike.
func MaxPain(strikes []OptionStrike) float64 {
	if len(strikes) == 0 {
		return 0
	}
	bestStrike := strikes[0].Strike
	bestPain := math.Inf(1)
	for _, candidate := range strikes {
		pain := 0.0
		for _, s := range strikes {
			if candidate.Strike > s.Strike {
				pain += (candidate.Strike - s.Strike) * s.CallOI
			}
			if candidate.Strike < s.Strike {
				pain += (s.Strike - candidate.Strike) * s.PutOI
			}
		}
		if pain < bestPain {
			bestPain = pain
			bestStrike = candidate.Strike
		}
	}
	return bestStrike
}

// IVRank is the percentile rank of the latest IV within its historical
// range over the lookback window: (iv - min) / (max - min) * 100.
func IVRank(ivHistory []float64) float64 {
	if len(ivHistory) == 0 {
		return 0
	}
	latest := ivHistory[len(ivHistory)-1]
	lo, hi := ivHistory[0], ivHistory[0]
	for _, v := range ivHistory {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi == lo {
		return 0
	}
	return (latest - lo) / (hi - lo) * 100
}

// Correlation returns the Pearson correlation coefficient of two equal-
// length series.
func Correlation(a, b []float64) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}
	meanA, meanB := mean(a), mean(b)
	var num, sumSqA, sumSqB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		num += da * db
		sumSqA += da * da
		sumSqB += db * db
	}
	denom := math.Sqrt(sumSqA * sumSqB)
	if denom == 0 {
		return 0
	}
	return num / denom
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Beta returns the OLS beta of asset returns against benchmark returns:
// Cov(asset, benchmark) / Var(benchmark).
func Beta(assetReturns, benchmarkReturns []float64) float64 {
	n := len(assetReturns)
	if n == 0 || n != len(benchmarkReturns) {
		return 0
	}
	meanAsset, meanBench := mean(assetReturns), mean(benchmarkReturns)
	var cov, varBench float64
	for i := 0; i < n; i++ {
		da := assetReturns[i] - meanAsset
		db := benchmarkReturns[i] - meanBench
		cov += da * db
		varBench += db * db
	}
	if varBench == 0 {
		return 0
	}
	return cov / varBench
}

// SpreadZScore returns the z-score of the latest value of a spread
// series against its own rolling window statistics.
func SpreadZScore(spread []float64, window int) float64 {
	if len(spread) < window || window <= 1 {
		return 0
	}
	recent := spread[len(spread)-window:]
	m := mean(recent)
	sd := stdDev(recent, m)
	if sd == 0 {
		return 0
	}
	return (spread[len(spread)-1] - m) / sd
}

// HalfLife estimates the half-life of mean reversion for a spread
// series by regressing Δspread_t on spread_{t-1}: half_life =
// -ln(2) / ln(1 + slope).
func HalfLife(spread []float64) float64 {
	n := len(spread)
	if n < 3 {
		return math.NaN()
	}
	lagged := spread[:n-1]
	delta := make([]float64, n-1)
	for i := 1; i < n; i++ {
		delta[i-1] = spread[i] - spread[i-1]
	}
	meanLag, meanDelta := mean(lagged), mean(delta)
	var cov, varLag float64
	for i := range lagged {
		dl := lagged[i] - meanLag
		dd := delta[i] - meanDelta
		cov += dl * dd
		varLag += dl * dl
	}
	if varLag == 0 {
		return math.NaN()
	}
	slope := cov / varLag
	if slope >= 0 {
		return math.Inf(1)
	}
	return -math.Ln2 / math.Log(1+slope)
}
