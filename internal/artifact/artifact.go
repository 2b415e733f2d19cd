// Package artifact defines the typed records exchanged between
// Workflow Stages (C4). Every constructor validates its invariants at
// construction time and returns an error rather than a partially-valid
// value, mirroring the teacher's StrategyConfig validation in
// store/strategy.go generalized from config shape to trading-record
// shape.
package artifact

import (
	"fmt"
	"time"
)

// Produced carries attribution: which workflow/stage/run emitted this
// artifact, so downstream stages and the post-trade analyst can trace
// a decision back to its source.
type Produced struct {
	Workflow string
	Stage    string
	RunID    string
}

// RegimeState is the coarse market-state gate.
type RegimeState string

const (
	RegimeCalm     RegimeState = "CALM"
	RegimeNormal   RegimeState = "NORMAL"
	RegimeElevated RegimeState = "ELEVATED"
	RegimeHalt     RegimeState = "HALT"
)

// Regime is a coarse market-state artifact used as a gate and weight on
// analyst outputs.
type Regime struct {
	Produced
	State              RegimeState
	VIX                float64
	PositionMultiplier float64
}

// NewRegime validates HALT ⇒ multiplier = 0 and the multiplier range.
func NewRegime(p Produced, state RegimeState, vix, multiplier float64) (*Regime, error) {
	if multiplier < 0 || multiplier > 1.5 {
		return nil, fmt.Errorf("regime: position_multiplier %.3f out of [0,1.5]", multiplier)
	}
	if state == RegimeHalt && multiplier != 0 {
		return nil, fmt.Errorf("regime: HALT requires position_multiplier = 0, got %.3f", multiplier)
	}
	return &Regime{Produced: p, State: state, VIX: vix, PositionMultiplier: multiplier}, nil
}

// StockSignal is one analyst's opinion on one symbol.
type StockSignal struct {
	Produced
	Symbol     string
	AnalystID  string
	Score      int
	ScoreMin   int
	ScoreMax   int
	Confidence float64
	Rationale  string
	ProducedAt time.Time
}

// NewStockSignal validates the score against the analyst-declared bounds
// and the confidence range.
func NewStockSignal(p Produced, symbol, analystID string, score, scoreMin, scoreMax int, confidence float64, rationale string, producedAt time.Time) (*StockSignal, error) {
	if score < scoreMin || score > scoreMax {
		return nil, fmt.Errorf("stock_signal: score %d outside analyst-declared range [%d,%d]", score, scoreMin, scoreMax)
	}
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("stock_signal: confidence %.3f out of [0,1]", confidence)
	}
	return &StockSignal{
		Produced: p, Symbol: symbol, AnalystID: analystID,
		Score: score, ScoreMin: scoreMin, ScoreMax: scoreMax,
		Confidence: confidence, Rationale: rationale, ProducedAt: producedAt,
	}, nil
}

// Direction is a trade direction.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// EntryRange is the acceptable entry band for a Candidate.
type EntryRange struct {
	Low  float64
	High float64
}

// Candidate is a stock pick with direction and explicit entry/SL/TP,
// eligible for risk sizing.
type Candidate struct {
	Produced
	ID                  string
	Symbol              string
	Direction           Direction
	CompositeScore      float64
	Confidence          float64
	EntryRange          EntryRange
	StopLoss            float64
	TakeProfit          float64
	ContributingSignals []*StockSignal
}

// NewCandidate validates the LONG/SHORT stop/target invariants, the
// minimum target-move distance, and the emit-time confidence floor.
func NewCandidate(p Produced, id, symbol string, dir Direction, compositeScore, confidence float64, er EntryRange, stopLoss, takeProfit, targetMovePct float64, signals []*StockSignal) (*Candidate, error) {
	if confidence < 0.70 {
		return nil, fmt.Errorf("candidate: confidence %.3f below 0.70 emit floor", confidence)
	}
	if er.Low <= 0 || er.High < er.Low {
		return nil, fmt.Errorf("candidate: invalid entry_range [%.4f,%.4f]", er.Low, er.High)
	}
	switch dir {
	case Long:
		if !(stopLoss < er.Low) {
			return nil, fmt.Errorf("candidate: LONG requires stop_loss < entry_range.low (%.4f >= %.4f)", stopLoss, er.Low)
		}
		if !(takeProfit > er.High) {
			return nil, fmt.Errorf("candidate: LONG requires take_profit > entry_range.high (%.4f <= %.4f)", takeProfit, er.High)
		}
	case Short:
		if !(stopLoss > er.High) {
			return nil, fmt.Errorf("candidate: SHORT requires stop_loss > entry_range.high (%.4f <= %.4f)", stopLoss, er.High)
		}
		if !(takeProfit < er.Low) {
			return nil, fmt.Errorf("candidate: SHORT requires take_profit < entry_range.low (%.4f >= %.4f)", takeProfit, er.Low)
		}
	default:
		return nil, fmt.Errorf("candidate: unknown direction %q", dir)
	}
	entryMid := (er.Low + er.High) / 2
	moveRequired := targetMovePct * entryMid
	actualMove := takeProfit - entryMid
	if actualMove < 0 {
		actualMove = -actualMove
	}
	if actualMove < moveRequired {
		return nil, fmt.Errorf("candidate: |take_profit - entry| %.4f below required target move %.4f", actualMove, moveRequired)
	}
	return &Candidate{
		Produced: p, ID: id, Symbol: symbol, Direction: dir,
		CompositeScore: compositeScore, Confidence: confidence,
		EntryRange: er, StopLoss: stopLoss, TakeProfit: takeProfit,
		ContributingSignals: signals,
	}, nil
}

// EntryType chooses how an ApprovedOrder enters the book.
type EntryType string

const (
	EntryLimit  EntryType = "LIMIT"
	EntryMarket EntryType = "MARKET"
)

// ApprovedOrder is a Candidate that has passed risk sizing and
// capital/margin checks.
type ApprovedOrder struct {
	Produced
	CandidateID string
	Symbol      string
	Direction   Direction
	Quantity    int
	EntryType   EntryType
	EntryPrice  float64
	StopLoss    float64
	TakeProfit  float64
	ProductType string
	Tag         string
}

// NewApprovedOrder validates lot-size alignment, per-trade risk cap,
// sector exposure cap, and the daily-loss-floor aggregate budget.
func NewApprovedOrder(p Produced, candidateID, symbol string, dir Direction, quantity int, lotSize int, entryType EntryType, entryPrice, stopLoss, takeProfit float64, productType, tag string, perTradeRiskCap float64, sectorExposure, sectorCap float64, pendingAndOpenRisk, dailyLossFloor float64) (*ApprovedOrder, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("approved_order: quantity must be >= 1, got %d", quantity)
	}
	if lotSize > 0 && quantity%lotSize != 0 {
		return nil, fmt.Errorf("approved_order: quantity %d is not a multiple of lot size %d", quantity, lotSize)
	}
	riskPerUnit := entryPrice - stopLoss
	if riskPerUnit < 0 {
		riskPerUnit = -riskPerUnit
	}
	tradeRisk := float64(quantity) * riskPerUnit
	if tradeRisk > perTradeRiskCap {
		return nil, fmt.Errorf("approved_order: trade risk %.4f exceeds per_trade_risk_cap %.4f", tradeRisk, perTradeRiskCap)
	}
	if sectorExposure+tradeRisk > sectorCap {
		return nil, fmt.Errorf("approved_order: sector exposure %.4f would exceed sector_cap %.4f", sectorExposure+tradeRisk, sectorCap)
	}
	if pendingAndOpenRisk+tradeRisk > dailyLossFloor {
		return nil, fmt.Errorf("approved_order: total pending+open risk %.4f would exceed daily_loss_floor %.4f", pendingAndOpenRisk+tradeRisk, dailyLossFloor)
	}
	return &ApprovedOrder{
		Produced: p, CandidateID: candidateID, Symbol: symbol, Direction: dir,
		Quantity: quantity, EntryType: entryType, EntryPrice: entryPrice,
		StopLoss: stopLoss, TakeProfit: takeProfit, ProductType: productType, Tag: tag,
	}, nil
}

// TradeStatus is a Trade's lifecycle state. Transitions are one-way;
// see execution.ValidTransition for the allowed-predecessor graph.
type TradeStatus string

const (
	TradePending    TradeStatus = "PENDING"
	TradeWorking    TradeStatus = "WORKING"
	TradeOpen       TradeStatus = "OPEN"
	TradeClosing    TradeStatus = "CLOSING"
	TradeClosed     TradeStatus = "CLOSED"
	TradeRejected   TradeStatus = "REJECTED"
	TradeStoppedOut TradeStatus = "STOPPED_OUT"
	TradeExpired    TradeStatus = "EXPIRED"
)

// Trade is the durable lifecycle record of one position from intent
// through terminal state. Owned exclusively by the Trade Ledger (C10).
type Trade struct {
	TradeID          string
	ApprovedOrderRef string
	EntryOrderID     string
	SLOrderID        string
	TPOrderID        string
	EntryTime        *time.Time
	EntryFillPrice   *float64
	FilledQty        int
	RemainingQty     int
	CurrentStop      *float64 // the live stop price; moved forward by the Position Monitor, never against the trade
	ExitTime         *time.Time
	ExitFillPrice    *float64
	RealizedPnL      *float64
	Status           TradeStatus
	ExitReason       string
}

// NewTrade constructs a Trade in its initial PENDING state.
func NewTrade(tradeID, approvedOrderRef string) *Trade {
	return &Trade{TradeID: tradeID, ApprovedOrderRef: approvedOrderRef, Status: TradePending}
}

// Sentiment classifies a NewsDigest's overall tone.
type Sentiment string

const (
	RiskOn  Sentiment = "RISK_ON"
	Neutral Sentiment = "NEUTRAL"
	RiskOff Sentiment = "RISK_OFF"
)

// NewsEvent is one fact inside a NewsDigest.
type NewsEvent struct {
	Headline  string
	Symbols   []string
	Timestamp time.Time
}

// NewsDigest is additive within a trading day: a new digest never
// deletes facts from an earlier one in the same session; it supersedes
// ambiguous priors by timestamp.
type NewsDigest struct {
	Produced
	ProducedAt      time.Time
	KeyEvents       []NewsEvent
	Sentiment       Sentiment
	AffectedSymbols []string
}

// NewNewsDigest validates the sentiment enum.
func NewNewsDigest(p Produced, producedAt time.Time, events []NewsEvent, sentiment Sentiment, affected []string) (*NewsDigest, error) {
	switch sentiment {
	case RiskOn, Neutral, RiskOff:
	default:
		return nil, fmt.Errorf("news_digest: unknown sentiment %q", sentiment)
	}
	return &NewsDigest{Produced: p, ProducedAt: producedAt, KeyEvents: events, Sentiment: sentiment, AffectedSymbols: affected}, nil
}

// Merge appends a later digest's events to this one without discarding
// any earlier fact, then replaces the sentiment/affected-symbols
// snapshot with the later digest's (timestamp supersession).
func (d *NewsDigest) Merge(later *NewsDigest) *NewsDigest {
	merged := &NewsDigest{
		Produced:        later.Produced,
		ProducedAt:      later.ProducedAt,
		KeyEvents:       append(append([]NewsEvent{}, d.KeyEvents...), later.KeyEvents...),
		Sentiment:       later.Sentiment,
		AffectedSymbols: later.AffectedSymbols,
	}
	return merged
}

// AnalystAccuracy is one analyst's scored prediction record for a
// DayReport.
type AnalystAccuracy struct {
	AnalystID string
	Correct   int
	Total     int
}

// DayReport is the post-trade workflow's daily summary artifact.
type DayReport struct {
	Produced
	Date            string
	RealizedPnL     float64
	UnrealizedPnL   float64
	HitRate         float64
	AnalystAccuracy []AnalystAccuracy
	Lessons         []string
}

// Token is the auth material gating a workflow run (C11). It is usable
// only if now < expires_at - skew AND a recent profile-probe succeeded;
// that second condition is tracked by the auth package, not here.
type Token struct {
	Access     string
	Refresh    string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	AppID      string
	UserID     string
}

// UsableAt reports whether the token's expiry (minus skew) has not yet
// passed at instant now. The profile-probe half of the invariant is
// enforced by auth.Manager, which holds the last-probe timestamp.
func (t *Token) UsableAt(now time.Time, skew time.Duration) bool {
	return now.Before(t.ExpiresAt.Add(-skew))
}

// WorkflowRunStatus is a run's terminal classification.
type WorkflowRunStatus string

const (
	RunOK      WorkflowRunStatus = "OK"
	RunFailed  WorkflowRunStatus = "FAILED"
	RunPartial WorkflowRunStatus = "PARTIAL"
	RunHalt    WorkflowRunStatus = "HALT"
)

// WorkflowRun is one execution of a Workflow within a WorkflowSession.
type WorkflowRun struct {
	RunID         string
	StartedAt     time.Time
	EndedAt       time.Time
	Input         map[string]interface{}
	Output        map[string]interface{}
	StepOutputs   []StepOutput // ordered map name -> artifact
	StateSnapshot map[string]interface{}
	Status        WorkflowRunStatus
}

// StepOutput is one named entry of a WorkflowRun's ordered step-output map.
type StepOutput struct {
	Name     string
	Artifact interface{}
}

// WorkflowSession is the durable home for a (workflow_name, session_id)
// pair's runs and accumulated session_state.
type WorkflowSession struct {
	WorkflowName string
	SessionID    string
	Runs         []*WorkflowRun
	SessionState map[string]interface{}
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
