// Command orchestrator is the operator entry point: it wires every
// internal package into a running process and exposes the Operator CLI
// (login, run-workflow, show-session, status, list-sessions, serve).
// Grounded on the teacher's NewAutoTrader/Run/Stop bootstrap shape in
// trader/auto_trader.go, generalized from one hardcoded trading loop
// into a composition root over a declared Workflow/Scheduler table.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelquant/orchestrator/internal/analyst"
	"github.com/kestrelquant/orchestrator/internal/api"
	"github.com/kestrelquant/orchestrator/internal/artifact"
	"github.com/kestrelquant/orchestrator/internal/auth"
	"github.com/kestrelquant/orchestrator/internal/authstore"
	"github.com/kestrelquant/orchestrator/internal/broker"
	"github.com/kestrelquant/orchestrator/internal/calendar"
	"github.com/kestrelquant/orchestrator/internal/clock"
	"github.com/kestrelquant/orchestrator/internal/config"
	"github.com/kestrelquant/orchestrator/internal/execution"
	"github.com/kestrelquant/orchestrator/internal/ledger"
	"github.com/kestrelquant/orchestrator/internal/logging"
	"github.com/kestrelquant/orchestrator/internal/marketdata"
	"github.com/kestrelquant/orchestrator/internal/metrics"
	"github.com/kestrelquant/orchestrator/internal/monitor"
	"github.com/kestrelquant/orchestrator/internal/scheduler"
	"github.com/kestrelquant/orchestrator/internal/session"
	"github.com/kestrelquant/orchestrator/internal/workflow"
)

const bannerWidth = 70

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	subcommand := os.Args[1]
	args := os.Args[2:]

	app, err := bootstrap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: failed to start: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	switch subcommand {
	case "login":
		os.Exit(app.cmdLogin())
	case "run-workflow":
		os.Exit(app.cmdRunWorkflow(args))
	case "show-session":
		os.Exit(app.cmdShowSession(args))
	case "status":
		os.Exit(app.cmdStatus())
	case "list-sessions":
		os.Exit(app.cmdListSessions(args))
	case "serve":
		app.cmdServe()
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: orchestrator <login|run-workflow|show-session|status|list-sessions|serve> [args]")
}

// app is the composition root: every long-lived dependency, built once
// at process start and threaded through every subcommand.
type app struct {
	cfg        *config.Config
	risk       *config.RootConfig
	loc        *time.Location
	log        *logging.Logger
	clk        clock.Clock
	cal        calendar.TradingCalendar
	sessions   *session.Store
	ledg       *ledger.Ledger
	authStore  *authstore.Store
	authMgr    *auth.Manager
	port       broker.Port
	data       marketdata.Port
	runner     *workflow.Runner
	engine     *execution.Engine
	mon        *monitor.Monitor
	analystCli analyst.Client
	srv        *api.Server
	workflows  map[string]*workflow.Workflow
}

func bootstrap() (*app, error) {
	cfg, err := config.Load(".env")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.Configure(cfg.Env)
	metrics.Init()

	riskPath := os.Getenv("ORCH_RISK_CONFIG")
	if riskPath == "" {
		riskPath = "config/risk.yaml"
	}
	risk, err := config.LoadRisk(riskPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk config: %w", err)
	}
	loc, err := risk.Venue.Location()
	if err != nil {
		return nil, err
	}

	sessions, err := session.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	ledg, err := ledger.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	authStorePath := strings.TrimSuffix(cfg.DatabasePath, ".db") + "_auth.db"
	authStoreDB, err := authstore.Open(authStorePath)
	if err != nil {
		return nil, err
	}

	clk := clock.Real{}
	cal := calendar.NewStatic(risk.Venue.HolidayDates)

	port := broker.NewAlpacaAdapter(cfg.BrokerAPIKey, cfg.BrokerSecretKey, cfg.BrokerPaper, clk)

	authMgr := auth.NewManager(authStoreDB, probeFn(port), refreshFn(cfg, port), os.Getenv("ORCH_TOTP_SECRET"))

	data := marketdata.NewHTTPPort(marketdata.Sources{
		FlowsURL:        os.Getenv("MARKETDATA_FLOWS_URL"),
		NewsURL:         os.Getenv("MARKETDATA_NEWS_URL"),
		FundamentalsURL: os.Getenv("MARKETDATA_FUNDAMENTALS_URL"),
		EventsURL:       os.Getenv("MARKETDATA_EVENTS_URL"),
	})

	runner := workflow.NewRunner(sessions)

	engine := execution.New(port, ledg, func(ctx context.Context) error {
		_, err := authMgr.Ensure(ctx)
		return err
	})
	if n := os.Getenv("ORCH_TWAP_SLICES"); n != "" {
		if slices := atoiSafe(n); slices > 1 {
			engine.EnableTWAP(slices, 5*time.Second)
		}
	}

	newsReader := func(ctx context.Context, sessionID string) (*artifact.NewsDigest, error) {
		ws, err := sessions.Get("news-watch", sessionID)
		if err != nil || ws == nil {
			return nil, err
		}
		for i := len(ws.Runs) - 1; i >= 0; i-- {
			for j := len(ws.Runs[i].StepOutputs) - 1; j >= 0; j-- {
				raw := ws.Runs[i].StepOutputs[j].Artifact
				if raw == nil {
					continue
				}
				data, err := json.Marshal(raw)
				if err != nil {
					continue
				}
				var digest artifact.NewsDigest
				if json.Unmarshal(data, &digest) == nil && digest.Sentiment != "" {
					return &digest, nil
				}
			}
		}
		return nil, nil
	}

	mon := monitor.New(port, ledg, engine.ApplyMonitorAction, newsReader, monitor.Config{
		TrailTriggerR:      risk.Risk.TrailTriggerR,
		PartialTriggerR:    risk.Risk.PartialTriggerR,
		ATRTrailMultiplier: risk.Risk.ATRTrailMultiplier,
		DailyLossFloor:     risk.Risk.DailyLossFloor,
		CloseTightenTime:   risk.Venue.CloseTightenTime,
		FlattenTime:        risk.Venue.FlattenTime,
	}, loc)

	var analystCli analyst.Client
	if baseURL := os.Getenv("ANALYST_BASE_URL"); baseURL != "" {
		analystCli = analyst.NewHTTPClient("remote-v1", analyst.WithBaseURL(baseURL), analyst.WithAPIKey(os.Getenv("ANALYST_API_KEY")))
	} else {
		analystCli = analyst.NewLocalFunctionAnalyst("local-v1")
	}

	srv := api.New(sessions, ledg)

	a := &app{
		cfg: cfg, risk: risk, loc: loc, log: logging.With("orchestrator"),
		clk: clk, cal: cal, sessions: sessions, ledg: ledg,
		authStore: authStoreDB, authMgr: authMgr, port: port, data: data,
		runner: runner, engine: engine, mon: mon, analystCli: analystCli, srv: srv,
	}
	a.workflows = a.buildWorkflows()
	return a, nil
}

func (a *app) Close() {
	a.sessions.Close()
	a.ledg.Close()
	a.authStore.Close()
}

func probeFn(port broker.Port) auth.ProbeFn {
	return func(ctx context.Context, tok *artifact.Token) error {
		_, err := port.GetFunds(ctx)
		return err
	}
}

// refreshFn re-validates the configured broker credentials. Static
// API-key deployments have no broker-side token refresh of their own;
// a successful probe after the operator supplies a fresh TOTP code is
// treated as the refresh succeeding.
func refreshFn(cfg *config.Config, port broker.Port) auth.RefreshFn {
	return func(ctx context.Context, tok *artifact.Token, pin string) (*artifact.Token, error) {
		if _, err := port.GetFunds(ctx); err != nil {
			return nil, err
		}
		now := time.Now()
		return &artifact.Token{
			Access: cfg.BrokerAPIKey, AcquiredAt: now, ExpiresAt: now.Add(24 * time.Hour),
		}, nil
	}
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// ---------------------------------------------------------------------
// Workflows
// ---------------------------------------------------------------------

func (a *app) buildWorkflows() map[string]*workflow.Workflow {
	return map[string]*workflow.Workflow{
		"pre-market":          a.preMarketWorkflow(),
		"intraday-analysis":   a.intradayAnalysisWorkflow(),
		"order-execution":     a.orderExecutionWorkflow(),
		"position-monitoring": a.positionMonitoringWorkflow(),
		"news-watch":          a.newsWatchWorkflow(),
		"post-trade-analysis": a.postTradeWorkflow(),
	}
}

func (a *app) preMarketWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Name: "pre-market",
		Stages: []workflow.Stage{
			&workflow.FunctionStage{
				StageName: "build_watchlist",
				Fn: func(rc *workflow.RunContext) workflow.StageResult {
					symbols := strings.Split(getenvDefault("ORCH_WATCHLIST", "AAPL,MSFT,NVDA"), ",")
					flows := a.data.InstitutionalFlows(rc.Context(), symbols)
					rc.SetSessionState("watchlist", symbols)
					return workflow.StageResult{Name: "build_watchlist", Artifact: flows}
				},
			},
		},
	}
}

// intradayAnalysisWorkflow is the spec's "Intraday Analysis" workflow
// (09:00 daily): a regime gate that may HALT the day before the
// Research stage runs, the Research stage itself (per-symbol analyst
// pass), and a gating Function Stage that turns cleared signals into
// Candidates for the separately-scheduled Order Execution workflow to
// read back via cross_session.
func (a *app) intradayAnalysisWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Name: "intraday-analysis",
		Stages: []workflow.Stage{
			&workflow.FunctionStage{
				StageName: "regime_gate",
				Fn: func(rc *workflow.RunContext) workflow.StageResult {
					vix := a.readVIX(rc.Context())
					state, multiplier := regimeFromVIX(vix)
					regime, err := artifact.NewRegime(
						artifact.Produced{Workflow: "intraday-analysis", Stage: "regime_gate"},
						state, vix, multiplier,
					)
					if err != nil {
						return workflow.StageResult{Name: "regime_gate", Err: err}
					}
					rc.SetSessionState("regime", regime)
					rc.SetSessionState("candidates", []*artifact.Candidate{})
					if state == artifact.RegimeHalt {
						return workflow.StageResult{Name: "regime_gate", Artifact: regime, Halt: true}
					}
					return workflow.StageResult{Name: "regime_gate", Artifact: regime}
				},
			},
			&workflow.AgentStage{
				StageName: "analyst_pass",
				Deadline:  20 * time.Second,
				Fn: func(rc *workflow.RunContext) (interface{}, error) {
					sessionID, _ := rc.SessionState()["__session_id"].(string)
					var symbols []string
					if pm, err := rc.CrossSession("pre-market", sessionID); err == nil && pm != nil {
						raw, _ := pm.SessionState["watchlist"].([]interface{})
						for _, s := range raw {
							if str, ok := s.(string); ok {
								symbols = append(symbols, str)
							}
						}
					}
					var signals []*artifact.StockSignal
					for _, symbol := range symbols {
						candles, err := a.port.GetHistory(rc.Context(), symbol, "5m", time.Now().Add(-2*time.Hour), time.Now(), false)
						if err != nil || len(candles) < 20 {
							continue
						}
						closes, highs, lows, volumes := candleSeries(candles)
						summaries := analyst.IndicatorSummaries(closes, highs, lows, volumes)
						resp, err := a.analystCli.Analyze(rc.Context(), analyst.Request{
							Symbol: symbol, SessionState: rc.SessionState(), Summaries: summaries,
							ScoreMin: -100, ScoreMax: 100,
						})
						if err != nil {
							a.log.Warnf("analyst pass failed for %s: %v", symbol, err)
							continue
						}
						signals = append(signals, resp.Signal)
					}
					return signals, nil
				},
			},
			&workflow.FunctionStage{
				StageName: "build_candidates",
				Fn: func(rc *workflow.RunContext) workflow.StageResult {
					signals, _ := rc.PreviousStepContent().([]*artifact.StockSignal)
					regime, _ := rc.SessionState()["regime"].(*artifact.Regime)
					candidates := []*artifact.Candidate{}
					for _, sig := range signals {
						cand := a.buildCandidate(rc.Context(), sig, regime)
						if cand != nil {
							candidates = append(candidates, cand)
						}
					}
					rc.SetSessionState("candidates", candidates)
					return workflow.StageResult{Name: "build_candidates", Artifact: candidates}
				},
			},
		},
	}
}

// orderExecutionWorkflow is the spec's "Order Execution" workflow
// (09:15 daily): it reads the Candidates the same trading day's
// Intraday Analysis run left in session_state — via cross_session, a
// different workflow's committed state, never its own — sizes each
// into an ApprovedOrder against the configured risk caps, and executes
// the batch. An empty Candidate set (HALT day, or no signal cleared
// the floor) yields zero Trades and Run status OK.
func (a *app) orderExecutionWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Name: "order-execution",
		Stages: []workflow.Stage{
			&workflow.FunctionStage{
				StageName: "size_and_execute",
				Fn: func(rc *workflow.RunContext) workflow.StageResult {
					sessionID, _ := rc.SessionState()["__session_id"].(string)
					analysis, err := rc.CrossSession("intraday-analysis", sessionID)
					if err != nil {
						return workflow.StageResult{Name: "size_and_execute", Err: err}
					}
					var candidates []*artifact.Candidate
					if analysis != nil {
						candidates = decodeCandidates(analysis.SessionState["candidates"])
					}
					var orders []*artifact.ApprovedOrder
					for _, cand := range candidates {
						order := a.sizeCandidate(cand)
						if order != nil {
							orders = append(orders, order)
						}
					}
					reports, err := a.engine.ExecuteBatch(rc.Context(), sessionID, orders)
					if err != nil {
						return workflow.StageResult{Name: "size_and_execute", Err: err}
					}
					return workflow.StageResult{Name: "size_and_execute", Artifact: reports}
				},
			},
		},
	}
}

// readVIX quotes the instrument this deployment reads as its
// volatility-regime proxy (ORCH_VIX_SYMBOL, default VIXY: a VIX-tracking
// ETF, since the broker port only exposes tradable-symbol quotes, not
// the index itself) and returns 20 (NORMAL) when no quote is available.
func (a *app) readVIX(ctx context.Context) float64 {
	symbol := getenvDefault("ORCH_VIX_SYMBOL", "VIXY")
	quotes, err := a.port.GetQuote(ctx, []string{symbol})
	if err != nil || len(quotes) == 0 {
		a.log.Warnf("vix proxy quote unavailable, defaulting regime to NORMAL: %v", err)
		return 20
	}
	return quotes[0].LastPrice
}

// regimeFromVIX buckets a VIX reading into the coarse regime state and
// its matching position-size multiplier; HALT always carries multiplier
// 0 per the Regime invariant.
func regimeFromVIX(vix float64) (artifact.RegimeState, float64) {
	switch {
	case vix < 15:
		return artifact.RegimeCalm, 1.2
	case vix < 25:
		return artifact.RegimeNormal, 1.0
	case vix < 35:
		return artifact.RegimeElevated, 0.5
	default:
		return artifact.RegimeHalt, 0
	}
}

// buildCandidate turns an analyst signal into a Candidate: entry range
// bracketed around a live quote, stop/target derived from the
// configured target move, and a confidence floor gated both by the
// operator's min_confidence and the Candidate's own 0.70 emit floor.
// Returns nil (silently skips) when the signal doesn't clear the floor
// or the Candidate invariants reject the resulting numbers.
func (a *app) buildCandidate(ctx context.Context, sig *artifact.StockSignal, regime *artifact.Regime) *artifact.Candidate {
	if sig.Confidence < a.risk.Risk.MinConfidence {
		return nil
	}
	quotes, err := a.port.GetQuote(ctx, []string{sig.Symbol})
	if err != nil || len(quotes) == 0 {
		a.log.Warnf("quote unavailable for candidate %s, skipping: %v", sig.Symbol, err)
		return nil
	}
	last := quotes[0].LastPrice
	if last <= 0 {
		return nil
	}

	dir := artifact.Long
	if sig.Score < 0 {
		dir = artifact.Short
	}
	spread := last * 0.001
	er := artifact.EntryRange{Low: last - spread, High: last + spread}
	stop := last * (1 - a.risk.Risk.TargetMovePct/2)
	target := last * (1 + a.risk.Risk.TargetMovePct)
	if dir == artifact.Short {
		stop = last * (1 + a.risk.Risk.TargetMovePct/2)
		target = last * (1 - a.risk.Risk.TargetMovePct)
	}

	confidence := sig.Confidence
	if regime != nil {
		confidence *= regime.PositionMultiplier / 1.2 // scale toward 1 at CALM, down as regime worsens
		if confidence > 1 {
			confidence = 1
		}
	}

	cand, err := artifact.NewCandidate(
		artifact.Produced{Workflow: "intraday-analysis", Stage: "build_candidates"},
		uuid.NewString(), sig.Symbol, dir, float64(sig.Score), confidence, er, stop, target,
		a.risk.Risk.TargetMovePct, []*artifact.StockSignal{sig},
	)
	if err != nil {
		a.log.Warnf("candidate for %s rejected: %v", sig.Symbol, err)
		return nil
	}
	return cand
}

// sizeCandidate converts a Candidate that passed the build-time
// confidence floor into an ApprovedOrder sized against the configured
// risk caps. Returns nil (silently skips) for any order that fails a
// risk invariant.
func (a *app) sizeCandidate(cand *artifact.Candidate) *artifact.ApprovedOrder {
	entry := (cand.EntryRange.Low + cand.EntryRange.High) / 2
	quantity := int(a.risk.Risk.PerTradeRiskCap / absFloat(entry-cand.StopLoss))
	if quantity < 1 {
		return nil
	}
	order, err := artifact.NewApprovedOrder(
		artifact.Produced{Workflow: "order-execution", Stage: "size_and_execute"},
		cand.ID, cand.Symbol, cand.Direction, quantity, 1, artifact.EntryLimit, entry, cand.StopLoss, cand.TakeProfit,
		"intraday", "", a.risk.Risk.PerTradeRiskCap, 0, a.risk.Risk.SectorCapPct, 0, a.risk.Risk.DailyLossFloor,
	)
	if err != nil {
		a.log.Warnf("candidate %s failed risk sizing: %v", cand.ID, err)
		return nil
	}
	return order
}

func (a *app) positionMonitoringWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Name: "position-monitoring",
		Stages: []workflow.Stage{
			&workflow.FunctionStage{
				StageName: "monitor_tick",
				Fn: func(rc *workflow.RunContext) workflow.StageResult {
					sessionID, _ := rc.SessionState()["__session_id"].(string)
					actions, err := a.mon.Tick(rc.Context(), sessionID)
					if err != nil {
						return workflow.StageResult{Name: "monitor_tick", Err: err}
					}
					return workflow.StageResult{Name: "monitor_tick", Artifact: actions}
				},
			},
		},
	}
}

func (a *app) newsWatchWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Name: "news-watch",
		Stages: []workflow.Stage{
			&workflow.FunctionStage{
				StageName: "news_watch",
				Fn: func(rc *workflow.RunContext) workflow.StageResult {
					symbols, _ := rc.SessionState()["watchlist"].([]string)
					items := a.data.News(rc.Context(), symbols, time.Now().Add(-30*time.Minute))
					sentiment := artifact.Neutral
					var affected []string
					var events []artifact.NewsEvent
					for _, it := range items {
						events = append(events, artifact.NewsEvent{Headline: it.Headline, Symbols: it.Symbols, Timestamp: it.Timestamp})
						affected = append(affected, it.Symbols...)
						if containsRiskOffTerm(it.Headline) {
							sentiment = artifact.RiskOff
						}
					}
					digest, err := artifact.NewNewsDigest(
						artifact.Produced{Workflow: "news-watch", Stage: "news_watch"},
						time.Now(), events, sentiment, affected,
					)
					if err != nil {
						return workflow.StageResult{Name: "news_watch", Err: err}
					}
					return workflow.StageResult{Name: "news_watch", Artifact: digest}
				},
			},
		},
	}
}

func (a *app) postTradeWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Name: "post-trade-analysis",
		Stages: []workflow.Stage{
			&workflow.FunctionStage{
				StageName: "day_report",
				Fn: func(rc *workflow.RunContext) workflow.StageResult {
					sessionID, _ := rc.SessionState()["__session_id"].(string)
					trades, err := a.ledg.ByDate(sessionID)
					if err != nil {
						return workflow.StageResult{Name: "day_report", Err: err}
					}
					realized, err := a.ledg.RealizedPnL(sessionID)
					if err != nil {
						return workflow.StageResult{Name: "day_report", Err: err}
					}
					hit := hitRate(trades)
					report := &artifact.DayReport{
						Produced:    artifact.Produced{Workflow: "post-trade-analysis", Stage: "day_report"},
						Date:        sessionID,
						RealizedPnL: realized,
						HitRate:     hit,
					}
					return workflow.StageResult{Name: "day_report", Artifact: report}
				},
			},
		},
	}
}

// containsRiskOffTerm is a coarse headline scan standing in for a real
// sentiment model; none of the retrieved market-data sources publish a
// usable sentiment score, so risk-off detection falls back to a small
// keyword list the way a first-pass news gate would.
func containsRiskOffTerm(headline string) bool {
	lower := strings.ToLower(headline)
	for _, term := range []string{"halt", "lawsuit", "investigation", "downgrade", "recall", "resigns", "fraud"} {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

func hitRate(trades []*artifact.Trade) float64 {
	total, wins := 0, 0
	for _, t := range trades {
		if t.RealizedPnL == nil {
			continue
		}
		total++
		if *t.RealizedPnL > 0 {
			wins++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(wins) / float64(total)
}

func candleSeries(candles []broker.Candle) (closes, highs, lows, volumes []float64) {
	closes = make([]float64, len(candles))
	highs = make([]float64, len(candles))
	lows = make([]float64, len(candles))
	volumes = make([]float64, len(candles))
	for i, c := range candles {
		closes[i], highs[i], lows[i] = c.Close, c.High, c.Low
		volumes[i] = float64(c.Volume)
	}
	return
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// decodeCandidates recovers typed Candidates from a cross-session read:
// the Session Store round-trips session_state through JSON, so a
// different workflow's state always arrives as generic map data rather
// than the native Go value the producing Run held.
func decodeCandidates(raw interface{}) []*artifact.Candidate {
	if raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var candidates []*artifact.Candidate
	if err := json.Unmarshal(data, &candidates); err != nil {
		return nil
	}
	return candidates
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ---------------------------------------------------------------------
// Subcommands
// ---------------------------------------------------------------------

func (a *app) cmdLogin() int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tok, err := a.authMgr.Ensure(ctx)
	if err == auth.ErrReauthRequired {
		fmt.Fprintln(os.Stderr, "re-authentication required: supply fresh broker credentials and retry")
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		return 1
	}
	fmt.Printf("authenticated, token usable until %s\n", tok.ExpiresAt.Format(time.RFC3339))
	return 0
}

func (a *app) cmdRunWorkflow(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: orchestrator run-workflow <name> [--session <date>]")
		return 1
	}
	name := args[0]
	w, ok := a.workflows[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown workflow %q\n", name)
		return 1
	}

	sessionID := calendar.SessionID(a.clk.Now(), a.loc)
	for i := 1; i < len(args)-1; i++ {
		if args[i] == "--session" {
			sessionID = args[i+1]
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	run, err := a.runner.Execute(ctx, w, sessionID, "manual-trigger", fmt.Sprintf("%s-%d", name, time.Now().UnixNano()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "workflow run failed: %v\n", err)
		return 1
	}
	if run.Status == artifact.RunHalt {
		fmt.Printf("workflow %s/%s halted\n", name, sessionID)
		return 3
	}
	fmt.Printf("workflow %s/%s completed with status %s\n", name, sessionID, run.Status)
	return 0
}

func (a *app) cmdShowSession(args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: orchestrator show-session <workflow> <date>")
		return 1
	}
	ws, err := a.sessions.Get(args[0], args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load session: %v\n", err)
		return 1
	}
	if ws == nil {
		fmt.Println("null")
		return 0
	}
	out, _ := json.MarshalIndent(ws, "", "  ")
	fmt.Println(string(out))
	return 0
}

func (a *app) cmdStatus() int {
	sessionID := calendar.SessionID(a.clk.Now(), a.loc)
	fmt.Printf("session %s\n", sessionID)
	for name := range a.workflows {
		ws, err := a.sessions.Get(name, sessionID)
		if err != nil {
			fmt.Printf("  %-20s error: %v\n", name, err)
			continue
		}
		if ws == nil {
			fmt.Printf("  %-20s not yet run\n", name)
			continue
		}
		last := ws.Runs[len(ws.Runs)-1]
		fmt.Printf("  %-20s %s (last run %s)\n", name, last.Status, last.EndedAt.Format(time.Kitchen))
	}
	return 0
}

func (a *app) cmdListSessions(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: orchestrator list-sessions <workflow> [--from <date>] [--to <date>]")
		return 1
	}
	workflowName := args[0]
	from, to := "", ""
	for i := 1; i < len(args)-1; i++ {
		switch args[i] {
		case "--from":
			from = args[i+1]
		case "--to":
			to = args[i+1]
		}
	}
	sessions, err := a.sessions.History(workflowName, 90)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list sessions: %v\n", err)
		return 1
	}
	for _, ws := range sessions {
		if from != "" && ws.SessionID < from {
			continue
		}
		if to != "" && ws.SessionID > to {
			continue
		}
		fmt.Println(ws.SessionID)
	}
	return 0
}

// cmdServe runs the long-lived process: the Scheduler driving every
// Workflow against the Trigger table, plus the read-model HTTP server.
func (a *app) cmdServe() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.log.Info(strings.Repeat("=", bannerWidth))
	a.log.Infof("orchestrator starting, env=%s venue=%s", a.cfg.Env, a.risk.Venue.Name)
	a.log.Info(strings.Repeat("=", bannerWidth))

	triggers := []scheduler.Trigger{
		{Workflow: "pre-market", At: "08:45"},
		{Workflow: "intraday-analysis", At: "09:00"},
		{Workflow: "order-execution", At: "09:15"},
		{Workflow: "position-monitoring", From: "09:30", To: "15:20", Every: 20 * time.Minute},
		{Workflow: "news-watch", From: "09:00", To: "16:00", Every: time.Hour},
		{Workflow: "post-trade-analysis", At: "16:00"},
	}

	sched := scheduler.New(a.clk, a.cal, a.loc, triggers, func(ctx context.Context, workflowName, sessionID string) error {
		w, ok := a.workflows[workflowName]
		if !ok {
			return fmt.Errorf("no such workflow %q", workflowName)
		}
		_, err := a.runner.Execute(ctx, w, sessionID, "scheduled", fmt.Sprintf("%s-%d", workflowName, time.Now().UnixNano()))
		return err
	})

	go sched.Run(ctx, time.Minute)
	go a.mon.RunSafetyNet(ctx, time.Minute, func() string { return calendar.SessionID(a.clk.Now(), a.loc) })

	httpSrv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: a.srv.Handler()}
	go func() {
		a.log.Infof("read-model api listening on %s", a.cfg.MetricsAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Errorf("api server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	a.log.Info("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	a.log.Info(strings.Repeat("-", bannerWidth))
}
