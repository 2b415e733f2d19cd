// Package workflow is the Workflow Runtime (C5): a named ordered
// sequence of Stages executed by a Runner, reading and writing the
// Session Store, with the context a Stage receives (session_state,
// workflow_history, cross_session, ports) passed as a Context value.
// Grounded on the teacher's decision/engine.go dispatch shape and
// auto_trader.runCycle's linear build-context -> decide -> persist
// pipeline, generalized from one bespoke trading cycle into a declared
// Stage sequence.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelquant/orchestrator/internal/artifact"
	"github.com/kestrelquant/orchestrator/internal/logging"
	"github.com/kestrelquant/orchestrator/internal/session"
)

// StageResult is what a Stage invocation produces.
type StageResult struct {
	Name     string
	Artifact interface{}
	Halt     bool // a gating Function Stage may short-circuit the Run with status HALT
	Skipped  bool // a Tolerant-wrapped stage failed but the Run continues with status PARTIAL
	Err      error
}

// RunContext is what every Stage invocation receives.
type RunContext struct {
	ctx context.Context

	Input string

	mu                sync.Mutex
	sessionState      map[string]interface{}
	stepOutputs       []artifact.StepOutput
	previousStepOut   interface{}

	workflowName string
	store        *session.Store
	crossReader  func(workflow, sessionID string) (*artifact.WorkflowSession, error)
}

// Context returns the underlying cancellation context for port calls.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// SessionState exposes the shared mutable mapping visible to every
// Stage in the Run.
func (rc *RunContext) SessionState() map[string]interface{} {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.sessionState
}

// SetSessionState merges keys into the shared mapping.
func (rc *RunContext) SetSessionState(key string, value interface{}) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.sessionState[key] = value
}

// PreviousStepContent returns the immediately prior Stage's output.
func (rc *RunContext) PreviousStepContent() interface{} {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.previousStepOut
}

// GetStepContent returns a named prior Stage's output. Top-level names
// win over names nested inside a Parallel Group's output map.
func (rc *RunContext) GetStepContent(name string) (interface{}, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for i := len(rc.stepOutputs) - 1; i >= 0; i-- {
		if rc.stepOutputs[i].Name == name {
			return rc.stepOutputs[i].Artifact, true
		}
	}
	for i := len(rc.stepOutputs) - 1; i >= 0; i-- {
		if group, ok := rc.stepOutputs[i].Artifact.(map[string]interface{}); ok {
			if v, found := group[name]; found {
				return v, true
			}
		}
	}
	return nil, false
}

// WorkflowHistory returns the last n prior Runs' (input, output) pairs
// for this workflow, chronological order, loaded from the Session Store.
func (rc *RunContext) WorkflowHistory(n int) ([]*artifact.WorkflowRun, error) {
	sessions, err := rc.store.History(rc.workflowName, n)
	if err != nil {
		return nil, err
	}
	var runs []*artifact.WorkflowRun
	for _, ws := range sessions {
		if ws.SessionID > rc.currentSessionID() {
			continue
		}
		runs = append(runs, ws.Runs...)
	}
	if len(runs) == 0 {
		return nil, nil
	}
	if len(runs) > n {
		runs = runs[len(runs)-n:]
	}
	return runs, nil
}

func (rc *RunContext) currentSessionID() string {
	v, _ := rc.sessionState["__session_id"].(string)
	return v
}

// CrossSession reads another workflow's session for the same trading
// date (or an explicitly named one). Always observes the latest
// committed session_state — never a mid-Run state, since Runs persist
// only at completion.
func (rc *RunContext) CrossSession(workflowName, sessionID string) (*artifact.WorkflowSession, error) {
	return rc.crossReader(workflowName, sessionID)
}

func (rc *RunContext) recordStep(name string, out interface{}) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.stepOutputs = append(rc.stepOutputs, artifact.StepOutput{Name: name, Artifact: out})
	rc.previousStepOut = out
}

// Stage is one unit of work in a Workflow.
type Stage interface {
	Name() string
	Run(rc *RunContext) StageResult
}

// Tolerant wraps a Stage so a failure produces a null artifact and
// continues the Run instead of failing it.
func Tolerant(s Stage) Stage { return &tolerantStage{inner: s} }

type tolerantStage struct{ inner Stage }

func (t *tolerantStage) Name() string { return t.inner.Name() }
func (t *tolerantStage) Run(rc *RunContext) StageResult {
	res := t.inner.Run(rc)
	if res.Err != nil {
		return StageResult{Name: res.Name, Artifact: nil, Skipped: true}
	}
	return res
}

// FunctionStage is deterministic code with no external I/O: gating,
// aggregation, persistence.
type FunctionStage struct {
	StageName string
	Fn        func(rc *RunContext) StageResult
}

func (f *FunctionStage) Name() string { return f.StageName }
func (f *FunctionStage) Run(rc *RunContext) StageResult {
	return f.Fn(rc)
}

// AgentFn is the signature an external analyst implements: given the
// RunContext it returns an artifact or an error.
type AgentFn func(rc *RunContext) (interface{}, error)

// AgentStage invokes an external analyst and returns its artifact.
type AgentStage struct {
	StageName string
	Deadline  time.Duration
	Fn        AgentFn
}

func (a *AgentStage) Name() string { return a.StageName }
func (a *AgentStage) Run(rc *RunContext) StageResult {
	ctx := rc.ctx
	var cancel context.CancelFunc
	if a.Deadline > 0 {
		ctx, cancel = context.WithTimeout(ctx, a.Deadline)
		defer cancel()
	}
	stageRC := *rc
	stageRC.ctx = ctx

	type outcome struct {
		artifact interface{}
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := a.Fn(&stageRC)
		done <- outcome{out, err}
	}()

	select {
	case <-ctx.Done():
		return StageResult{Name: a.StageName, Err: ctx.Err()}
	case o := <-done:
		if o.err != nil {
			return StageResult{Name: a.StageName, Err: o.err}
		}
		return StageResult{Name: a.StageName, Artifact: o.artifact}
	}
}

// QuorumPolicy decides whether a Parallel Group has succeeded given its
// member results.
type QuorumPolicy func(results []StageResult) bool

// StrictQuorum requires every member to succeed.
func StrictQuorum(results []StageResult) bool {
	for _, r := range results {
		if r.Err != nil {
			return false
		}
	}
	return true
}

// ParallelGroup runs its member Stages concurrently with a bounded
// fan-out (default cap = group size); members share no visibility
// except through session_state until the group closes.
type ParallelGroup struct {
	GroupName string
	Members   []Stage
	Quorum    QuorumPolicy
	Cap       int
}

func (g *ParallelGroup) Name() string { return g.GroupName }
func (g *ParallelGroup) Run(rc *RunContext) StageResult {
	quorum := g.Quorum
	if quorum == nil {
		quorum = StrictQuorum
	}
	cap := g.Cap
	if cap <= 0 || cap > len(g.Members) {
		cap = len(g.Members)
	}

	results := make([]StageResult, len(g.Members))
	sem := make(chan struct{}, cap)
	var wg sync.WaitGroup
	for i, m := range g.Members {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, m Stage) {
			defer wg.Done()
			defer func() { <-sem }()
			memberRC := *rc
			results[i] = m.Run(&memberRC)
		}(i, m)
	}
	wg.Wait()

	out := make(map[string]interface{}, len(results))
	for _, r := range results {
		out[r.Name] = r.Artifact
	}
	if !quorum(results) {
		return StageResult{Name: g.GroupName, Artifact: out, Err: fmt.Errorf("parallel group %s failed quorum", g.GroupName)}
	}
	return StageResult{Name: g.GroupName, Artifact: out}
}

// Workflow is a named ordered sequence of Stages.
type Workflow struct {
	Name   string
	Stages []Stage
}

// Runner executes Workflows against the Session Store.
type Runner struct {
	store *session.Store
	log   *logging.Logger
}

func NewRunner(store *session.Store) *Runner {
	return &Runner{store: store, log: logging.With("workflow.runner")}
}

// Execute runs every Stage of w in order, persisting the resulting
// WorkflowRun and session_state to the Session Store at completion.
// Stage boundaries are the cancellation/snapshot checkpoints: a
// cancelled ctx fails the Run but the partial session_state is still
// persisted with status FAILED.
func (r *Runner) Execute(ctx context.Context, w *Workflow, sessionID string, input string, runID string) (*artifact.WorkflowRun, error) {
	startedAt := time.Now()

	existing, err := r.store.Get(w.Name, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session before run: %w", err)
	}
	sessionState := map[string]interface{}{"__session_id": sessionID}
	if existing != nil {
		for k, v := range existing.SessionState {
			sessionState[k] = v
		}
	}

	rc := &RunContext{
		ctx:          ctx,
		Input:        input,
		sessionState: sessionState,
		workflowName: w.Name,
		store:        r.store,
		crossReader: func(workflow, sid string) (*artifact.WorkflowSession, error) {
			return r.store.Get(workflow, sid)
		},
	}

	status := artifact.RunOK
	var runErr error
	sawSkip := false

	for _, stage := range w.Stages {
		select {
		case <-ctx.Done():
			status = artifact.RunFailed
			runErr = ctx.Err()
		default:
		}
		if runErr != nil {
			break
		}

		res := stage.Run(rc)
		if res.Err != nil {
			r.log.Warnf("stage %s failed in workflow %s: %v", stage.Name(), w.Name, res.Err)
			status = artifact.RunFailed
			runErr = res.Err
			break
		}
		rc.recordStep(res.Name, res.Artifact)
		if res.Skipped {
			sawSkip = true
		}
		if res.Halt {
			status = artifact.RunHalt
			break
		}
	}
	if status == artifact.RunOK && sawSkip {
		status = artifact.RunPartial
	}

	endedAt := time.Now()
	run := &artifact.WorkflowRun{
		RunID:         runID,
		StartedAt:     startedAt,
		EndedAt:       endedAt,
		Input:         map[string]interface{}{"input": input},
		Output:        map[string]interface{}{},
		StepOutputs:   rc.stepOutputs,
		StateSnapshot: rc.SessionState(),
		Status:        status,
	}
	if len(rc.stepOutputs) > 0 {
		run.Output["last_step"] = rc.stepOutputs[len(rc.stepOutputs)-1].Name
	}

	ws := existing
	if ws == nil {
		ws = &artifact.WorkflowSession{WorkflowName: w.Name, SessionID: sessionID, CreatedAt: startedAt}
	}
	ws.Runs = append(ws.Runs, run)
	ws.SessionState = rc.SessionState()
	ws.UpdatedAt = endedAt

	if saveErr := r.store.Save(ws); saveErr != nil {
		return run, fmt.Errorf("failed to persist workflow session: %w", saveErr)
	}

	if runErr != nil {
		return run, runErr
	}
	return run, nil
}
