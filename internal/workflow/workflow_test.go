package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/orchestrator/internal/artifact"
	"github.com/kestrelquant/orchestrator/internal/session"
)

func newTestRunner(t *testing.T) (*Runner, *session.Store) {
	t.Helper()
	store, err := session.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRunner(store), store
}

func TestRunner_SequentialStagesRecordStepOutputs(t *testing.T) {
	r, _ := newTestRunner(t)
	w := &Workflow{
		Name: "intraday-analysis",
		Stages: []Stage{
			&FunctionStage{StageName: "regime", Fn: func(rc *RunContext) StageResult {
				return StageResult{Name: "regime", Artifact: "CALM"}
			}},
			&FunctionStage{StageName: "research", Fn: func(rc *RunContext) StageResult {
				prev, _ := rc.GetStepContent("regime")
				return StageResult{Name: "research", Artifact: fmt.Sprintf("built on %v", prev)}
			}},
		},
	}

	run, err := r.Execute(context.Background(), w, "2026-07-30", "go", "run-1")
	require.NoError(t, err)
	assert.Equal(t, artifact.RunOK, run.Status)
	require.Len(t, run.StepOutputs, 2)
	assert.Equal(t, "built on CALM", run.StepOutputs[1].Artifact)
}

func TestRunner_HaltShortCircuitsWithHaltStatus(t *testing.T) {
	r, _ := newTestRunner(t)
	w := &Workflow{
		Name: "intraday-analysis",
		Stages: []Stage{
			&FunctionStage{StageName: "regime-gate", Fn: func(rc *RunContext) StageResult {
				return StageResult{Name: "regime-gate", Artifact: "HALT", Halt: true}
			}},
			&FunctionStage{StageName: "research", Fn: func(rc *RunContext) StageResult {
				t.Fatal("research stage must not run after HALT")
				return StageResult{}
			}},
		},
	}

	run, err := r.Execute(context.Background(), w, "2026-07-30", "go", "run-1")
	require.NoError(t, err)
	assert.Equal(t, artifact.RunHalt, run.Status)
	assert.Len(t, run.StepOutputs, 1)
}

func TestRunner_StageFailureMarksRunFailed(t *testing.T) {
	r, _ := newTestRunner(t)
	w := &Workflow{
		Name: "intraday-analysis",
		Stages: []Stage{
			&FunctionStage{StageName: "broken", Fn: func(rc *RunContext) StageResult {
				return StageResult{Name: "broken", Err: fmt.Errorf("boom")}
			}},
		},
	}

	run, err := r.Execute(context.Background(), w, "2026-07-30", "go", "run-1")
	assert.Error(t, err)
	assert.Equal(t, artifact.RunFailed, run.Status)
}

func TestRunner_TolerantStageContinuesWithPartialStatus(t *testing.T) {
	r, _ := newTestRunner(t)
	w := &Workflow{
		Name: "news-digest",
		Stages: []Stage{
			Tolerant(&FunctionStage{StageName: "flaky-source", Fn: func(rc *RunContext) StageResult {
				return StageResult{Name: "flaky-source", Err: fmt.Errorf("source unavailable")}
			}}),
			&FunctionStage{StageName: "continue", Fn: func(rc *RunContext) StageResult {
				return StageResult{Name: "continue", Artifact: "ok"}
			}},
		},
	}

	run, err := r.Execute(context.Background(), w, "2026-07-30", "go", "run-1")
	require.NoError(t, err)
	assert.Equal(t, artifact.RunPartial, run.Status)
	assert.Len(t, run.StepOutputs, 2)
}

func TestParallelGroup_StrictQuorumFailsOnOneError(t *testing.T) {
	group := &ParallelGroup{
		GroupName: "analyst-panel",
		Members: []Stage{
			&FunctionStage{StageName: "a", Fn: func(rc *RunContext) StageResult { return StageResult{Name: "a", Artifact: 1} }},
			&FunctionStage{StageName: "b", Fn: func(rc *RunContext) StageResult { return StageResult{Name: "b", Err: fmt.Errorf("fail")} }},
		},
	}
	res := group.Run(&RunContext{sessionState: map[string]interface{}{}})
	assert.Error(t, res.Err)
}

func TestAgentStage_DeadlineExceeded(t *testing.T) {
	stage := &AgentStage{
		StageName: "slow-analyst",
		Deadline:  10 * time.Millisecond,
		Fn: func(rc *RunContext) (interface{}, error) {
			time.Sleep(50 * time.Millisecond)
			return "too late", nil
		},
	}
	res := stage.Run(&RunContext{ctx: context.Background(), sessionState: map[string]interface{}{}})
	assert.Error(t, res.Err)
}

func TestRunner_WorkflowHistoryChronological(t *testing.T) {
	r, _ := newTestRunner(t)
	w := &Workflow{
		Name: "intraday-analysis",
		Stages: []Stage{
			&FunctionStage{StageName: "s", Fn: func(rc *RunContext) StageResult { return StageResult{Name: "s", Artifact: "v"} }},
		},
	}
	_, err := r.Execute(context.Background(), w, "2026-07-30", "go", "run-1")
	require.NoError(t, err)

	w2 := &Workflow{
		Name: "intraday-analysis",
		Stages: []Stage{
			&FunctionStage{StageName: "history-check", Fn: func(rc *RunContext) StageResult {
				hist, err := rc.WorkflowHistory(5)
				require.NoError(t, err)
				require.Len(t, hist, 1)
				assert.Equal(t, "run-1", hist[0].RunID)
				return StageResult{Name: "history-check", Artifact: "checked"}
			}},
		},
	}
	_, err = r.Execute(context.Background(), w2, "2026-07-30", "go", "run-2")
	require.NoError(t, err)
}
