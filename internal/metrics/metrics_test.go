package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	dto "github.com/prometheus/client_model/go"
)

func TestInit_RegistersRuntimeCollectors(t *testing.T) {
	Init()
	families, err := Registry.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRecordWorkflowRun_IncrementsCounterAndObservesDuration(t *testing.T) {
	RecordWorkflowRun("pre-market", "OK", 1.5)
	assert.Equal(t, 1.0, counterValue(t, WorkflowRunsTotal.WithLabelValues("pre-market", "OK")))
}

func TestRecordSchedulerSkip_IncrementsByWorkflowAndReason(t *testing.T) {
	RecordSchedulerSkip("intraday-analysis", "overlap")
	assert.Equal(t, 1.0, counterValue(t, SchedulerSkipsTotal.WithLabelValues("intraday-analysis", "overlap")))
}

func TestSetOpenPositions_SetsGaugeValue(t *testing.T) {
	SetOpenPositions(7)
	var m dto.Metric
	assert.NoError(t, OpenPositions.Write(&m))
	assert.Equal(t, 7.0, m.GetGauge().GetValue())
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}
