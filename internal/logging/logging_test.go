package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWith_TagsComponentWithoutPanicking(t *testing.T) {
	l := With("test-component")
	assert.NotNil(t, l)
	l.Info("hello")
	l.Infof("hello %s", "world")
	l.Warnf("warn %d", 1)
	l.Errorf("err %v", assert.AnError)
}

func TestWithFields_DerivesLoggerWithoutMutatingParent(t *testing.T) {
	base := With("test-component")
	derived := base.WithFields(map[string]string{"workflow": "pre-market", "session_id": "2026-07-30"})
	assert.NotNil(t, derived)
	derived.Info("tagged")
}

func TestConfigure_SwitchesBetweenDevelopmentAndProduction(t *testing.T) {
	Configure("production")
	Info("production line")
	Configure("development")
	Info("development line")
}

func TestAudit_RecordsWithoutPanicking(t *testing.T) {
	Audit(AuditEvent{Kind: "scheduler_skip_overlap", Workflow: "intraday-analysis", SessionID: "2026-07-30", Detail: "dropped"})
}
