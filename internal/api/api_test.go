package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/orchestrator/internal/artifact"
	"github.com/kestrelquant/orchestrator/internal/ledger"
	"github.com/kestrelquant/orchestrator/internal/session"
)

func newTestServer(t *testing.T) (*Server, *session.Store, *ledger.Ledger) {
	t.Helper()
	sess, err := session.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	ledg, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledg.Close() })

	return New(sess, ledg), sess, ledg
}

func TestServer_HealthzOK(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_GetSessionNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions/pre-market/2026-07-30", nil)
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetSessionReturnsSavedSession(t *testing.T) {
	s, sess, _ := newTestServer(t)
	ws := &artifact.WorkflowSession{
		WorkflowName: "pre-market",
		SessionID:    "2026-07-30",
		Runs: []*artifact.WorkflowRun{
			{RunID: "r1", StartedAt: time.Now(), EndedAt: time.Now(), Status: artifact.RunOK,
				Input: map[string]interface{}{}, Output: map[string]interface{}{"watchlist_size": float64(5)}},
		},
		SessionState: map[string]interface{}{"phase": "complete"},
	}
	require.NoError(t, sess.Save(ws))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions/pre-market/2026-07-30", nil)
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got artifact.WorkflowSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "pre-market", got.WorkflowName)
	require.Len(t, got.Runs, 1)
	assert.Equal(t, artifact.RunOK, got.Runs[0].Status)
}

func TestServer_GetTradesReturnsLedgerRows(t *testing.T) {
	s, _, ledg := newTestServer(t)
	tr := artifact.NewTrade("trade-1", "order-1")
	require.NoError(t, ledg.Create("2026-07-30", "SYM_A", tr))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/trades/2026-07-30", nil)
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Trades []artifact.Trade `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Trades, 1)
	assert.Equal(t, "trade-1", body.Trades[0].TradeID)
}

func TestServer_GetDayReportNullWhenNoSession(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/day-report/2026-07-30", nil)
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Nil(t, body["day_report"])
}

func TestServer_GetDayReportReadsLatestRunOutput(t *testing.T) {
	s, sess, _ := newTestServer(t)
	ws := &artifact.WorkflowSession{
		WorkflowName: "post-trade-analysis",
		SessionID:    "2026-07-30",
		Runs: []*artifact.WorkflowRun{
			{RunID: "r1", StartedAt: time.Now(), EndedAt: time.Now(), Status: artifact.RunOK,
				Input: map[string]interface{}{}, Output: map[string]interface{}{},
				StepOutputs: []artifact.StepOutput{
					{Name: "day_report", Artifact: map[string]interface{}{"net_pnl": 123.0}},
				}},
		},
		SessionState: map[string]interface{}{},
	}
	require.NoError(t, sess.Save(ws))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/day-report/2026-07-30", nil)
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	report, ok := body["day_report"].(map[string]interface{})
	require.True(t, ok)
	assert.InDelta(t, 123.0, report["net_pnl"], 1e-9)
}

func TestServer_ListSessionsHonorsLimit(t *testing.T) {
	s, sess, _ := newTestServer(t)
	for _, date := range []string{"2026-07-28", "2026-07-29", "2026-07-30"} {
		require.NoError(t, sess.Save(&artifact.WorkflowSession{
			WorkflowName: "pre-market", SessionID: date, SessionState: map[string]interface{}{},
		}))
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions/pre-market?n=2", nil)
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sessions []artifact.WorkflowSession `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Sessions, 2)
}

func TestServer_MetricsEndpointServesPlaintext(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}
