package analyst

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFunctionAnalyst_ScoresWithinBounds(t *testing.T) {
	a := NewLocalFunctionAnalyst("local-v1")
	req := Request{
		Symbol:    "SYM_A",
		Summaries: map[string]float64{"rsi_14": 72, "macd_hist": 0.4, "vwap_distance_pct": -1.5},
		ScoreMin:  -100, ScoreMax: 100,
	}
	resp, err := a.Analyze(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.Signal)
	assert.GreaterOrEqual(t, resp.Signal.Score, -100)
	assert.LessOrEqual(t, resp.Signal.Score, 100)
	assert.Equal(t, "local-v1", resp.Signal.AnalystID)
}

func TestLocalFunctionAnalyst_NeutralInputsProduceMidScore(t *testing.T) {
	a := NewLocalFunctionAnalyst("local-v1")
	req := Request{
		Symbol:    "SYM_A",
		Summaries: map[string]float64{"rsi_14": 50, "macd_hist": 0, "vwap_distance_pct": 0},
		ScoreMin:  0, ScoreMax: 100,
	}
	resp, err := a.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.InDelta(t, 50, resp.Signal.Score, 2)
}

func TestHTTPClient_ParsesDecisionResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/decision", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"score": 80, "confidence": 0.82, "reasoning": "strong momentum",
		})
	}))
	defer srv.Close()

	c := NewHTTPClient("remote-v1", WithBaseURL(srv.URL))
	resp, err := c.Analyze(context.Background(), Request{Symbol: "SYM_A", ScoreMin: -100, ScoreMax: 100})
	require.NoError(t, err)
	require.NotNil(t, resp.Signal)
	assert.Equal(t, 80, resp.Signal.Score)
	assert.Equal(t, "remote-v1", resp.Signal.AnalystID)
	assert.InDelta(t, 0.82, resp.Signal.Confidence, 1e-9)
}

func TestHTTPClient_ErrorStatusSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient("remote-v1", WithBaseURL(srv.URL))
	_, err := c.Analyze(context.Background(), Request{Symbol: "SYM_A", ScoreMin: 0, ScoreMax: 100})
	assert.Error(t, err)
}

func TestIndicatorSummaries_ShortSeriesReturnsEmpty(t *testing.T) {
	out := IndicatorSummaries([]float64{1, 2, 3}, []float64{1, 2, 3}, []float64{1, 2, 3}, []float64{1, 2, 3})
	assert.Empty(t, out)
}
