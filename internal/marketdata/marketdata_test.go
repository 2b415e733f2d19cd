package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPPort_InstitutionalFlowsFiltersToRequestedSymbols(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"data":{"stocks":[
			{"pair":"AAPL","score":0.8,"increase_percent":1.2},
			{"pair":"MSFT","score":0.3,"increase_percent":-0.5}
		]}}`)
	}))
	defer srv.Close()

	port := NewHTTPPort(Sources{FlowsURL: srv.URL})
	flows := port.InstitutionalFlows(context.Background(), []string{"AAPL"})
	require.Len(t, flows, 1)
	assert.Equal(t, "AAPL", flows[0].Symbol)
}

func TestHTTPPort_InstitutionalFlowsEmptyURLReturnsNilSilently(t *testing.T) {
	port := NewHTTPPort(Sources{})
	flows := port.InstitutionalFlows(context.Background(), []string{"AAPL"})
	assert.Nil(t, flows)
}

func TestHTTPPort_InstitutionalFlowsSourceErrorReturnsEmptyNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	port := NewHTTPPort(Sources{FlowsURL: srv.URL})
	flows := port.InstitutionalFlows(context.Background(), nil)
	assert.Empty(t, flows)
}

func TestHTTPPort_NewsFiltersByRecency(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour).Format(time.RFC3339)
	recent := time.Now().Format(time.RFC3339)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"success":true,"data":{"items":[
			{"headline":"stale","symbols":["AAPL"],"source":"wire","at":%q},
			{"headline":"fresh","symbols":["AAPL"],"source":"wire","at":%q}
		]}}`, old, recent)
	}))
	defer srv.Close()

	port := NewHTTPPort(Sources{NewsURL: srv.URL})
	items := port.News(context.Background(), []string{"AAPL"}, time.Now().Add(-30*time.Minute))
	require.Len(t, items, 1)
	assert.Equal(t, "fresh", items[0].Headline)
}

func TestHTTPPort_UpcomingEventsFiltersByWindowAndSymbol(t *testing.T) {
	soon := time.Now().Add(time.Hour).Format(time.RFC3339)
	far := time.Now().Add(48 * time.Hour).Format(time.RFC3339)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[
			{"name":"earnings","symbol":"AAPL","at":%q},
			{"name":"fed","symbol":"","at":%q}
		]}`, soon, far)
	}))
	defer srv.Close()

	port := NewHTTPPort(Sources{EventsURL: srv.URL})
	events := port.UpcomingEvents(context.Background(), []string{"AAPL"}, 2*time.Hour)
	require.Len(t, events, 1)
	assert.Equal(t, "earnings", events[0].Name)
}
