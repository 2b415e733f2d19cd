// Package api is the read-model HTTP layer (§6): a thin gin surface
// over the Session Store and Trade Ledger for the UI, plus a
// Prometheus scrape endpoint. It never writes — every handler here is
// a read against state the Workflow Runtime and Execution Engine
// already committed. Grounded on the teacher's api/tactics.go handler
// shape (gin.H responses, userID-from-context auth, `(s *Server)
// handleX` naming) adapted from tactic CRUD to session/trade/report reads.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelquant/orchestrator/internal/ledger"
	"github.com/kestrelquant/orchestrator/internal/logging"
	"github.com/kestrelquant/orchestrator/internal/metrics"
	"github.com/kestrelquant/orchestrator/internal/session"
)

// Server wires the read-model endpoints against the durable stores.
type Server struct {
	sessions *session.Store
	ledger   *ledger.Ledger
	log      *logging.Logger
	engine   *gin.Engine
}

// New constructs a Server and registers its routes.
func New(sessions *session.Store, ledg *ledger.Ledger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{sessions: sessions, ledger: ledg, log: logging.With("api"), engine: gin.New()}
	s.engine.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for use with an http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", s.handleMetrics)
	s.engine.GET("/sessions/:workflow/:date", s.handleGetSession)
	s.engine.GET("/sessions/:workflow", s.handleListSessions)
	s.engine.GET("/trades/:date", s.handleGetTrades)
	s.engine.GET("/day-report/:date", s.handleGetDayReport)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleMetrics passes through to the custom prometheus registry the
// metrics package builds, the same registry every internal package
// records against.
func (s *Server) handleMetrics(c *gin.Context) {
	promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

// handleGetSession implements the §6 read-model `session(workflow, date)`.
func (s *Server) handleGetSession(c *gin.Context) {
	workflow := c.Param("workflow")
	date := c.Param("date")

	ws, err := s.sessions.Get(workflow, date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session: " + err.Error()})
		return
	}
	if ws == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, ws)
}

// handleListSessions exposes workflow_history(n) for the supplemented
// `list-sessions` operator surface, via ?n=5.
func (s *Server) handleListSessions(c *gin.Context) {
	workflow := c.Param("workflow")
	n := 10
	if raw := c.Query("n"); raw != "" {
		if parsed, err := parsePositiveInt(raw); err == nil {
			n = parsed
		}
	}

	sessions, err := s.sessions.History(workflow, n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// handleGetTrades implements `trades(date) -> Trade[]`.
func (s *Server) handleGetTrades(c *gin.Context) {
	date := c.Param("date")
	trades, err := s.ledger.ByDate(date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trades: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// handleGetDayReport implements `day_report(date) -> DayReport | null`.
// The DayReport is the post-trade workflow's terminal step artifact, so
// this reads that session and pulls the "day_report" named step out of
// its latest run.
func (s *Server) handleGetDayReport(c *gin.Context) {
	date := c.Param("date")
	ws, err := s.sessions.Get("post-trade-analysis", date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load post-trade session: " + err.Error()})
		return
	}
	if ws == nil || len(ws.Runs) == 0 {
		c.JSON(http.StatusOK, gin.H{"day_report": nil})
		return
	}
	latest := ws.Runs[len(ws.Runs)-1]
	for i := len(latest.StepOutputs) - 1; i >= 0; i-- {
		if latest.StepOutputs[i].Name == "day_report" {
			c.JSON(http.StatusOK, gin.H{"day_report": latest.StepOutputs[i].Artifact})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"day_report": nil})
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, http.ErrNotSupported
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 {
		return 0, http.ErrNotSupported
	}
	return n, nil
}
