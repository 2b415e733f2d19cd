// Package session is the Session Store (C6): one durable record per
// (workflow_name, session_id) carrying the ordered runs[] and the
// latest session_state. Grounded on store/strategy.go's sqlite
// table/trigger/index pattern, generalized from a strategy-config blob
// to a workflow-session blob.
package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kestrelquant/orchestrator/internal/artifact"
)

// Store persists WorkflowSessions in sqlite, one row per
// (workflow_name, session_id), with the runs and session_state
// marshalled as JSON columns.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_sessions (
			workflow_name TEXT NOT NULL,
			session_id    TEXT NOT NULL,
			runs          TEXT NOT NULL DEFAULT '[]',
			session_state TEXT NOT NULL DEFAULT '{}',
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (workflow_name, session_id)
		)
	`)
	if err != nil {
		return err
	}

	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_workflow_sessions_workflow ON workflow_sessions(workflow_name)`)

	_, err = s.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS update_workflow_sessions_updated_at
		AFTER UPDATE ON workflow_sessions
		BEGIN
			UPDATE workflow_sessions SET updated_at = CURRENT_TIMESTAMP
			WHERE workflow_name = NEW.workflow_name AND session_id = NEW.session_id;
		END
	`)
	return err
}

type runRow struct {
	RunID         string                 `json:"run_id"`
	StartedAt     time.Time              `json:"started_at"`
	EndedAt       time.Time              `json:"ended_at"`
	Input         map[string]interface{} `json:"input"`
	Output        map[string]interface{} `json:"output"`
	StepOutputs   []stepOutputRow        `json:"step_outputs"`
	StateSnapshot map[string]interface{} `json:"state_snapshot"`
	Status        string                 `json:"status"`
}

type stepOutputRow struct {
	Name     string      `json:"name"`
	Artifact interface{} `json:"artifact"`
}

// Get loads a WorkflowSession, or nil if none exists yet for this key.
func (s *Store) Get(workflowName, sessionID string) (*artifact.WorkflowSession, error) {
	row := s.db.QueryRow(`SELECT runs, session_state, created_at, updated_at FROM workflow_sessions WHERE workflow_name = ? AND session_id = ?`, workflowName, sessionID)

	var runsJSON, stateJSON string
	var createdAt, updatedAt time.Time
	if err := row.Scan(&runsJSON, &stateJSON, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load workflow session: %w", err)
	}

	var rows []runRow
	if err := json.Unmarshal([]byte(runsJSON), &rows); err != nil {
		return nil, fmt.Errorf("failed to decode runs: %w", err)
	}
	var sessionState map[string]interface{}
	if err := json.Unmarshal([]byte(stateJSON), &sessionState); err != nil {
		return nil, fmt.Errorf("failed to decode session_state: %w", err)
	}

	runs := make([]*artifact.WorkflowRun, 0, len(rows))
	for _, r := range rows {
		steps := make([]artifact.StepOutput, 0, len(r.StepOutputs))
		for _, so := range r.StepOutputs {
			steps = append(steps, artifact.StepOutput{Name: so.Name, Artifact: so.Artifact})
		}
		runs = append(runs, &artifact.WorkflowRun{
			RunID: r.RunID, StartedAt: r.StartedAt, EndedAt: r.EndedAt,
			Input: r.Input, Output: r.Output, StepOutputs: steps,
			StateSnapshot: r.StateSnapshot, Status: artifact.WorkflowRunStatus(r.Status),
		})
	}

	return &artifact.WorkflowSession{
		WorkflowName: workflowName, SessionID: sessionID,
		Runs: runs, SessionState: sessionState,
		CreatedAt: createdAt, UpdatedAt: updatedAt,
	}, nil
}

// Save upserts a WorkflowSession. Runs are stored in started_at order,
// preserving the invariant that persisting and reloading reproduces the
// same session_state.
func (s *Store) Save(ws *artifact.WorkflowSession) error {
	sorted := append([]*artifact.WorkflowRun{}, ws.Runs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartedAt.Before(sorted[j].StartedAt) })

	rows := make([]runRow, 0, len(sorted))
	for _, r := range sorted {
		steps := make([]stepOutputRow, 0, len(r.StepOutputs))
		for _, so := range r.StepOutputs {
			steps = append(steps, stepOutputRow{Name: so.Name, Artifact: so.Artifact})
		}
		rows = append(rows, runRow{
			RunID: r.RunID, StartedAt: r.StartedAt, EndedAt: r.EndedAt,
			Input: r.Input, Output: r.Output, StepOutputs: steps,
			StateSnapshot: r.StateSnapshot, Status: string(r.Status),
		})
	}

	runsJSON, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to encode runs: %w", err)
	}
	stateJSON, err := json.Marshal(ws.SessionState)
	if err != nil {
		return fmt.Errorf("failed to encode session_state: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO workflow_sessions (workflow_name, session_id, runs, session_state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workflow_name, session_id) DO UPDATE SET
			runs = excluded.runs,
			session_state = excluded.session_state
	`, ws.WorkflowName, ws.SessionID, string(runsJSON), string(stateJSON))
	if err != nil {
		return fmt.Errorf("failed to save workflow session: %w", err)
	}
	return nil
}

// History returns up to n most recent sessions for workflowName, in
// chronological order (oldest first); RunContext.WorkflowHistory reads
// workflow_history(n) through it.
func (s *Store) History(workflowName string, n int) ([]*artifact.WorkflowSession, error) {
	rows, err := s.db.Query(`
		SELECT session_id FROM workflow_sessions
		WHERE workflow_name = ?
		ORDER BY session_id DESC
		LIMIT ?
	`, workflowName, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow history: %w", err)
	}
	defer rows.Close()

	var sessionIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sessionIDs = append(sessionIDs, id)
	}

	sessions := make([]*artifact.WorkflowSession, 0, len(sessionIDs))
	for i := len(sessionIDs) - 1; i >= 0; i-- {
		ws, err := s.Get(workflowName, sessionIDs[i])
		if err != nil {
			return nil, err
		}
		if ws != nil {
			sessions = append(sessions, ws)
		}
	}
	return sessions, nil
}

// Exists reports whether a session record already exists for the key.
func (s *Store) Exists(workflowName, sessionID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM workflow_sessions WHERE workflow_name = ? AND session_id = ?`, workflowName, sessionID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
