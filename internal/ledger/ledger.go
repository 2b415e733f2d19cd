// Package ledger is the Trade Ledger (C10): the durable, append-mostly
// record of every Trade from intent to terminal state, and the sole
// source of truth for realized/unrealized P&L roll-up. Grounded on the
// teacher's sqlite table pattern in store/strategy.go, generalized to
// Trade records plus a transition journal. Writes are guarded by a
// mutex (C8 and C9 never run concurrently by schedule design, but the
// invariant still needs the guard); reads are concurrent.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kestrelquant/orchestrator/internal/artifact"
)

// Ledger is the sqlite-backed Trade Ledger.
type Ledger struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) the ledger database and schema.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	l := &Ledger{db: db}
	if err := l.initTables(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) initTables() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			trade_id           TEXT PRIMARY KEY,
			approved_order_ref TEXT NOT NULL,
			session_id         TEXT NOT NULL,
			symbol             TEXT NOT NULL,
			entry_order_id     TEXT DEFAULT '',
			sl_order_id        TEXT DEFAULT '',
			tp_order_id        TEXT DEFAULT '',
			entry_time         DATETIME,
			entry_fill_price   REAL,
			filled_qty         INTEGER NOT NULL DEFAULT 0,
			remaining_qty      INTEGER NOT NULL DEFAULT 0,
			current_stop       REAL,
			exit_time          DATETIME,
			exit_fill_price    REAL,
			realized_pnl       REAL,
			status             TEXT NOT NULL,
			exit_reason        TEXT DEFAULT '',
			created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at         DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}
	_, _ = l.db.Exec(`CREATE INDEX IF NOT EXISTS idx_trades_session ON trades(session_id)`)
	_, _ = l.db.Exec(`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`)
	_, _ = l.db.Exec(`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`)

	_, err = l.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS update_trades_updated_at
		AFTER UPDATE ON trades
		BEGIN
			UPDATE trades SET updated_at = CURRENT_TIMESTAMP WHERE trade_id = NEW.trade_id;
		END
	`)
	if err != nil {
		return err
	}

	_, err = l.db.Exec(`
		CREATE TABLE IF NOT EXISTS trade_transitions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id   TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status   TEXT NOT NULL,
			detail     TEXT DEFAULT '',
			at         DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Create inserts a new Trade in its initial state, plus a journal entry
// recording its creation.
func (l *Ledger) Create(sessionID, symbol string, t *artifact.Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		INSERT INTO trades (trade_id, approved_order_ref, session_id, symbol, filled_qty, remaining_qty, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.TradeID, t.ApprovedOrderRef, sessionID, symbol, t.FilledQty, t.RemainingQty, string(t.Status))
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return l.journal(t.TradeID, "", string(t.Status), "created")
}

// Transition applies a state change to a Trade and journals it. Callers
// (execution.Engine, monitor.Monitor) are responsible for validating
// the transition against the §4.8 graph before calling this.
func (l *Ledger) Transition(t *artifact.Trade, from artifact.TradeStatus, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		UPDATE trades SET
			entry_order_id = ?, sl_order_id = ?, tp_order_id = ?,
			entry_time = ?, entry_fill_price = ?,
			filled_qty = ?, remaining_qty = ?, current_stop = ?,
			exit_time = ?, exit_fill_price = ?, realized_pnl = ?,
			status = ?, exit_reason = ?
		WHERE trade_id = ?
	`, t.EntryOrderID, t.SLOrderID, t.TPOrderID,
		nullableTime(t.EntryTime), nullableFloat(t.EntryFillPrice),
		t.FilledQty, t.RemainingQty, nullableFloat(t.CurrentStop),
		nullableTime(t.ExitTime), nullableFloat(t.ExitFillPrice), nullableFloat(t.RealizedPnL),
		string(t.Status), t.ExitReason, t.TradeID)
	if err != nil {
		return fmt.Errorf("failed to transition trade %s: %w", t.TradeID, err)
	}
	return l.journal(t.TradeID, string(from), string(t.Status), detail)
}

func (l *Ledger) journal(tradeID, from, to, detail string) error {
	_, err := l.db.Exec(`INSERT INTO trade_transitions (trade_id, from_status, to_status, detail) VALUES (?, ?, ?, ?)`, tradeID, from, to, detail)
	return err
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func scanTrade(row interface{ Scan(...interface{}) error }) (*artifact.Trade, string, error) {
	var t artifact.Trade
	var sessionID, symbol string
	var entryTime, exitTime sql.NullTime
	var entryFill, currentStop, exitFill, realizedPnL sql.NullFloat64
	var status string

	err := row.Scan(
		&t.TradeID, &t.ApprovedOrderRef, &sessionID, &symbol,
		&t.EntryOrderID, &t.SLOrderID, &t.TPOrderID,
		&entryTime, &entryFill, &t.FilledQty, &t.RemainingQty, &currentStop,
		&exitTime, &exitFill, &realizedPnL, &status, &t.ExitReason,
	)
	if err != nil {
		return nil, "", err
	}
	t.Status = artifact.TradeStatus(status)
	if entryTime.Valid {
		v := entryTime.Time
		t.EntryTime = &v
	}
	if exitTime.Valid {
		v := exitTime.Time
		t.ExitTime = &v
	}
	if entryFill.Valid {
		v := entryFill.Float64
		t.EntryFillPrice = &v
	}
	if currentStop.Valid {
		v := currentStop.Float64
		t.CurrentStop = &v
	}
	if exitFill.Valid {
		v := exitFill.Float64
		t.ExitFillPrice = &v
	}
	if realizedPnL.Valid {
		v := realizedPnL.Float64
		t.RealizedPnL = &v
	}
	return &t, symbol, nil
}

const selectColumns = `trade_id, approved_order_ref, session_id, symbol, entry_order_id, sl_order_id, tp_order_id, entry_time, entry_fill_price, filled_qty, remaining_qty, current_stop, exit_time, exit_fill_price, realized_pnl, status, exit_reason`

// ByDate returns every Trade recorded under a session_id (trading date).
func (l *Ledger) ByDate(sessionID string) ([]*artifact.Trade, error) {
	rows, err := l.db.Query(`SELECT `+selectColumns+` FROM trades WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAll(rows)
}

// BySymbol returns every Trade ever recorded for a symbol.
func (l *Ledger) BySymbol(symbol string) ([]*artifact.Trade, error) {
	rows, err := l.db.Query(`SELECT `+selectColumns+` FROM trades WHERE symbol = ? ORDER BY created_at ASC`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAll(rows)
}

// ByStatus returns every Trade currently in the given status.
func (l *Ledger) ByStatus(status artifact.TradeStatus) ([]*artifact.Trade, error) {
	rows, err := l.db.Query(`SELECT `+selectColumns+` FROM trades WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAll(rows)
}

// Open returns every WORKING, OPEN or CLOSING Trade (PENDING Trades are
// not included), ordered deterministically by trade_id (spec's
// monitor-loop ordering rule).
func (l *Ledger) Open() ([]*artifact.Trade, error) {
	rows, err := l.db.Query(`SELECT `+selectColumns+` FROM trades WHERE status IN (?, ?, ?) ORDER BY trade_id ASC`,
		string(artifact.TradeWorking), string(artifact.TradeOpen), string(artifact.TradeClosing))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([]*artifact.Trade, error) {
	var trades []*artifact.Trade
	for rows.Next() {
		t, _, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// OpenTrade pairs a Trade with the symbol it was created against, the
// one column the monitor loop needs that artifact.Trade does not carry.
type OpenTrade struct {
	Trade  *artifact.Trade
	Symbol string
}

// OpenWithSymbols is Open plus the symbol column, for callers (the
// Position Monitor) that need to place broker calls per Trade.
func (l *Ledger) OpenWithSymbols() ([]OpenTrade, error) {
	rows, err := l.db.Query(`SELECT `+selectColumns+` FROM trades WHERE status IN (?, ?, ?) ORDER BY trade_id ASC`,
		string(artifact.TradeWorking), string(artifact.TradeOpen), string(artifact.TradeClosing))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OpenTrade
	for rows.Next() {
		t, symbol, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, OpenTrade{Trade: t, Symbol: symbol})
	}
	return out, rows.Err()
}

// RealizedPnL sums realized_pnl across every CLOSED/STOPPED_OUT Trade
// for a session_id — the authoritative daily P&L figure.
func (l *Ledger) RealizedPnL(sessionID string) (float64, error) {
	var total sql.NullFloat64
	err := l.db.QueryRow(`
		SELECT SUM(realized_pnl) FROM trades
		WHERE session_id = ? AND status IN (?, ?)
	`, sessionID, string(artifact.TradeClosed), string(artifact.TradeStoppedOut)).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// Transitions returns the journal for one Trade, oldest first.
func (l *Ledger) Transitions(tradeID string) ([]Transition, error) {
	rows, err := l.db.Query(`SELECT from_status, to_status, detail, at FROM trade_transitions WHERE trade_id = ? ORDER BY id ASC`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var tr Transition
		if err := rows.Scan(&tr.From, &tr.To, &tr.Detail, &tr.At); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Transition is one journaled state change.
type Transition struct {
	From   string
	To     string
	Detail string
	At     time.Time
}

// MarshalState is a debugging/audit helper returning a Trade as JSON.
func MarshalState(t *artifact.Trade) ([]byte, error) {
	return json.Marshal(t)
}
