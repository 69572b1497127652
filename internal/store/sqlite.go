// Package store persists runs, orders, and fills in a local SQLite
// database so an interrupted run can be reconciled on restart.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"trade_engine/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	mode       TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at   TIMESTAMP
);
CREATE TABLE IF NOT EXISTS orders (
	idempotency_key TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	order_id        TEXT,
	market          TEXT NOT NULL,
	side            TEXT NOT NULL,
	ord_type        INTEGER NOT NULL,
	qty             TEXT NOT NULL,
	funds           TEXT NOT NULL,
	price           TEXT NOT NULL,
	status          INTEGER NOT NULL,
	reason          TEXT,
	position_id     TEXT,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_run ON orders(run_id, status);
CREATE TABLE IF NOT EXISTS fills (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id   TEXT NOT NULL,
	order_id TEXT NOT NULL,
	market   TEXT NOT NULL,
	side     TEXT NOT NULL,
	price    TEXT NOT NULL,
	qty      TEXT NOT NULL,
	fee      TEXT NOT NULL,
	ts       TIMESTAMP NOT NULL
);
`

// SQLiteJournal implements core.OrderJournal on a local database file.
// Orders are upserted by idempotency key, so a status update overwrites
// the earlier row.
type SQLiteJournal struct {
	db    *sql.DB
	runID string
}

// Open creates or opens the journal database and binds it to runID.
func Open(path, runID string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &SQLiteJournal{db: db, runID: runID}, nil
}

// RecordRun inserts or finalizes a run row.
func (j *SQLiteJournal) RecordRun(run core.Run) error {
	var ended interface{}
	if !run.EndedAt.IsZero() {
		ended = run.EndedAt.UTC()
	}
	_, err := j.db.Exec(`
		INSERT INTO runs (run_id, mode, started_at, ended_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET ended_at = excluded.ended_at`,
		run.RunID, run.Mode.String(), run.StartedAt.UTC(), ended)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecordOrder upserts the order's current state.
func (j *SQLiteJournal) RecordOrder(order *core.Order) error {
	_, err := j.db.Exec(`
		INSERT INTO orders (idempotency_key, run_id, order_id, market, side,
			ord_type, qty, funds, price, status, reason, position_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			order_id = excluded.order_id,
			status   = excluded.status,
			reason   = excluded.reason`,
		order.IdempotencyKey, j.runID, order.OrderID, order.Market,
		order.Side.String(), int(order.Type), order.Qty.String(),
		order.Funds.String(), order.Price.String(), int(order.Status),
		order.Reason, order.PositionID, order.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record order %s: %w", order.IdempotencyKey, err)
	}
	return nil
}

// RecordFill appends a fill row.
func (j *SQLiteJournal) RecordFill(fill *core.Fill) error {
	_, err := j.db.Exec(`
		INSERT INTO fills (run_id, order_id, market, side, price, qty, fee, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.runID, fill.OrderID, fill.Market, fill.Side.String(),
		fill.Price.String(), fill.Qty.String(), fill.Fee.String(), fill.TS.UTC())
	if err != nil {
		return fmt.Errorf("record fill %s: %w", fill.OrderID, err)
	}
	return nil
}

// UnterminatedOrders returns a run's orders that never reached a
// terminal status.
func (j *SQLiteJournal) UnterminatedOrders(runID string) ([]core.Order, error) {
	rows, err := j.db.Query(`
		SELECT idempotency_key, order_id, market, side, ord_type,
			qty, funds, price, status, reason, position_id, created_at
		FROM orders
		WHERE run_id = ? AND status NOT IN (?, ?, ?)
		ORDER BY created_at`,
		runID, int(core.StatusFilled), int(core.StatusCancelled), int(core.StatusRejected))
	if err != nil {
		return nil, fmt.Errorf("query unterminated orders: %w", err)
	}
	defer rows.Close()

	var out []core.Order
	for rows.Next() {
		var (
			order              core.Order
			side               string
			ordType, status    int
			qty, funds, price  string
			reason, positionID sql.NullString
			createdAt          time.Time
		)
		if err := rows.Scan(&order.IdempotencyKey, &order.OrderID, &order.Market,
			&side, &ordType, &qty, &funds, &price, &status,
			&reason, &positionID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if side == "buy" {
			order.Side = core.SideBuy
		} else {
			order.Side = core.SideSell
		}
		order.Type = core.OrderType(ordType)
		order.Status = core.OrderStatus(status)
		order.Reason = reason.String
		order.PositionID = positionID.String
		order.CreatedAt = createdAt
		if order.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("order qty %q: %w", qty, err)
		}
		if order.Funds, err = decimal.NewFromString(funds); err != nil {
			return nil, fmt.Errorf("order funds %q: %w", funds, err)
		}
		if order.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("order price %q: %w", price, err)
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

// LastRunID returns the most recently started run, excluding the one
// this journal is bound to. Empty when there is no predecessor.
func (j *SQLiteJournal) LastRunID() (string, error) {
	var runID string
	err := j.db.QueryRow(`
		SELECT run_id FROM runs
		WHERE run_id != ?
		ORDER BY started_at DESC LIMIT 1`, j.runID).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last run: %w", err)
	}
	return runID, nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

var _ core.OrderJournal = (*SQLiteJournal)(nil)
