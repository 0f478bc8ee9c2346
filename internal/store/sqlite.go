package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"backsim/internal/backtest"
	simerrors "backsim/internal/errors"
	"backsim/internal/models"
)

// SQLiteStore implements ResultStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based result store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Candles table for historical OHLCV data
	CREATE TABLE IF NOT EXISTS candles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(symbol, timestamp)
	);

	-- Runs table: one row per backtest
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		start_cash REAL NOT NULL,
		final_value REAL NOT NULL,
		total_return REAL NOT NULL,
		max_drawdown REAL NOT NULL,
		sharpe_ratio REAL NOT NULL,
		win_rate REAL NOT NULL,
		total_trades INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Orders table: full order history of a run
	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		ref INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		exec_type TEXT NOT NULL,
		status TEXT NOT NULL,
		size REAL NOT NULL,
		exec_size REAL NOT NULL,
		exec_price REAL NOT NULL,
		commission REAL NOT NULL,
		pnl REAL NOT NULL,
		created_dt DATETIME,
		executed_dt DATETIME
	);

	-- Equity table: per-bar portfolio value of a run
	CREATE TABLE IF NOT EXISTS equity (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		timestamp DATETIME NOT NULL,
		equity REAL NOT NULL,
		cash REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_candles_symbol_ts ON candles(symbol, timestamp);
	CREATE INDEX IF NOT EXISTS idx_orders_run ON orders(run_id);
	CREATE INDEX IF NOT EXISTS idx_equity_run ON equity(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun persists a run's summary, equity curve and order history in one
// transaction and returns the run id.
func (s *SQLiteStore) SaveRun(ctx context.Context, name string, result *backtest.Result) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, simerrors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (name, start_cash, final_value, total_return,
			max_drawdown, sharpe_ratio, win_rate, total_trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		name, result.StartCash, result.FinalValue, result.TotalReturn,
		result.MaxDrawdown, result.SharpeRatio, result.WinRate, result.TotalTrades)
	if err != nil {
		return 0, simerrors.Wrap(err, "insert run")
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, simerrors.Wrap(err, "run id")
	}

	orderStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO orders (run_id, ref, symbol, side, exec_type, status,
			size, exec_size, exec_price, commission, pnl, created_dt, executed_dt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, simerrors.Wrap(err, "prepare orders")
	}
	defer orderStmt.Close()

	for _, o := range result.Orders {
		_, err = orderStmt.ExecContext(ctx, runID, o.Ref, o.Symbol, string(o.Side),
			string(o.ExecType), string(o.Status), o.Size,
			o.Executed.Size, o.Executed.Price, o.Executed.Comm, o.Executed.PnL,
			o.Created.Dt, o.Executed.Dt)
		if err != nil {
			return 0, simerrors.Wrap(err, "insert order")
		}
	}

	equityStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO equity (run_id, timestamp, equity, cash) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, simerrors.Wrap(err, "prepare equity")
	}
	defer equityStmt.Close()

	for _, p := range result.EquityCurve {
		if _, err = equityStmt.ExecContext(ctx, runID, p.Timestamp, p.Equity, p.Cash); err != nil {
			return 0, simerrors.Wrap(err, "insert equity point")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, simerrors.Wrap(err, "commit")
	}
	return runID, nil
}

// GetRun loads one run summary.
func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, start_cash, final_value, total_return,
			max_drawdown, sharpe_ratio, win_rate, total_trades, created_at
		FROM runs WHERE id = ?`, id)

	var r RunRecord
	err := row.Scan(&r.ID, &r.Name, &r.StartCash, &r.FinalValue, &r.TotalReturn,
		&r.MaxDrawdown, &r.SharpeRatio, &r.WinRate, &r.TotalTrades, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, simerrors.Wrapf(simerrors.ErrDataNotFound, "run %d", id)
	}
	if err != nil {
		return nil, simerrors.Wrap(err, "scan run")
	}
	return &r, nil
}

// ListRuns returns run summaries, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, start_cash, final_value, total_return,
			max_drawdown, sharpe_ratio, win_rate, total_trades, created_at
		FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, simerrors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		err := rows.Scan(&r.ID, &r.Name, &r.StartCash, &r.FinalValue, &r.TotalReturn,
			&r.MaxDrawdown, &r.SharpeRatio, &r.WinRate, &r.TotalTrades, &r.CreatedAt)
		if err != nil {
			return nil, simerrors.Wrap(err, "scan run")
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetEquityCurve loads the persisted equity curve of a run.
func (s *SQLiteStore) GetEquityCurve(ctx context.Context, runID int64) ([]backtest.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, equity, cash FROM equity
		WHERE run_id = ? ORDER BY timestamp`, runID)
	if err != nil {
		return nil, simerrors.Wrap(err, "query equity")
	}
	defer rows.Close()

	var curve []backtest.EquityPoint
	for rows.Next() {
		var p backtest.EquityPoint
		if err := rows.Scan(&p.Timestamp, &p.Equity, &p.Cash); err != nil {
			return nil, simerrors.Wrap(err, "scan equity point")
		}
		curve = append(curve, p)
	}
	return curve, rows.Err()
}

// SaveCandles persists bar data, replacing duplicates by symbol+timestamp.
func (s *SQLiteStore) SaveCandles(ctx context.Context, symbol string, candles []models.Candle) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return simerrors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return simerrors.Wrap(err, "prepare candles")
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.ExecContext(ctx, symbol, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			return simerrors.Wrap(err, "insert candle")
		}
	}
	return tx.Commit()
}

// GetCandles loads bar data for a symbol within [from, to], time-ordered.
func (s *SQLiteStore) GetCandles(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume FROM candles
		WHERE symbol = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp`, symbol, from, to)
	if err != nil {
		return nil, simerrors.Wrap(err, "query candles")
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, simerrors.Wrap(err, "scan candle")
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// Compile-time interface check.
var _ ResultStore = (*SQLiteStore)(nil)
