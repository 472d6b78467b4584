package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"barwalk/internal/engine"

	_ "modernc.org/sqlite"
)

// ResultStore 管理 backtest_runs/trades/equity/fills 表。
type ResultStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewResultStore(root string) (*ResultStore, error) {
	if root == "" {
		return nil, fmt.Errorf("result store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureResultSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &ResultStore{db: db, path: path}, nil
}

func (s *ResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureResultSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			strategy TEXT NOT NULL,
			preset TEXT NOT NULL,
			status TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			initial_cash REAL NOT NULL,
			final_equity REAL NOT NULL DEFAULT 0,
			net_profit REAL NOT NULL DEFAULT 0,
			return_pct REAL NOT NULL DEFAULT 0,
			win_rate REAL NOT NULL DEFAULT 0,
			max_drawdown REAL NOT NULL DEFAULT 0,
			trades INTEGER NOT NULL DEFAULT 0,
			config_json TEXT NOT NULL,
			stats_json TEXT,
			diag_json TEXT,
			message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			qty REAL NOT NULL,
			entry_time INTEGER NOT NULL,
			entry_price REAL NOT NULL,
			exit_time INTEGER NOT NULL,
			exit_price REAL NOT NULL,
			exit_bar INTEGER NOT NULL,
			pnl REAL NOT NULL,
			commission REAL NOT NULL,
			reason TEXT,
			gapped INTEGER NOT NULL DEFAULT 0,
			slippage REAL NOT NULL DEFAULT 0,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_equity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			bar INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			equity REAL NOT NULL,
			cash REAL NOT NULL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			fill_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			position_id TEXT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			qty REAL NOT NULL,
			commission REAL NOT NULL,
			ts INTEGER NOT NULL,
			bar INTEGER NOT NULL,
			phase TEXT NOT NULL,
			role TEXT NOT NULL,
			tag TEXT,
			slippage REAL NOT NULL DEFAULT 0,
			gapped INTEGER NOT NULL DEFAULT 0,
			partial INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_run ON backtest_trades(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_equity_run ON backtest_equity(run_id, bar);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_run ON backtest_fills(run_id, bar);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertRun 写入一条 run 记录。
func (s *ResultStore) InsertRun(ctx context.Context, run Run) error {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backtest_runs
			(id, symbol, timeframe, strategy, preset, status, start_ts, end_ts, initial_cash,
			final_equity, net_profit, return_pct, win_rate, max_drawdown, trades,
			config_json, stats_json, diag_json, message, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Symbol, run.Timeframe, run.Strategy, run.Preset, run.Status,
		run.StartTS, run.EndTS, run.InitialCash, run.InitialCash, 0.0, 0.0, 0.0, 0.0, 0,
		string(cfgJSON), nil, nil, run.Message, now, now, nullableTime(run.CompletedAt))
	return err
}

// UpdateRunStatus 更新状态与提示。
func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	now := time.Now().UnixMilli()
	var completed interface{}
	if status == RunStatusDone || status == RunStatusFailed {
		completed = now
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, message=?, updated_at=?, completed_at=CASE WHEN ? IS NULL THEN completed_at ELSE ? END
		WHERE id=?`, status, message, now, completed, completed, id)
	return err
}

// CompleteRun 在一个事务里写入全部结果：run 汇总行、交易流水、
// 权益曲线与成交明细。重复执行会先清掉同 run 的旧明细，幂等。
func (s *ResultStore) CompleteRun(ctx context.Context, id string, res *engine.RunResult) error {
	if res == nil {
		return fmt.Errorf("run result 不能为空")
	}
	statsJSON, err := json.Marshal(res.Stats)
	if err != nil {
		return err
	}
	diagJSON, err := json.Marshal(res.Diag)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, final_equity=?, net_profit=?, return_pct=?, win_rate=?, max_drawdown=?,
		    trades=?, stats_json=?, diag_json=?, message=?, updated_at=?, completed_at=?
		WHERE id=?`,
		RunStatusDone, res.Stats.FinalEquity, res.Stats.NetProfit, res.Stats.ReturnPct,
		res.Stats.WinRate, res.Stats.MaxDrawdown, res.Stats.Trades,
		string(statsJSON), string(diagJSON), "完成", now, now, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, table := range []string{"backtest_trades", "backtest_equity", "backtest_fills"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE run_id=?", table), id); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := insertTrades(ctx, tx, id, res.Trades); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := insertEquity(ctx, tx, id, res.Equity); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := insertFills(ctx, tx, id, res.Fills); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertTrades(ctx context.Context, tx *sql.Tx, runID string, trades []engine.TradeRecord) error {
	if len(trades) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backtest_trades
			(run_id, position_id, symbol, side, qty, entry_time, entry_price,
			 exit_time, exit_price, exit_bar, pnl, commission, reason, gapped, slippage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx, runID, t.PositionID, t.Symbol, string(t.Side), t.Qty,
			t.EntryTime, t.EntryPrice, t.ExitTime, t.ExitPrice, t.ExitBar,
			t.Pnl, t.Commission, t.Reason, boolToInt(t.Gapped), t.Slippage); err != nil {
			return err
		}
	}
	return nil
}

func insertEquity(ctx context.Context, tx *sql.Tx, runID string, points []engine.EquityPoint) error {
	if len(points) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backtest_equity (run_id, bar, ts, equity, cash)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, runID, p.Bar, p.Time, p.Equity, p.Cash); err != nil {
			return err
		}
	}
	return nil
}

func insertFills(ctx context.Context, tx *sql.Tx, runID string, fills []engine.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backtest_fills
			(run_id, fill_id, order_id, position_id, symbol, side, price, qty, commission,
			 ts, bar, phase, role, tag, slippage, gapped, partial)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, f := range fills {
		if _, err := stmt.ExecContext(ctx, runID, f.ID, f.OrderID, f.PositionID, f.Symbol,
			string(f.Side), f.Price, f.Qty, f.Commission, f.Time, f.Bar,
			string(f.Phase), string(f.Role), f.Tag, f.Slippage,
			boolToInt(f.Gapped), boolToInt(f.Partial)); err != nil {
			return err
		}
	}
	return nil
}

func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, timeframe, strategy, preset, status, start_ts, end_ts, initial_cash,
		       final_equity, net_profit, return_pct, win_rate, max_drawdown, trades,
		       config_json, stats_json, diag_json, message, created_at, updated_at, completed_at
		FROM backtest_runs
		ORDER BY created_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, run)
	}
	return list, rows.Err()
}

func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, timeframe, strategy, preset, status, start_ts, end_ts, initial_cash,
		       final_equity, net_profit, return_pct, win_rate, max_drawdown, trades,
		       config_json, stats_json, diag_json, message, created_at, updated_at, completed_at
		FROM backtest_runs WHERE id=?`, id)
	return scanRun(row)
}

// ListTrades 返回一次 run 的交易流水（退出顺序）。
func (s *ResultStore) ListTrades(ctx context.Context, runID string, limit int) ([]engine.TradeRecord, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT position_id, symbol, side, qty, entry_time, entry_price,
		       exit_time, exit_price, exit_bar, pnl, commission, reason, gapped, slippage
		FROM backtest_trades
		WHERE run_id=?
		ORDER BY id ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []engine.TradeRecord
	for rows.Next() {
		var t engine.TradeRecord
		var side string
		var reason sql.NullString
		var gapped int
		if err := rows.Scan(&t.PositionID, &t.Symbol, &side, &t.Qty, &t.EntryTime, &t.EntryPrice,
			&t.ExitTime, &t.ExitPrice, &t.ExitBar, &t.Pnl, &t.Commission, &reason, &gapped, &t.Slippage); err != nil {
			return nil, err
		}
		t.Side = engine.Side(side)
		t.Reason = reason.String
		t.Gapped = gapped != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListEquity 返回一次 run 的权益曲线（bar 顺序）。
func (s *ResultStore) ListEquity(ctx context.Context, runID string, limit int) ([]engine.EquityPoint, error) {
	if limit <= 0 || limit > 100000 {
		limit = 10000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT bar, ts, equity, cash
		FROM backtest_equity
		WHERE run_id=?
		ORDER BY bar ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []engine.EquityPoint
	for rows.Next() {
		var p engine.EquityPoint
		if err := rows.Scan(&p.Bar, &p.Time, &p.Equity, &p.Cash); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListFills 返回一次 run 的成交明细（撮合顺序）。
func (s *ResultStore) ListFills(ctx context.Context, runID string, limit int) ([]engine.Fill, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT fill_id, order_id, position_id, symbol, side, price, qty, commission,
		       ts, bar, phase, role, tag, slippage, gapped, partial
		FROM backtest_fills
		WHERE run_id=?
		ORDER BY id ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []engine.Fill
	for rows.Next() {
		var f engine.Fill
		var posID, tag sql.NullString
		var side, phase, role string
		var gapped, partial int
		if err := rows.Scan(&f.ID, &f.OrderID, &posID, &f.Symbol, &side, &f.Price, &f.Qty,
			&f.Commission, &f.Time, &f.Bar, &phase, &role, &tag, &f.Slippage, &gapped, &partial); err != nil {
			return nil, err
		}
		f.PositionID = posID.String
		f.Side = engine.Side(side)
		f.Phase = engine.Phase(phase)
		f.Role = engine.OrderRole(role)
		f.Tag = tag.String
		f.Gapped = gapped != 0
		f.Partial = partial != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var cfgStr string
	var statsStr, diagStr, msgStr sql.NullString
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&run.ID, &run.Symbol, &run.Timeframe, &run.Strategy, &run.Preset, &run.Status,
		&run.StartTS, &run.EndTS, &run.InitialCash,
		&run.FinalEquity, &run.NetProfit, &run.ReturnPct, &run.WinRate, &run.MaxDrawdown, &run.Trades,
		&cfgStr, &statsStr, &diagStr, &msgStr, &createdAt, &updatedAt, &completedAt); err != nil {
		return Run{}, err
	}
	run.Message = msgStr.String
	run.CreatedAt = timeFromMillis(createdAt)
	run.UpdatedAt = timeFromMillis(updatedAt)
	if completedAt.Valid {
		run.CompletedAt = timeFromMillis(completedAt.Int64)
	}
	if err := json.Unmarshal([]byte(cfgStr), &run.Config); err != nil {
		return Run{}, err
	}
	if statsStr.Valid && statsStr.String != "" {
		if err := json.Unmarshal([]byte(statsStr.String), &run.Stats); err != nil {
			return Run{}, err
		}
	}
	if diagStr.Valid && diagStr.String != "" {
		if err := json.Unmarshal([]byte(diagStr.String), &run.Diag); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}
