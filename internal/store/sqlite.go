package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// StockRecord is the latest reference row for a ticker.
type StockRecord struct {
	Ticker            string  `json:"ticker"`
	CompanyName       string  `json:"company_name"`
	MarketCap         float64 `json:"market_cap"`
	SharesOutstanding float64 `json:"shares_outstanding"`
	LastUpdated       int64   `json:"last_updated"`
}

// PricePoint is one row of price history.
type PricePoint struct {
	TS            int64   `json:"ts"`
	Ticker        string  `json:"ticker"`
	Price         float64 `json:"price"`
	ClosePrice    float64 `json:"close_price"`
	PercentChange float64 `json:"percent_change"`
	Volume        float64 `json:"volume"`
	Session       string  `json:"session"`
	Source        string  `json:"source"`
}

type AnomalyRecord struct {
	ID            int64   `json:"id"`
	TS            int64   `json:"ts"`
	Ticker        string  `json:"ticker"`
	Kind          string  `json:"kind"`
	PercentChange float64 `json:"percent_change"`
	Detail        string  `json:"detail"`
	CycleID       string  `json:"cycle_id"`
	Notified      bool    `json:"notified"`
	EvidenceJSON  string  `json:"evidence_json"`
	CreatedAt     string  `json:"created_at"`
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = "data/premarket.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=3000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stocks (
			ticker TEXT PRIMARY KEY,
			company_name TEXT,
			market_cap REAL,
			shares_outstanding REAL,
			last_updated INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS price_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			ticker TEXT NOT NULL,
			price REAL,
			close_price REAL,
			percent_change REAL,
			volume REAL,
			session TEXT,
			source TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_price_history_ticker_ts ON price_history(ticker, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_price_history_ts ON price_history(ts);`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			ticker TEXT,
			kind TEXT,
			percent_change REAL,
			detail TEXT,
			cycle_id TEXT,
			notified INTEGER,
			evidence_json TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_ts ON anomalies(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_ticker ON anomalies(ticker);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SaveRefresh upserts the stock rows and appends one history point per quote
// in a single transaction.
func (s *Store) SaveRefresh(ctx context.Context, stocks []StockRecord, points []PricePoint) error {
	if s == nil || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refresh tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert, err := tx.PrepareContext(ctx,
		`INSERT INTO stocks (ticker, company_name, market_cap, shares_outstanding, last_updated)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(ticker) DO UPDATE SET company_name=excluded.company_name, market_cap=excluded.market_cap,
		 shares_outstanding=excluded.shares_outstanding, last_updated=excluded.last_updated`)
	if err != nil {
		return fmt.Errorf("prepare upsert stock: %w", err)
	}
	defer upsert.Close()
	for _, st := range stocks {
		if _, err := upsert.ExecContext(ctx, st.Ticker, st.CompanyName, st.MarketCap, st.SharesOutstanding, st.LastUpdated); err != nil {
			return fmt.Errorf("upsert stock %s: %w", st.Ticker, err)
		}
	}

	insert, err := tx.PrepareContext(ctx,
		`INSERT INTO price_history (ts, ticker, price, close_price, percent_change, volume, session, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert price: %w", err)
	}
	defer insert.Close()
	for _, p := range points {
		if _, err := insert.ExecContext(ctx, p.TS, p.Ticker, p.Price, p.ClosePrice, p.PercentChange, p.Volume, p.Session, p.Source); err != nil {
			return fmt.Errorf("insert price %s: %w", p.Ticker, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refresh tx: %w", err)
	}
	return nil
}

func (s *Store) GetStock(ctx context.Context, ticker string) (*StockRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT ticker, company_name, market_cap, shares_outstanding, last_updated FROM stocks WHERE ticker = ?`, ticker)
	var st StockRecord
	if err := row.Scan(&st.Ticker, &st.CompanyName, &st.MarketCap, &st.SharesOutstanding, &st.LastUpdated); err != nil {
		return nil, fmt.Errorf("get stock: %w", err)
	}
	return &st, nil
}

// QueryPriceHistory returns the newest points for ticker first.
func (s *Store) QueryPriceHistory(ctx context.Context, ticker string, limit int) ([]PricePoint, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, ticker, price, close_price, percent_change, volume, session, source
		FROM price_history WHERE ticker = ?
		ORDER BY ts DESC, id DESC LIMIT ?`, ticker, limit)
	if err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}
	defer rows.Close()

	var out []PricePoint
	for rows.Next() {
		var p PricePoint
		if err := rows.Scan(&p.TS, &p.Ticker, &p.Price, &p.ClosePrice, &p.PercentChange, &p.Volume, &p.Session, &p.Source); err != nil {
			return nil, fmt.Errorf("scan price history: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows price history: %w", err)
	}
	return out, nil
}

// CleanupPriceHistory deletes history older than before and returns the row count.
func (s *Store) CleanupPriceHistory(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM price_history WHERE ts < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("cleanup price history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) InsertAnomaly(ctx context.Context, a AnomalyRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().Format(time.RFC3339)
	}
	notified := 0
	if a.Notified {
		notified = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO anomalies (ts, ticker, kind, percent_change, detail, cycle_id, notified, evidence_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TS, a.Ticker, a.Kind, a.PercentChange, a.Detail, a.CycleID, notified, a.EvidenceJSON, a.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert anomaly: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

func (s *Store) MarkAnomaliesNotified(ctx context.Context, ids []int64) error {
	if s == nil || s.db == nil || len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE anomalies SET notified = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("mark anomaly notified: %w", err)
		}
	}
	return nil
}

// QueryAnomaliesByDate lists anomalies recorded on an Eastern calendar date.
func (s *Store) QueryAnomaliesByDate(ctx context.Context, date string, ticker string, limit int, offset int) ([]AnomalyRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	start, end, err := dateRange(date)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, ts, ticker, kind, percent_change, detail, cycle_id, notified, evidence_json, created_at
		FROM anomalies WHERE ts >= ? AND ts < ?`
	args := []any{start, end}
	if ticker != "" {
		query += " AND ticker = ?"
		args = append(args, ticker)
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	var out []AnomalyRecord
	for rows.Next() {
		var a AnomalyRecord
		var notified int
		if err := rows.Scan(&a.ID, &a.TS, &a.Ticker, &a.Kind, &a.PercentChange, &a.Detail, &a.CycleID, &notified, &a.EvidenceJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		a.Notified = notified == 1
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows anomaly: %w", err)
	}
	return out, nil
}

func dateRange(date string) (int64, int64, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return 0, 0, fmt.Errorf("load tz: %w", err)
	}
	t, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid date: %q", date)
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start.Unix(), end.Unix(), nil
}
