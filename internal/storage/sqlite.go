package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"blast/internal/model"
)

type Store struct {
	DB *sql.DB
}

// Open opens/initializes the SQLite database with WAL and foreign keys,
// then migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		// continue; non-fatal
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		// continue; non-fatal
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			msisdn TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'inactive',
			last_error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			account_id TEXT PRIMARY KEY,
			min_delay_sec INTEGER NOT NULL,
			max_delay_sec INTEGER NOT NULL,
			warmup_messages INTEGER NOT NULL,
			warmup_delay_min_sec INTEGER NOT NULL,
			warmup_delay_max_sec INTEGER NOT NULL,
			batch_size INTEGER NOT NULL,
			batch_rest_min_sec INTEGER NOT NULL,
			batch_rest_max_sec INTEGER NOT NULL,
			daily_limit INTEGER NOT NULL,
			simulate_typing INTEGER NOT NULL DEFAULT 1,
			random_pause INTEGER NOT NULL DEFAULT 1,
			country_code TEXT NOT NULL DEFAULT '62',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS daily_counters (
			account_id TEXT PRIMARY KEY,
			date TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			account_id TEXT,
			status TEXT NOT NULL,
			total INTEGER NOT NULL,
			sent INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE SET NULL
		);`,
		`CREATE TABLE IF NOT EXISTS run_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			address TEXT NOT NULL,
			name TEXT,
			status TEXT NOT NULL,
			error TEXT,
			ts TIMESTAMP NOT NULL,
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_account_started ON runs(account_id, started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_run_results_run ON run_results(run_id);`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// CreateAccount inserts a new account and returns its generated ID.
func (s *Store) CreateAccount(label, msisdn string, enabled bool) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	_, err := s.DB.Exec(`INSERT INTO accounts (id,label,msisdn,enabled,status,last_error,created_at,updated_at)
		VALUES (?,?,?,?,'inactive','',?,?)`,
		id, label, msisdn, btoi(enabled), now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListAccounts returns all accounts ordered by created_at desc.
func (s *Store) ListAccounts() ([]model.Account, error) {
	rows, err := s.DB.Query(`SELECT id,label,msisdn,enabled,status,COALESCE(last_error,''),created_at,updated_at FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Account
	for rows.Next() {
		var a model.Account
		var enabledInt int
		if err := rows.Scan(&a.ID, &a.Label, &a.Msisdn, &enabledInt, &a.Status, &a.LastError, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Enabled = enabledInt == 1
		list = append(list, a)
	}
	return list, rows.Err()
}

func (s *Store) GetAccount(id string) (model.Account, bool, error) {
	var a model.Account
	var enabledInt int
	err := s.DB.QueryRow(`SELECT id,label,msisdn,enabled,status,COALESCE(last_error,''),created_at,updated_at FROM accounts WHERE id=?`, id).
		Scan(&a.ID, &a.Label, &a.Msisdn, &enabledInt, &a.Status, &a.LastError, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return model.Account{}, false, nil
	}
	if err != nil {
		return model.Account{}, false, err
	}
	a.Enabled = enabledInt == 1
	return a, true, nil
}

func (s *Store) AccountExists(id string) (bool, error) {
	var n int
	if err := s.DB.QueryRow(`SELECT COUNT(1) FROM accounts WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateAccount updates label, msisdn and enabled for an account.
func (s *Store) UpdateAccount(id, label, msisdn string, enabled bool) error {
	_, err := s.DB.Exec(`UPDATE accounts SET label=?, msisdn=?, enabled=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		label, msisdn, btoi(enabled), id)
	return err
}

func (s *Store) UpdateAccountStatus(id, status, lastError string, msisdnOpt *string) error {
	if msisdnOpt != nil {
		_, err := s.DB.Exec(`UPDATE accounts SET status=?, last_error=?, msisdn=COALESCE(NULLIF(?, ''), msisdn), updated_at=CURRENT_TIMESTAMP WHERE id=?`,
			status, lastError, *msisdnOpt, id)
		return err
	}
	_, err := s.DB.Exec(`UPDATE accounts SET status=?, last_error=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		status, lastError, id)
	return err
}

// DeleteAccount removes an account. Settings and counters cascade.
func (s *Store) DeleteAccount(id string) error {
	_, err := s.DB.Exec(`DELETE FROM accounts WHERE id=?`, id)
	return err
}

// GetSettings loads an account's pacing settings. found is false when the
// account has no settings row yet.
func (s *Store) GetSettings(accountID string) (model.Settings, bool, error) {
	var (
		cfg                          model.Settings
		simulateTyping, randomPause int
	)
	err := s.DB.QueryRow(`SELECT min_delay_sec,max_delay_sec,warmup_messages,warmup_delay_min_sec,warmup_delay_max_sec,
		batch_size,batch_rest_min_sec,batch_rest_max_sec,daily_limit,simulate_typing,random_pause,country_code
		FROM settings WHERE account_id=?`, accountID).Scan(
		&cfg.MinDelaySec, &cfg.MaxDelaySec, &cfg.WarmupMessages, &cfg.WarmupDelayMinSec, &cfg.WarmupDelayMaxSec,
		&cfg.BatchSize, &cfg.BatchRestMinSec, &cfg.BatchRestMaxSec, &cfg.DailyLimit, &simulateTyping, &randomPause, &cfg.CountryCode)
	if err == sql.ErrNoRows {
		return model.Settings{}, false, nil
	}
	if err != nil {
		return model.Settings{}, false, err
	}
	cfg.SimulateTyping = simulateTyping == 1
	cfg.RandomPause = randomPause == 1
	return cfg, true, nil
}

// SaveSettings upserts an account's pacing settings.
func (s *Store) SaveSettings(accountID string, cfg model.Settings) error {
	_, err := s.DB.Exec(`
		INSERT INTO settings (account_id,min_delay_sec,max_delay_sec,warmup_messages,warmup_delay_min_sec,warmup_delay_max_sec,
			batch_size,batch_rest_min_sec,batch_rest_max_sec,daily_limit,simulate_typing,random_pause,country_code,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP)
		ON CONFLICT(account_id) DO UPDATE SET
			min_delay_sec=excluded.min_delay_sec,
			max_delay_sec=excluded.max_delay_sec,
			warmup_messages=excluded.warmup_messages,
			warmup_delay_min_sec=excluded.warmup_delay_min_sec,
			warmup_delay_max_sec=excluded.warmup_delay_max_sec,
			batch_size=excluded.batch_size,
			batch_rest_min_sec=excluded.batch_rest_min_sec,
			batch_rest_max_sec=excluded.batch_rest_max_sec,
			daily_limit=excluded.daily_limit,
			simulate_typing=excluded.simulate_typing,
			random_pause=excluded.random_pause,
			country_code=excluded.country_code,
			updated_at=CURRENT_TIMESTAMP
	`, accountID, cfg.MinDelaySec, cfg.MaxDelaySec, cfg.WarmupMessages, cfg.WarmupDelayMinSec, cfg.WarmupDelayMaxSec,
		cfg.BatchSize, cfg.BatchRestMinSec, cfg.BatchRestMaxSec, cfg.DailyLimit, btoi(cfg.SimulateTyping), btoi(cfg.RandomPause), cfg.CountryCode)
	return err
}

// GetDailyCounter loads the persisted daily counter. A missing row returns
// zero values, meaning the counter adopts today's date on first use.
func (s *Store) GetDailyCounter(accountID string) (string, int, error) {
	var (
		date  string
		count int
	)
	err := s.DB.QueryRow(`SELECT date, count FROM daily_counters WHERE account_id=?`, accountID).Scan(&date, &count)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return date, count, nil
}

// SaveDailyCounter upserts the daily counter for an account.
func (s *Store) SaveDailyCounter(accountID, date string, count int) error {
	_, err := s.DB.Exec(`
		INSERT INTO daily_counters (account_id, date, count) VALUES (?,?,?)
		ON CONFLICT(account_id) DO UPDATE SET date=excluded.date, count=excluded.count
	`, accountID, date, count)
	return err
}

// SaveRun records a terminal run snapshot with its per-recipient results
// in one transaction.
func (s *Store) SaveRun(run *model.Run) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var finished any
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	if _, err := tx.Exec(`INSERT INTO runs (id,account_id,status,total,sent,failed,started_at,finished_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		run.ID, run.AccountID, run.Status, run.Total, run.Sent, run.Failed, run.StartedAt, finished); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO run_results (run_id,address,name,status,error,ts) VALUES (?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range run.Results {
		if _, err := stmt.Exec(run.ID, r.Address, r.Name, r.Status, r.Error, r.TS); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) RunExists(id string) (bool, error) {
	var n int
	if err := s.DB.QueryRow(`SELECT COUNT(1) FROM runs WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListRuns returns an account's runs, newest first, without results.
func (s *Store) ListRuns(accountID string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(`SELECT id,COALESCE(account_id,''),status,total,sent,failed,started_at,finished_at
		FROM runs WHERE account_id=? ORDER BY started_at DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Run
	for rows.Next() {
		var (
			r        model.Run
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Status, &r.Total, &r.Sent, &r.Failed, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

// GetRunResults returns a run's per-recipient outcomes in processing order.
func (s *Store) GetRunResults(runID string) ([]model.Result, error) {
	rows, err := s.DB.Query(`SELECT address,COALESCE(name,''),status,COALESCE(error,''),ts
		FROM run_results WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Result
	for rows.Next() {
		var r model.Result
		if err := rows.Scan(&r.Address, &r.Name, &r.Status, &r.Error, &r.TS); err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
