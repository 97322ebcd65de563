package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	_ "modernc.org/sqlite"
)

// Tables holds the table names, configurable so deployments can point the
// service at the environment-specific tables named in its env contract.
type Tables struct {
	Families       string
	Profiles       string
	ProviderConfig string
	ProviderHealth string
	TokenLedger    string
}

// DefaultTables returns the development table names.
func DefaultTables() Tables {
	return Tables{
		Families:       "families",
		Profiles:       "profiles",
		ProviderConfig: "provider_config",
		ProviderHealth: "provider_health",
		TokenLedger:    "token_ledger",
	}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (t Tables) validate() error {
	for _, name := range []string{t.Families, t.Profiles, t.ProviderConfig, t.ProviderHealth, t.TokenLedger} {
		if !identRe.MatchString(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
	}
	return nil
}

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db     *sql.DB
	tables Tables

	// nowFunc is used for TTL checks; defaults to time.Now.
	nowFunc func() time.Time
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string, tables Tables) (*SQLiteStore, error) {
	if err := tables.validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db, tables: tables, nowFunc: time.Now}, nil
}

// DB returns the underlying sql.DB handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			family_id TEXT PRIMARY KEY,
			token_balance INTEGER NOT NULL DEFAULT 0,
			paused BOOLEAN NOT NULL DEFAULT 0,
			primary_region TEXT NOT NULL DEFAULT ''
		)`, s.tables.Families),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			profile_id TEXT PRIMARY KEY,
			family_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'child',
			paused BOOLEAN NOT NULL DEFAULT 0,
			user_region TEXT NOT NULL DEFAULT ''
		)`, s.tables.Profiles),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			config_id TEXT PRIMARY KEY,
			document TEXT NOT NULL
		)`, s.tables.ProviderConfig),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			provider_region TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'CLOSED',
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			half_open_successes INTEGER NOT NULL DEFAULT 0,
			total_failures INTEGER NOT NULL DEFAULT 0,
			total_successes INTEGER NOT NULL DEFAULT 0,
			total_latency_ms INTEGER NOT NULL DEFAULT 0,
			last_failure_at TEXT,
			opened_at TEXT,
			last_state_change_at TEXT NOT NULL,
			ttl INTEGER NOT NULL DEFAULT 0
		)`, s.tables.ProviderHealth),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL DEFAULT '',
			family_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL,
			success BOOLEAN NOT NULL DEFAULT 1
		)`, s.tables.TokenLedger),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_family_ts ON %s(family_id, timestamp)`,
			s.tables.TokenLedger, s.tables.TokenLedger),
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Families and profiles

func (s *SQLiteStore) GetFamily(ctx context.Context, familyID, region string) (*Family, error) {
	var f Family
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT family_id, token_balance, paused, primary_region FROM %s WHERE family_id = ?`, s.tables.Families),
		FamilyKey(region, familyID)).
		Scan(&f.FamilyID, &f.TokenBalance, &f.Paused, &f.PrimaryRegion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *SQLiteStore) GetProfile(ctx context.Context, profileID, region string) (*Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT profile_id, family_id, role, paused, user_region FROM %s WHERE profile_id = ?`, s.tables.Profiles),
		ProfileKey(region, profileID)).
		Scan(&p.ProfileID, &p.FamilyID, &p.Role, &p.Paused, &p.UserRegion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) DebitFamilyBalance(ctx context.Context, familyKey string, tokens int64) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET token_balance = token_balance - ? WHERE family_id = ?`, s.tables.Families),
		tokens, familyKey)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("family %s not found", familyKey)
	}
	return nil
}

// UpsertFamily seeds or replaces a family row. Used by migrations and tests;
// the service itself only reads and debits.
func (s *SQLiteStore) UpsertFamily(ctx context.Context, f Family) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (family_id, token_balance, paused, primary_region)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(family_id) DO UPDATE SET
		   token_balance=excluded.token_balance,
		   paused=excluded.paused,
		   primary_region=excluded.primary_region`, s.tables.Families),
		f.FamilyID, f.TokenBalance, f.Paused, f.PrimaryRegion)
	return err
}

// UpsertProfile seeds or replaces a profile row.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p Profile) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (profile_id, family_id, role, paused, user_region)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(profile_id) DO UPDATE SET
		   family_id=excluded.family_id,
		   role=excluded.role,
		   paused=excluded.paused,
		   user_region=excluded.user_region`, s.tables.Profiles),
		p.ProfileID, p.FamilyID, p.Role, p.Paused, p.UserRegion)
	return err
}

// Config snapshots

func (s *SQLiteStore) GetConfigSnapshot(ctx context.Context, id string) ([]byte, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT document FROM %s WHERE config_id = ?`, s.tables.ProviderConfig), id).
		Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}

func (s *SQLiteStore) PutConfigSnapshot(ctx context.Context, id string, doc []byte) error {
	if !json.Valid(doc) {
		return fmt.Errorf("config snapshot %q is not valid JSON", id)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (config_id, document) VALUES (?, ?)
		 ON CONFLICT(config_id) DO UPDATE SET document=excluded.document`, s.tables.ProviderConfig),
		id, string(doc))
	return err
}

// Health records

const healthColumns = `provider_region, status, consecutive_failures, half_open_successes,
	total_failures, total_successes, total_latency_ms, last_failure_at, opened_at,
	last_state_change_at, ttl`

func (s *SQLiteStore) GetHealthRecord(ctx context.Context, key string) (*HealthRecord, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE provider_region = ?`, healthColumns, s.tables.ProviderHealth), key)
	rec, err := scanHealthRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// Expired rows are treated as absent; the reaper deletes them later.
	if rec.Expired(s.nowFunc()) {
		return nil, nil
	}
	return rec, nil
}

func (s *SQLiteStore) PutHealthRecord(ctx context.Context, rec HealthRecord) error {
	var lastFailure, opened *string
	if rec.LastFailureAt != nil {
		t := rec.LastFailureAt.UTC().Format(time.RFC3339Nano)
		lastFailure = &t
	}
	if rec.OpenedAt != nil {
		t := rec.OpenedAt.UTC().Format(time.RFC3339Nano)
		opened = &t
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider_region) DO UPDATE SET
		   status=excluded.status,
		   consecutive_failures=excluded.consecutive_failures,
		   half_open_successes=excluded.half_open_successes,
		   total_failures=excluded.total_failures,
		   total_successes=excluded.total_successes,
		   total_latency_ms=excluded.total_latency_ms,
		   last_failure_at=excluded.last_failure_at,
		   opened_at=excluded.opened_at,
		   last_state_change_at=excluded.last_state_change_at,
		   ttl=excluded.ttl`, s.tables.ProviderHealth, healthColumns),
		rec.ProviderRegion, string(rec.Status), rec.ConsecutiveFailures, rec.CurrentHalfOpenSuccesses,
		rec.TotalFailures, rec.TotalSuccesses, rec.TotalLatencyMs, lastFailure, opened,
		rec.LastStateChangeAt.UTC().Format(time.RFC3339Nano), rec.TTL)
	return err
}

func (s *SQLiteStore) ListHealthRecords(ctx context.Context) ([]HealthRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s ORDER BY provider_region`, healthColumns, s.tables.ProviderHealth))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	now := s.nowFunc()
	var recs []HealthRecord
	for rows.Next() {
		rec, err := scanHealthRecord(rows)
		if err != nil {
			return nil, err
		}
		if rec.Expired(now) {
			continue
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) DeleteExpiredHealthRecords(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE ttl > 0 AND ttl <= ?`, s.tables.ProviderHealth), now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHealthRecord(row rowScanner) (*HealthRecord, error) {
	var rec HealthRecord
	var status, stateChange string
	var lastFailure, opened sql.NullString
	if err := row.Scan(&rec.ProviderRegion, &status, &rec.ConsecutiveFailures, &rec.CurrentHalfOpenSuccesses,
		&rec.TotalFailures, &rec.TotalSuccesses, &rec.TotalLatencyMs, &lastFailure, &opened,
		&stateChange, &rec.TTL); err != nil {
		return nil, err
	}
	rec.Status = CircuitStatus(status)
	rec.LastStateChangeAt, _ = time.Parse(time.RFC3339Nano, stateChange)
	if lastFailure.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastFailure.String)
		rec.LastFailureAt = &t
	}
	if opened.Valid {
		t, _ := time.Parse(time.RFC3339Nano, opened.String)
		rec.OpenedAt = &t
	}
	return &rec, nil
}

// Token ledger

func (s *SQLiteStore) AppendLedger(ctx context.Context, entry LedgerEntry) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (request_id, family_id, provider, model, prompt_tokens, completion_tokens, cost_usd, timestamp, success)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.tables.TokenLedger),
		entry.RequestID, entry.FamilyKey, entry.Provider, entry.Model,
		entry.PromptTokens, entry.CompletionTokens, entry.CostUSD,
		entry.Timestamp.UTC().Format(time.RFC3339Nano), entry.Success)
	return err
}

func (s *SQLiteStore) ListLedger(ctx context.Context, familyKey string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, request_id, family_id, provider, model, prompt_tokens, completion_tokens, cost_usd, timestamp, success
		 FROM %s WHERE family_id = ? ORDER BY timestamp DESC LIMIT ?`, s.tables.TokenLedger),
		familyKey, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.FamilyKey, &e.Provider, &e.Model,
			&e.PromptTokens, &e.CompletionTokens, &e.CostUSD, &ts, &e.Success); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Vault persistence

func (s *SQLiteStore) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	j, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal vault data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt=excluded.salt, data=excluded.data`,
		salt, string(j))
	return err
}

func (s *SQLiteStore) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var dataStr string
	err := s.db.QueryRowContext(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &dataStr)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal vault data: %w", err)
	}
	return salt, data, nil
}
