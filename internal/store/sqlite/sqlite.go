// Package sqlite implements store.Store on an embedded SQLite database.
//
// Used for single-node deployments and for store tests that need real SQL
// semantics (unique constraints, transactions) without a Postgres server.
// Serialization of concurrent user mutations comes from promoting each
// ApplyEntry transaction to a writer before the user row is read, so the
// read-validate-write cycle cannot interleave with another writer.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/veyra/tokenledger/internal/store"
)

type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between pooled conns; the
	// database serializes writers anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS apps (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	default_token_grant INTEGER NOT NULL DEFAULT 0,
	daily_token_grant INTEGER NOT NULL DEFAULT 0,
	token_expiration_days INTEGER,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS app_users (
	id TEXT PRIMARY KEY,
	app_id TEXT NOT NULL REFERENCES apps(id),
	external_id TEXT NOT NULL,
	token_balance INTEGER NOT NULL DEFAULT 0 CHECK (token_balance >= 0),
	last_daily_grant_at TIMESTAMP,
	needs_token_sync INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (app_id, external_id)
);
CREATE TABLE IF NOT EXISTS token_ledger_entries (
	id TEXT PRIMARY KEY,
	app_user_id TEXT NOT NULL REFERENCES app_users(id),
	amount INTEGER NOT NULL,
	balance_after INTEGER NOT NULL,
	entry_type TEXT NOT NULL CHECK (entry_type IN ('grant','charge','refund','expiry')),
	description TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT,
	job_id TEXT,
	expires_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_user_idem
	ON token_ledger_entries(app_user_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_entries_user_created
	ON token_ledger_entries(app_user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_entries_user_expires
	ON token_ledger_entries(app_user_id, expires_at)
	WHERE expires_at IS NOT NULL;
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateApp(ctx context.Context, app *store.App) error {
	created := app.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO apps(id, name, default_token_grant, daily_token_grant, token_expiration_days, created_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		app.ID, app.Name, app.DefaultTokenGrant, app.DailyTokenGrant, nullInt(app.TokenExpirationDays), created)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	return nil
}

func (s *Store) GetApp(ctx context.Context, id string) (*store.App, error) {
	var (
		app  store.App
		days sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, default_token_grant, daily_token_grant, token_expiration_days, created_at
FROM apps WHERE id = ?`, id).
		Scan(&app.ID, &app.Name, &app.DefaultTokenGrant, &app.DailyTokenGrant, &days, &app.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrAppNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get app: %w", err)
	}
	if days.Valid {
		d := int(days.Int64)
		app.TokenExpirationDays = &d
	}
	return &app, nil
}

func (s *Store) CreateAppUser(ctx context.Context, u *store.AppUser) error {
	meta, err := json.Marshal(orEmpty(u.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO app_users(id, app_id, external_id, token_balance, last_daily_grant_at,
	needs_token_sync, is_active, metadata, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.AppID, u.ExternalID, u.TokenBalance, nullTime(u.LastDailyGrantAt),
		u.NeedsTokenSync, u.IsActive, string(meta), u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicateUser
	}
	if err != nil {
		return fmt.Errorf("create app user: %w", err)
	}
	return nil
}

func (s *Store) GetAppUser(ctx context.Context, id string) (*store.AppUser, error) {
	return s.getUser(ctx, s.db, `WHERE id = ?`, id)
}

func (s *Store) GetAppUserByExternalID(ctx context.Context, appID, externalID string) (*store.AppUser, error) {
	return s.getUser(ctx, s.db, `WHERE app_id = ? AND external_id = ?`, appID, externalID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) getUser(ctx context.Context, q querier, where string, args ...interface{}) (*store.AppUser, error) {
	var (
		u         store.AppUser
		lastDaily sql.NullTime
		meta      string
	)
	err := q.QueryRowContext(ctx, `
SELECT id, app_id, external_id, token_balance, last_daily_grant_at,
	needs_token_sync, is_active, metadata, created_at, updated_at
FROM app_users `+where, args...).
		Scan(&u.ID, &u.AppID, &u.ExternalID, &u.TokenBalance, &lastDaily,
			&u.NeedsTokenSync, &u.IsActive, &meta, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get app user: %w", err)
	}
	if lastDaily.Valid {
		t := lastDaily.Time
		u.LastDailyGrantAt = &t
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &u.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &u, nil
}

// ApplyEntry runs one atomic balance mutation. The no-op UPDATE promotes
// the transaction to a writer before the user row is read, so the apply
// callback's view cannot go stale under a concurrent writer.
func (s *Store) ApplyEntry(ctx context.Context, userID string, apply store.ApplyFunc) (*store.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE app_users SET updated_at = updated_at WHERE id = ?`, userID); err != nil {
		return nil, fmt.Errorf("lock user row: %w", err)
	}

	u, err := s.getUser(ctx, tx, `WHERE id = ?`, userID)
	if err != nil {
		return nil, err
	}

	entry, err := apply(u)
	if err != nil {
		return nil, err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	u.UpdatedAt = entry.CreatedAt

	meta, err := json.Marshal(orEmpty(u.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE app_users SET token_balance = ?, last_daily_grant_at = ?, needs_token_sync = ?,
	is_active = ?, metadata = ?, updated_at = ?
WHERE id = ?`,
		u.TokenBalance, nullTime(u.LastDailyGrantAt), u.NeedsTokenSync,
		u.IsActive, string(meta), u.UpdatedAt, userID); err != nil {
		return nil, fmt.Errorf("update app user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO token_ledger_entries(id, app_user_id, amount, balance_after, entry_type,
	description, idempotency_key, job_id, expires_at, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AppUserID, entry.Amount, entry.BalanceAfter, string(entry.Type),
		entry.Description, nullString(entry.IdempotencyKey), nullString(entry.JobID),
		nullTime(entry.ExpiresAt), entry.CreatedAt)
	if isUniqueViolation(err) {
		return nil, store.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}

func (s *Store) EntryByIdempotencyKey(ctx context.Context, userID, key string) (*store.LedgerEntry, error) {
	return s.getEntry(ctx, `WHERE app_user_id = ? AND idempotency_key = ?`, userID, key)
}

func (s *Store) getEntry(ctx context.Context, where string, args ...interface{}) (*store.LedgerEntry, error) {
	var (
		e         store.LedgerEntry
		idemKey   sql.NullString
		jobID     sql.NullString
		expiresAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, app_user_id, amount, balance_after, entry_type, description,
	idempotency_key, job_id, expires_at, created_at
FROM token_ledger_entries `+where, args...).
		Scan(&e.ID, &e.AppUserID, &e.Amount, &e.BalanceAfter, &e.Type, &e.Description,
			&idemKey, &jobID, &expiresAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	e.IdempotencyKey = idemKey.String
	e.JobID = jobID.String
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ExpiresAt = &t
	}
	return &e, nil
}

func (s *Store) EntriesForUser(ctx context.Context, userID string, limit int) ([]store.LedgerEntry, error) {
	q := `
SELECT id, app_user_id, amount, balance_after, entry_type, description,
	idempotency_key, job_id, expires_at, created_at
FROM token_ledger_entries
WHERE app_user_id = ?
ORDER BY created_at DESC, id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []store.LedgerEntry
	for rows.Next() {
		var (
			e         store.LedgerEntry
			idemKey   sql.NullString
			jobID     sql.NullString
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.AppUserID, &e.Amount, &e.BalanceAfter, &e.Type,
			&e.Description, &idemKey, &jobID, &expiresAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.IdempotencyKey = idemKey.String
		e.JobID = jobID.String
		if expiresAt.Valid {
			t := expiresAt.Time
			e.ExpiresAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) SumEntries(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(amount), 0) FROM token_ledger_entries WHERE app_user_id = ?`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum entries: %w", err)
	}
	return sum, nil
}

func (s *Store) SumExpiredGrants(ctx context.Context, userID string, asOf time.Time) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(amount), 0)
FROM token_ledger_entries
WHERE app_user_id = ? AND entry_type = 'grant' AND expires_at IS NOT NULL AND expires_at <= ?`,
		userID, asOf).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum expired grants: %w", err)
	}
	return sum, nil
}

func (s *Store) UserBalances(ctx context.Context, updatedSince time.Time) ([]store.UserBalance, error) {
	q := `SELECT id, token_balance FROM app_users`
	args := []interface{}{}
	if !updatedSince.IsZero() {
		q += ` WHERE updated_at >= ?`
		args = append(args, updatedSince)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var balances []store.UserBalance
	for rows.Next() {
		var b store.UserBalance
		if err := rows.Scan(&b.UserID, &b.TokenBalance); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
