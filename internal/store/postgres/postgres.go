// Package postgres implements store.Store on PostgreSQL, the production
// backend. Concurrent mutations of one user serialize on SELECT ... FOR
// UPDATE of the app_users row; idempotency is the partial unique index on
// (app_user_id, idempotency_key). Contention is scoped to a single user's
// row, so throughput scales with user cardinality.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/veyra/tokenledger/internal/store"
)

type Store struct {
	db *sql.DB
}

// New connects to PostgreSQL and verifies connectivity. The schema is
// managed by migrations (see migrations/), not created here.
func New(ctx context.Context, postgresURL string) (*Store, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying pool for the seeder and the balance mirror.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateApp(ctx context.Context, app *store.App) error {
	created := app.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO apps (id, name, default_token_grant, daily_token_grant, token_expiration_days, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
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
		FROM apps WHERE id = $1`, id).
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
		INSERT INTO app_users (id, app_id, external_id, token_balance, last_daily_grant_at,
			needs_token_sync, is_active, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
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
	return scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE id = $1`, id))
}

func (s *Store) GetAppUserByExternalID(ctx context.Context, appID, externalID string) (*store.AppUser, error) {
	return scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE app_id = $1 AND external_id = $2`, appID, externalID))
}

const userSelect = `
	SELECT id, app_id, external_id, token_balance, last_daily_grant_at,
		needs_token_sync, is_active, metadata, created_at, updated_at
	FROM app_users`

func scanUser(row *sql.Row) (*store.AppUser, error) {
	var (
		u         store.AppUser
		lastDaily sql.NullTime
		meta      sql.NullString
	)
	err := row.Scan(&u.ID, &u.AppID, &u.ExternalID, &u.TokenBalance, &lastDaily,
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
	// metadata is nullable; rows written outside this store may carry NULL.
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &u.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &u, nil
}

// ApplyEntry executes one atomic balance mutation. The FOR UPDATE lock on
// the user row makes the read-validate-write cycle serializable per user:
// a concurrent reservation blocks here until this transaction commits and
// then re-reads the committed balance.
func (s *Store) ApplyEntry(ctx context.Context, userID string, apply store.ApplyFunc) (*store.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	u, err := scanUser(tx.QueryRowContext(ctx, userSelect+` WHERE id = $1 FOR UPDATE`, userID))
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
		UPDATE app_users SET token_balance = $1, last_daily_grant_at = $2, needs_token_sync = $3,
			is_active = $4, metadata = $5, updated_at = $6
		WHERE id = $7`,
		u.TokenBalance, nullTime(u.LastDailyGrantAt), u.NeedsTokenSync,
		u.IsActive, string(meta), u.UpdatedAt, userID); err != nil {
		return nil, fmt.Errorf("update app user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_ledger_entries (id, app_user_id, amount, balance_after, entry_type,
			description, idempotency_key, job_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
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

const entrySelect = `
	SELECT id, app_user_id, amount, balance_after, entry_type, description,
		idempotency_key, job_id, expires_at, created_at
	FROM token_ledger_entries`

func (s *Store) EntryByIdempotencyKey(ctx context.Context, userID, key string) (*store.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, entrySelect+` WHERE app_user_id = $1 AND idempotency_key = $2`, userID, key)

	var (
		e         store.LedgerEntry
		desc      sql.NullString
		idemKey   sql.NullString
		jobID     sql.NullString
		expiresAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.AppUserID, &e.Amount, &e.BalanceAfter, &e.Type, &desc,
		&idemKey, &jobID, &expiresAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	e.Description = desc.String
	e.IdempotencyKey = idemKey.String
	e.JobID = jobID.String
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ExpiresAt = &t
	}
	return &e, nil
}

func (s *Store) EntriesForUser(ctx context.Context, userID string, limit int) ([]store.LedgerEntry, error) {
	q := entrySelect + ` WHERE app_user_id = $1 ORDER BY created_at DESC, id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		q += ` LIMIT $2`
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
			desc      sql.NullString
			idemKey   sql.NullString
			jobID     sql.NullString
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.AppUserID, &e.Amount, &e.BalanceAfter, &e.Type,
			&desc, &idemKey, &jobID, &expiresAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Description = desc.String
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
		SELECT COALESCE(SUM(amount), 0) FROM token_ledger_entries WHERE app_user_id = $1`, userID).Scan(&sum)
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
		WHERE app_user_id = $1 AND entry_type = 'grant' AND expires_at IS NOT NULL AND expires_at <= $2`,
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
		q += ` WHERE updated_at >= $1`
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

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
