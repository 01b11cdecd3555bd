// Package store defines the persistence contract for the token ledger.
//
// The store holds two kinds of state per app user:
//
// 1. The app_users row, whose token_balance column is a denormalized running
//    total of every grant and charge. This gives O(1) balance reads.
// 2. The token_ledger_entries table, an append-only history of every
//    balance-changing event. This is the source of truth for audit and for
//    expiration-aware balance computation.
//
// The two are never allowed to drift: every implementation must update the
// user row and append the ledger entry inside one transaction. The invariant
// that must hold at all times is
//
//	app_users.token_balance == SUM(token_ledger_entries.amount)
//
// for every user. There is no code path that writes one without the other.
//
// Idempotency is enforced at the storage layer, not by application-level
// check-then-act: entries carry an optional (app_user_id, idempotency_key)
// pair that is unique when present. A violation surfaces as
// ErrDuplicateIdempotencyKey and the caller returns the original result.
package store

import (
	"context"
	"errors"
	"time"
)

// EntryType classifies a ledger entry by the economic event it records.
type EntryType string

const (
	// EntryGrant credits tokens. Amount is positive. Grant entries may carry
	// an expiry timestamp when the app has a retention policy.
	EntryGrant EntryType = "grant"

	// EntryCharge debits tokens for a generation job. Amount is negative.
	EntryCharge EntryType = "charge"

	// EntryRefund returns previously charged tokens after a job failure.
	// Amount is positive and the entry references the failed job.
	EntryRefund EntryType = "refund"

	// EntryExpiry compensates an expired grant. Amount is negative.
	EntryExpiry EntryType = "expiry"
)

// App is the tenant configuration row. It is read-only input during ledger
// operations; the platform operator owns its lifecycle.
type App struct {
	ID   string
	Name string

	// DefaultTokenGrant is credited once when a user registers.
	DefaultTokenGrant int64

	// DailyTokenGrant is credited on a rolling 24h cadence. 0 disables
	// the recurring grant for this app.
	DailyTokenGrant int64

	// TokenExpirationDays caps the lifetime of granted tokens.
	// nil means grants never expire.
	TokenExpirationDays *int

	CreatedAt time.Time
}

// AppUser is one end-user of an app, identified by an app-scoped external id.
type AppUser struct {
	ID         string
	AppID      string
	ExternalID string

	// TokenBalance is the denormalized sum of all ledger entry amounts for
	// this user. It is NOT expiration-aware; use the effective balance
	// resolver for the usable balance.
	TokenBalance int64

	// LastDailyGrantAt anchors the rolling daily-grant window: the instant
	// the most recent daily grant applied, or the registration instant for
	// users who have not received one yet. nil (users created out-of-band)
	// means eligible immediately.
	LastDailyGrantAt *time.Time

	// NeedsTokenSync marks users created out-of-band whose welcome grant
	// has not been applied yet.
	NeedsTokenSync bool

	IsActive  bool
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerEntry is one immutable economic event. Once written it is never
// mutated or deleted; corrections are recorded as new entries.
type LedgerEntry struct {
	ID        string
	AppUserID string

	// Amount is signed: grants and refunds positive, charges and expiry
	// compensations negative.
	Amount int64

	// BalanceAfter snapshots the user's token_balance immediately after
	// this entry applied, for reconstruction and debugging.
	BalanceAfter int64

	Type        EntryType
	Description string

	// IdempotencyKey deduplicates retransmitted events. Empty means the
	// entry always applies (system-internal, already-deduplicated events).
	IdempotencyKey string

	// JobID back-references the generation job that caused a charge or
	// refund. Not an ownership link.
	JobID string

	// ExpiresAt is set only on grant entries whose tokens are subject to
	// the app's retention policy.
	ExpiresAt *time.Time

	CreatedAt time.Time
}

// UserBalance is a minimal projection used by the balance mirror.
type UserBalance struct {
	UserID       string
	TokenBalance int64
}

// ApplyFunc validates and stages one economic event against the locked user
// row. It mutates u (balance, last_daily_grant_at, needs_token_sync) and
// returns the entry to append. Returning an error aborts the transaction
// with no state change.
type ApplyFunc func(u *AppUser) (*LedgerEntry, error)

// Store is the durable transactional backend for the ledger engine.
//
// All implementations must guarantee that ApplyEntry serializes concurrent
// mutations of the same user (row-level locking or equivalent) so that two
// simultaneous reservations cannot both observe sufficient balance.
type Store interface {
	CreateApp(ctx context.Context, app *App) error
	GetApp(ctx context.Context, id string) (*App, error)

	CreateAppUser(ctx context.Context, u *AppUser) error
	GetAppUser(ctx context.Context, id string) (*AppUser, error)
	GetAppUserByExternalID(ctx context.Context, appID, externalID string) (*AppUser, error)

	// ApplyEntry executes one atomic balance mutation: re-read the user row
	// under lock, run apply, persist the mutated user and the returned
	// entry, commit. A unique-key conflict on the entry's idempotency key
	// rolls back and returns ErrDuplicateIdempotencyKey.
	ApplyEntry(ctx context.Context, userID string, apply ApplyFunc) (*LedgerEntry, error)

	// EntryByIdempotencyKey returns the previously applied entry for
	// (userID, key), or ErrEntryNotFound.
	EntryByIdempotencyKey(ctx context.Context, userID, key string) (*LedgerEntry, error)

	// EntriesForUser returns the newest entries first, capped at limit
	// (0 means no cap).
	EntriesForUser(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)

	// SumEntries returns SUM(amount) over all entries for the user. Used by
	// the integrity verifier to check it equals the stored balance.
	SumEntries(ctx context.Context, userID string) (int64, error)

	// SumExpiredGrants returns the total amount of grant entries whose
	// expiry is at or before asOf. Feeds the effective balance resolver.
	SumExpiredGrants(ctx context.Context, userID string, asOf time.Time) (int64, error)

	// UserBalances lists stored balances for users updated since the given
	// instant (zero time means all users). Feeds the Redis mirror.
	UserBalances(ctx context.Context, updatedSince time.Time) ([]UserBalance, error)

	Close() error
}

// Sentinel errors. Compare with errors.Is.
var (
	ErrAppNotFound   = errors.New("app not found")
	ErrUserNotFound  = errors.New("app user not found")
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrDuplicateIdempotencyKey means the event was already applied. This
	// is expected under retransmission; callers return the stored result.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDuplicateUser means the (app_id, external_id) pair already exists.
	ErrDuplicateUser = errors.New("app user already exists")
)
