// Package ledger implements the token ledger and balance engine.
//
// Every token that moves through the platform flows through this package.
// The engine sits on top of a transactional store (internal/store) and
// enforces the three guarantees the rest of the system depends on:
//
// 1. Balances never go negative. A reservation re-reads the balance under a
//    row lock and either applies entirely or fails with no effect, so two
//    concurrent reservations cannot both spend the same tokens.
// 2. Every mutation is auditable. Each accepted event appends exactly one
//    immutable ledger entry, in the same transaction that updates the
//    denormalized balance. The stored balance is a cache of the ledger,
//    never an independent source of truth.
// 3. Retransmissions are safe. Grants and charges carry idempotency keys
//    whose uniqueness is a storage-level constraint; a duplicate returns
//    the original result instead of re-applying the effect.
//
// Token expiry makes "current balance" a computed, time-dependent value:
// the effective balance resolver recomputes it on every read rather than
// caching it, because expiry is a function of wall-clock time, not of any
// write event.
//
// Thread safety: all methods are safe for concurrent use. The engine holds
// no long-lived mutable state; all durable state lives in the store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veyra/tokenledger/internal/metrics"
	"github.com/veyra/tokenledger/internal/store"
)

// Engine coordinates all balance operations against the store.
//
// Lifecycle: create once at startup with NewEngine and share across request
// handlers for the application lifetime.
type Engine struct {
	store   store.Store
	log     zerolog.Logger
	metrics *metrics.Collector

	// now is injectable so expiry and daily-grant behavior is testable.
	now func() time.Time

	// newID generates ledger entry ids, which double as the transaction
	// ids handed back to callers.
	newID func() string
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock. Tests use this to advance time past
// grant expiries and daily-grant windows.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics attaches a collector. Defaults to an unregistered collector
// when omitted.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// NewEngine creates the ledger engine on top of a transactional store.
func NewEngine(st store.Store, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		log:   logger.With().Str("component", "ledger").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewCollector(nil)
	}
	return e
}

// GrantRequest contains all parameters for GrantTokens.
type GrantRequest struct {
	UserID string
	Amount int64
	Reason string

	// IdempotencyKey deduplicates retries. Empty bypasses the guard and the
	// grant always applies (system-internal, already-deduplicated events).
	IdempotencyKey string

	// ExpiresAt bounds the lifetime of the granted tokens. Callers derive it
	// from the app's retention policy via CalculateExpirationDate.
	ExpiresAt *time.Time
}

// GrantResult is the outcome of a grant operation.
type GrantResult struct {
	Balance       int64
	TransactionID string

	// Duplicate is true when the idempotency key had already been applied
	// and the stored result was returned instead of a new entry.
	Duplicate bool
}

// ReserveRequest contains all parameters for ReserveTokens.
type ReserveRequest struct {
	UserID      string
	Amount      int64
	JobID       string
	Description string
}

// ReserveResult is the outcome of a successful reservation. TransactionID
// identifies the charge entry; callers store it for refund correlation.
type ReserveResult struct {
	Balance       int64
	TransactionID string
}

// GrantTokens credits tokens to a user and appends a grant ledger entry.
//
// The idempotency guard runs first: if the key was applied before, the
// stored result is returned and no new entry is written. The uniqueness
// check is ultimately the store's unique constraint, so a race between two
// identical grants still collapses to one entry.
func (e *Engine) GrantTokens(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if req.IdempotencyKey != "" {
		if res, ok, err := e.replayedGrant(ctx, req.UserID, req.IdempotencyKey); err != nil {
			return nil, err
		} else if ok {
			return res, nil
		}
	}

	entry, err := e.store.ApplyEntry(ctx, req.UserID, func(u *store.AppUser) (*store.LedgerEntry, error) {
		u.TokenBalance += req.Amount
		return &store.LedgerEntry{
			ID:             e.newID(),
			AppUserID:      req.UserID,
			Amount:         req.Amount,
			BalanceAfter:   u.TokenBalance,
			Type:           store.EntryGrant,
			Description:    req.Reason,
			IdempotencyKey: req.IdempotencyKey,
			ExpiresAt:      req.ExpiresAt,
			CreatedAt:      e.now(),
		}, nil
	})
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		// Lost the race against an identical grant; its result is ours.
		res, ok, rerr := e.replayedGrant(ctx, req.UserID, req.IdempotencyKey)
		if rerr != nil {
			return nil, rerr
		}
		if ok {
			return res, nil
		}
		return nil, fmt.Errorf("duplicate key %q with no stored entry: %w", req.IdempotencyKey, err)
	}
	if err != nil {
		return nil, fmt.Errorf("apply grant: %w", err)
	}

	e.metrics.ObserveGrant(string(store.EntryGrant))
	e.log.Info().
		Str("user_id", req.UserID).
		Int64("amount", req.Amount).
		Int64("balance", entry.BalanceAfter).
		Str("reason", req.Reason).
		Str("transaction_id", entry.ID).
		Msg("tokens granted")

	return &GrantResult{Balance: entry.BalanceAfter, TransactionID: entry.ID}, nil
}

// replayedGrant looks up the previously applied entry for the key and
// reconstructs the original result.
func (e *Engine) replayedGrant(ctx context.Context, userID, key string) (*GrantResult, bool, error) {
	prior, err := e.store.EntryByIdempotencyKey(ctx, userID, key)
	if errors.Is(err, store.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}

	e.log.Debug().
		Str("user_id", userID).
		Str("idempotency_key", key).
		Str("transaction_id", prior.ID).
		Msg("duplicate grant short-circuited")

	return &GrantResult{
		Balance:       prior.BalanceAfter,
		TransactionID: prior.ID,
		Duplicate:     true,
	}, true, nil
}

// ReserveTokens debits tokens for a generation job before it runs.
//
// The sufficient-balance check and the decrement happen in one serialized
// transaction against the user row: all-or-nothing, no partial charge, no
// lost update under concurrency. On a declined reservation the balance is
// unchanged and the caller must not start the job.
func (e *Engine) ReserveTokens(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	entry, err := e.store.ApplyEntry(ctx, req.UserID, func(u *store.AppUser) (*store.LedgerEntry, error) {
		if !u.IsActive {
			return nil, ErrUserInactive
		}
		if u.TokenBalance < req.Amount {
			return nil, &InsufficientTokensError{
				UserID:    req.UserID,
				Balance:   u.TokenBalance,
				Requested: req.Amount,
			}
		}
		u.TokenBalance -= req.Amount
		return &store.LedgerEntry{
			ID:           e.newID(),
			AppUserID:    req.UserID,
			Amount:       -req.Amount,
			BalanceAfter: u.TokenBalance,
			Type:         store.EntryCharge,
			Description:  req.Description,
			JobID:        req.JobID,
			CreatedAt:    e.now(),
		}, nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientTokens) {
			e.metrics.ObserveChargeDeclined()
			e.log.Info().
				Str("user_id", req.UserID).
				Str("job_id", req.JobID).
				Int64("requested", req.Amount).
				Msg("reservation declined: insufficient tokens")
			return nil, err
		}
		if errors.Is(err, ErrUserInactive) {
			return nil, err
		}
		return nil, fmt.Errorf("apply charge: %w", err)
	}

	e.metrics.ObserveCharge()
	e.log.Info().
		Str("user_id", req.UserID).
		Str("job_id", req.JobID).
		Int64("amount", req.Amount).
		Int64("balance", entry.BalanceAfter).
		Str("transaction_id", entry.ID).
		Msg("tokens reserved")

	return &ReserveResult{Balance: entry.BalanceAfter, TransactionID: entry.ID}, nil
}

// RefundTokens returns previously charged tokens after a job failed. The
// refund is a positive entry tied to the same job id as the charge; the
// job-failure handler supplies the amount it originally reserved.
func (e *Engine) RefundTokens(ctx context.Context, userID string, amount int64, jobID, description string) (*GrantResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	key := ""
	if jobID != "" {
		// One refund per job, even if the failure handler retries.
		key = fmt.Sprintf("refund_%s", jobID)
		if res, ok, err := e.replayedGrant(ctx, userID, key); err != nil {
			return nil, err
		} else if ok {
			return res, nil
		}
	}

	entry, err := e.store.ApplyEntry(ctx, userID, func(u *store.AppUser) (*store.LedgerEntry, error) {
		u.TokenBalance += amount
		return &store.LedgerEntry{
			ID:             e.newID(),
			AppUserID:      userID,
			Amount:         amount,
			BalanceAfter:   u.TokenBalance,
			Type:           store.EntryRefund,
			Description:    description,
			IdempotencyKey: key,
			JobID:          jobID,
			CreatedAt:      e.now(),
		}, nil
	})
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		res, ok, rerr := e.replayedGrant(ctx, userID, key)
		if rerr != nil {
			return nil, rerr
		}
		if ok {
			return res, nil
		}
		return nil, fmt.Errorf("duplicate refund for job %s with no stored entry: %w", jobID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("apply refund: %w", err)
	}

	e.metrics.ObserveGrant(string(store.EntryRefund))
	e.log.Info().
		Str("user_id", userID).
		Str("job_id", jobID).
		Int64("amount", amount).
		Int64("balance", entry.BalanceAfter).
		Str("transaction_id", entry.ID).
		Msg("tokens refunded")

	return &GrantResult{Balance: entry.BalanceAfter, TransactionID: entry.ID}, nil
}
