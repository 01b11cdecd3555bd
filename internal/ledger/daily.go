package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veyra/tokenledger/internal/store"
)

// The daily grant is a policy evaluated lazily on reads, not a background
// job. Eligibility is a rolling 24 hours from the previous grant, and the
// grant itself is applied inline, inside the same transaction that advances
// last_daily_grant_at. A deterministic per-day idempotency key collapses
// concurrent evaluations within the same eligibility window to one entry.

const dailyGrantInterval = 24 * time.Hour

// errAlreadyGranted aborts the grant transaction when the locked row shows
// another request already granted within this window. Never escapes
// ApplyDailyGrant.
var errAlreadyGranted = errors.New("daily grant already applied in this window")

// dailyGrantEligible reports whether a user is due a recurring grant:
// never granted, or at least 24h elapsed since the last one.
func dailyGrantEligible(now time.Time, lastGrantAt *time.Time) bool {
	if lastGrantAt == nil {
		return true
	}
	return now.Sub(*lastGrantAt) >= dailyGrantInterval
}

// nextDailyGrantTime returns when the user next becomes eligible, or nil if
// they have never been granted (eligible immediately).
func nextDailyGrantTime(lastGrantAt *time.Time) *time.Time {
	if lastGrantAt == nil {
		return nil
	}
	t := lastGrantAt.Add(dailyGrantInterval)
	return &t
}

// dailyGrantKey derives the idempotency key for one user's grant on one UTC
// calendar date. Two requests racing inside the same window derive the same
// key and collapse to a single ledger entry.
func dailyGrantKey(userID string, now time.Time) string {
	return fmt.Sprintf("daily_%s_%s", userID, now.UTC().Format("2006-01-02"))
}

// IsDailyGrantEligible applies the engine clock to the rolling-24h policy.
func (e *Engine) IsDailyGrantEligible(lastGrantAt *time.Time) bool {
	return dailyGrantEligible(e.now(), lastGrantAt)
}

// NextDailyGrantTime returns the instant the user next becomes eligible,
// nil if eligible now.
func (e *Engine) NextDailyGrantTime(lastGrantAt *time.Time) *time.Time {
	return nextDailyGrantTime(lastGrantAt)
}

// ApplyDailyGrant checks eligibility for the user and, when due, credits the
// app's configured daily grant in one transaction that also advances
// last_daily_grant_at. Returns applied=false when the user is not eligible,
// the app has the feature disabled, or a concurrent request already granted
// within the same window.
func (e *Engine) ApplyDailyGrant(ctx context.Context, userID string) (*GrantResult, bool, error) {
	u, err := e.store.GetAppUser(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("load user: %w", err)
	}

	app, err := e.store.GetApp(ctx, u.AppID)
	if err != nil {
		return nil, false, fmt.Errorf("load app: %w", err)
	}

	if app.DailyTokenGrant <= 0 || !dailyGrantEligible(e.now(), u.LastDailyGrantAt) {
		return nil, false, nil
	}

	now := e.now()
	key := dailyGrantKey(userID, now)
	expiresAt := expirationDate(now, app.TokenExpirationDays)

	entry, err := e.store.ApplyEntry(ctx, userID, func(u *store.AppUser) (*store.LedgerEntry, error) {
		// Re-check under the row lock: another request may have granted
		// between our read and this transaction.
		if !dailyGrantEligible(now, u.LastDailyGrantAt) {
			return nil, errAlreadyGranted
		}
		u.TokenBalance += app.DailyTokenGrant
		u.LastDailyGrantAt = &now
		return &store.LedgerEntry{
			ID:             e.newID(),
			AppUserID:      userID,
			Amount:         app.DailyTokenGrant,
			BalanceAfter:   u.TokenBalance,
			Type:           store.EntryGrant,
			Description:    "Daily token grant",
			IdempotencyKey: key,
			ExpiresAt:      expiresAt,
			CreatedAt:      now,
		}, nil
	})
	if errors.Is(err, errAlreadyGranted) || errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		// Already granted in this window, observed either at the row lock or
		// at the date key's unique constraint; not an error.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("apply daily grant: %w", err)
	}

	e.metrics.ObserveGrant(string(store.EntryGrant))
	e.log.Info().
		Str("user_id", userID).
		Str("app_id", u.AppID).
		Int64("amount", app.DailyTokenGrant).
		Int64("balance", entry.BalanceAfter).
		Str("transaction_id", entry.ID).
		Msg("daily grant applied")

	return &GrantResult{Balance: entry.BalanceAfter, TransactionID: entry.ID}, true, nil
}
