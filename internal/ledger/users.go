package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/veyra/tokenledger/internal/store"
)

// welcomeKey derives the idempotency key for a user's one-time welcome
// grant. Deterministic per user, so registration retries and out-of-band
// sync cannot double-grant.
func welcomeKey(userID string) string {
	return fmt.Sprintf("welcome_%s", userID)
}

// RegisterAppUser creates the (app, externalID) user if absent and applies
// the app's welcome grant. Registration is idempotent: calling it again for
// the same pair returns the existing user without a second grant.
func (e *Engine) RegisterAppUser(ctx context.Context, appID, externalID string, metadata map[string]string) (*store.AppUser, error) {
	app, err := e.store.GetApp(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("load app: %w", err)
	}

	now := e.now()
	u := &store.AppUser{
		ID:         e.newID(),
		AppID:      appID,
		ExternalID: externalID,
		IsActive:   true,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,

		// Registration starts the daily-grant cadence: the first recurring
		// grant is due 24h from now, not on the first balance read.
		LastDailyGrantAt: &now,
	}
	err = e.store.CreateAppUser(ctx, u)
	if errors.Is(err, store.ErrDuplicateUser) {
		existing, gerr := e.store.GetAppUserByExternalID(ctx, appID, externalID)
		if gerr != nil {
			return nil, fmt.Errorf("load existing user: %w", gerr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	e.log.Info().
		Str("user_id", u.ID).
		Str("app_id", appID).
		Str("external_id", externalID).
		Msg("app user registered")

	if app.DefaultTokenGrant > 0 {
		res, gerr := e.GrantTokens(ctx, GrantRequest{
			UserID:         u.ID,
			Amount:         app.DefaultTokenGrant,
			Reason:         "Welcome bonus",
			IdempotencyKey: welcomeKey(u.ID),
			ExpiresAt:      expirationDate(now, app.TokenExpirationDays),
		})
		if gerr != nil {
			return nil, fmt.Errorf("welcome grant: %w", gerr)
		}
		u.TokenBalance = res.Balance
	}

	return u, nil
}

// SyncUserTokens applies the welcome grant to a user created out-of-band
// (needs_token_sync set) and clears the flag in the same transaction. The
// welcome key keeps the grant at-most-once even if the flag update races a
// concurrent sync call. Returns applied=false when the user does not need
// syncing or the app grants nothing.
func (e *Engine) SyncUserTokens(ctx context.Context, userID string) (*GrantResult, bool, error) {
	u, err := e.store.GetAppUser(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("load user: %w", err)
	}
	if !u.NeedsTokenSync {
		return nil, false, nil
	}

	app, err := e.store.GetApp(ctx, u.AppID)
	if err != nil {
		return nil, false, fmt.Errorf("load app: %w", err)
	}
	if app.DefaultTokenGrant <= 0 {
		// Nothing to grant. The flag stays set so the sync applies if the
		// app later configures a default grant.
		return nil, false, nil
	}

	now := e.now()
	expiresAt := expirationDate(now, app.TokenExpirationDays)

	entry, err := e.store.ApplyEntry(ctx, userID, func(u *store.AppUser) (*store.LedgerEntry, error) {
		u.TokenBalance += app.DefaultTokenGrant
		u.NeedsTokenSync = false
		// The sync grant is the user's registration moment for the daily
		// cadence; do not reset a cadence that is already running.
		if u.LastDailyGrantAt == nil {
			u.LastDailyGrantAt = &now
		}
		return &store.LedgerEntry{
			ID:             e.newID(),
			AppUserID:      userID,
			Amount:         app.DefaultTokenGrant,
			BalanceAfter:   u.TokenBalance,
			Type:           store.EntryGrant,
			Description:    "Client-side token sync",
			IdempotencyKey: welcomeKey(userID),
			ExpiresAt:      expiresAt,
			CreatedAt:      now,
		}, nil
	})
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		// Welcome grant already applied (registration or a concurrent sync).
		res, ok, rerr := e.replayedGrant(ctx, userID, welcomeKey(userID))
		if rerr != nil {
			return nil, false, rerr
		}
		if ok {
			return res, false, nil
		}
		return nil, false, fmt.Errorf("sync grant: %w", err)
	}
	if err != nil {
		return nil, false, fmt.Errorf("sync grant: %w", err)
	}

	e.metrics.ObserveGrant(string(store.EntryGrant))
	e.log.Info().
		Str("user_id", userID).
		Int64("amount", app.DefaultTokenGrant).
		Int64("balance", entry.BalanceAfter).
		Msg("out-of-band user synced")

	return &GrantResult{Balance: entry.BalanceAfter, TransactionID: entry.ID}, true, nil
}
