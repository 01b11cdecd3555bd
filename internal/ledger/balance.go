package ledger

import (
	"context"
	"fmt"
)

// EffectiveBalance is the expiration-aware view of a user's tokens.
type EffectiveBalance struct {
	// EffectiveBalance is what the user can actually spend right now:
	// the stored balance minus expired grants, floored at 0.
	EffectiveBalance int64

	// StoredBalance is the denormalized running total, which still includes
	// tokens whose grants have expired.
	StoredBalance int64

	// ExpiredAmount is the total of grant entries whose expiry has passed.
	ExpiredAmount int64
}

// GetEffectiveTokenBalance computes the user's currently usable balance.
//
// The stored balance is a cache of net grants and charges; it is not
// expiration-aware. The usable balance excludes grant entries whose
// expires_at is at or before now. Charges and refunds are never
// time-limited, so the computation reduces to:
//
//	effective = max(0, stored - SUM(expired grant amounts))
//
// This is recomputed on every call and never cached, because expiry depends
// on the clock, not on any write event. The floor at 0 covers users who
// spent expired tokens before the expiry was observed.
func (e *Engine) GetEffectiveTokenBalance(ctx context.Context, userID string) (*EffectiveBalance, error) {
	u, err := e.store.GetAppUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	expired, err := e.store.SumExpiredGrants(ctx, userID, e.now())
	if err != nil {
		return nil, fmt.Errorf("sum expired grants: %w", err)
	}

	effective := u.TokenBalance - expired
	if effective < 0 {
		effective = 0
	}

	return &EffectiveBalance{
		EffectiveBalance: effective,
		StoredBalance:    u.TokenBalance,
		ExpiredAmount:    expired,
	}, nil
}
