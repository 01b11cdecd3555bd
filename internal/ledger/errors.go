package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors. Compare with errors.Is. Store-level failures are wrapped
// and surface with their own sentinels from the store package.
var (
	// ErrInvalidAmount is returned for non-positive amounts. Rejected before
	// any store access, so it never has side effects.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInsufficientTokens means a reservation was declined. The balance is
	// unchanged and the caller must not proceed with the job.
	ErrInsufficientTokens = errors.New("insufficient tokens")

	// ErrUserInactive is returned when charging a deactivated user.
	ErrUserInactive = errors.New("app user is inactive")
)

// InsufficientTokensError carries the shortfall details for logging and for
// API error payloads. Unwraps to ErrInsufficientTokens.
type InsufficientTokensError struct {
	UserID    string
	Balance   int64
	Requested int64
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens for user %s: have %d, need %d", e.UserID, e.Balance, e.Requested)
}

func (e *InsufficientTokensError) Unwrap() error { return ErrInsufficientTokens }
