// Package sync mirrors stored token balances into Redis and verifies ledger
// integrity.
//
// The SQL store is always the source of truth: the ledger engine never
// reads balances out of Redis, and the expiration-aware effective balance
// is recomputed from SQL on every read. The mirror exists for dashboard and
// admin reads that want cheap point lookups and can tolerate slight
// staleness.
//
// The package also carries the integrity verifier: for each sampled user it
// rechecks the invariant the whole engine is built on,
//
//	app_users.token_balance == SUM(token_ledger_entries.amount)
//
// and reports any drift. Because balance and entry are written in one
// transaction, a discrepancy means operator interference or store
// corruption, never normal operation.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/veyra/tokenledger/internal/store"
)

// balanceKey is the Redis key holding a user's mirrored stored balance.
func balanceKey(userID string) string {
	return fmt.Sprintf("user:balance:%s", userID)
}

// Mirror copies stored balances from the SQL store into Redis.
type Mirror struct {
	redis  *redis.Client
	store  store.Store
	log    zerolog.Logger
	stopCh chan struct{}
}

func NewMirror(rdb *redis.Client, st store.Store, logger zerolog.Logger) *Mirror {
	return &Mirror{
		redis:  rdb,
		store:  st,
		log:    logger.With().Str("component", "balance_mirror").Logger(),
		stopCh: make(chan struct{}),
	}
}

// MirrorAll copies every user's stored balance into Redis. Called at
// startup so dashboard reads do not hit a cold mirror.
func (m *Mirror) MirrorAll(ctx context.Context) error {
	return m.mirrorSince(ctx, time.Time{})
}

func (m *Mirror) mirrorSince(ctx context.Context, since time.Time) error {
	start := time.Now()

	balances, err := m.store.UserBalances(ctx, since)
	if err != nil {
		return fmt.Errorf("list balances: %w", err)
	}

	pipe := m.redis.Pipeline()
	for i, b := range balances {
		pipe.Set(ctx, balanceKey(b.UserID), b.TokenBalance, 0)
		// Execute in batches so a large user population does not buffer
		// one enormous pipeline.
		if (i+1)%1000 == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("pipeline exec: %w", err)
			}
			pipe = m.redis.Pipeline()
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("final pipeline exec: %w", err)
	}

	m.log.Info().
		Int("user_count", len(balances)).
		Dur("duration", time.Since(start)).
		Msg("balance mirror updated")
	return nil
}

// MirrorUser refreshes one user's mirrored balance, used after detecting a
// stale or missing key.
func (m *Mirror) MirrorUser(ctx context.Context, userID string) error {
	u, err := m.store.GetAppUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if err := m.redis.Set(ctx, balanceKey(userID), u.TokenBalance, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// StartPeriodicMirror refreshes recently updated balances on a fixed
// interval, correcting drift from Redis evictions or restarts.
func (m *Mirror) StartPeriodicMirror(interval time.Duration) {
	if interval == 0 {
		interval = 5 * time.Minute
	}

	m.log.Info().Dur("interval", interval).Msg("starting periodic mirror")
	ticker := time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				// Overlap the window slightly so a slow previous run
				// cannot leave a gap.
				since := time.Now().Add(-2 * interval)
				if err := m.mirrorSince(ctx, since); err != nil {
					m.log.Error().Err(err).Msg("periodic mirror failed")
				}
				cancel()

			case <-m.stopCh:
				ticker.Stop()
				m.log.Info().Msg("periodic mirror stopped")
				return
			}
		}
	}()
}

// Stop stops the periodic mirror goroutine.
func (m *Mirror) Stop() {
	close(m.stopCh)
}

// Discrepancy describes one user whose stored balance does not equal the
// sum of their ledger entries.
type Discrepancy struct {
	UserID        string
	StoredBalance int64
	LedgerSum     int64
}

// VerifyIntegrity rechecks the balance/ledger invariant for the given
// users and returns every violation found. Mirror staleness is repaired as
// a side effect.
func (m *Mirror) VerifyIntegrity(ctx context.Context, userIDs []string) ([]Discrepancy, error) {
	var found []Discrepancy

	for _, id := range userIDs {
		u, err := m.store.GetAppUser(ctx, id)
		if err != nil {
			return found, fmt.Errorf("load user %s: %w", id, err)
		}

		sum, err := m.store.SumEntries(ctx, id)
		if err != nil {
			return found, fmt.Errorf("sum entries for %s: %w", id, err)
		}

		if u.TokenBalance != sum {
			m.log.Warn().
				Str("user_id", id).
				Int64("stored_balance", u.TokenBalance).
				Int64("ledger_sum", sum).
				Int64("difference", u.TokenBalance-sum).
				Msg("balance/ledger mismatch detected")
			found = append(found, Discrepancy{
				UserID:        id,
				StoredBalance: u.TokenBalance,
				LedgerSum:     sum,
			})
		}

		mirrored, err := m.redis.Get(ctx, balanceKey(id)).Int64()
		if err == redis.Nil || (err == nil && mirrored != u.TokenBalance) {
			if err := m.MirrorUser(ctx, id); err != nil {
				m.log.Error().Err(err).Str("user_id", id).Msg("mirror repair failed")
			}
		}
	}

	return found, nil
}
