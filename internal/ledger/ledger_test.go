package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/tokenledger/internal/store"
	"github.com/veyra/tokenledger/internal/store/memory"
)

// testClock is a settable clock shared with the engine under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T) (*Engine, *memory.Store, *testClock) {
	t.Helper()
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := memory.New()
	e := NewEngine(st, zerolog.Nop(), WithClock(clock.Now))
	return e, st, clock
}

func seedApp(t *testing.T, st *memory.Store, app store.App) {
	t.Helper()
	require.NoError(t, st.CreateApp(context.Background(), &app))
}

func seedUser(t *testing.T, st *memory.Store, u store.AppUser) {
	t.Helper()
	u.IsActive = true
	require.NoError(t, st.CreateAppUser(context.Background(), &u))
}

func seedUserWithBalance(t *testing.T, e *Engine, st *memory.Store, userID string, balance int64) {
	t.Helper()
	seedUser(t, st, store.AppUser{ID: userID, AppID: "app_1", ExternalID: "ext_" + userID})
	if balance > 0 {
		_, err := e.GrantTokens(context.Background(), GrantRequest{
			UserID: userID,
			Amount: balance,
			Reason: "seed",
		})
		require.NoError(t, err)
	}
}

func TestGrantTokens(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, st, store.AppUser{ID: "usr_1", AppID: "app_1", ExternalID: "ext_1"})

	res, err := e.GrantTokens(ctx, GrantRequest{UserID: "usr_1", Amount: 100, Reason: "promo"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Balance)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.TransactionID)

	u, err := st.GetAppUser(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.TokenBalance)

	entries, err := st.EntriesForUser(ctx, "usr_1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.EntryGrant, entries[0].Type)
	assert.Equal(t, int64(100), entries[0].Amount)
	assert.Equal(t, int64(100), entries[0].BalanceAfter)
}

func TestGrantTokensRejectsNonPositiveAmount(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, st, store.AppUser{ID: "usr_1", AppID: "app_1", ExternalID: "ext_1"})

	for _, amount := range []int64{0, -5} {
		_, err := e.GrantTokens(ctx, GrantRequest{UserID: "usr_1", Amount: amount})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}

	// Nothing was written.
	entries, err := st.EntriesForUser(ctx, "usr_1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGrantTokensUnknownUser(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.GrantTokens(context.Background(), GrantRequest{UserID: "missing", Amount: 10})
	assert.ErrorIs(t, err, store.ErrUserNotFound)
}

func TestGrantTokensIdempotent(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, st, store.AppUser{ID: "usr_1", AppID: "app_1", ExternalID: "ext_1"})

	first, err := e.GrantTokens(ctx, GrantRequest{
		UserID:         "usr_1",
		Amount:         50,
		Reason:         "signup",
		IdempotencyKey: "welcome_usr_1",
	})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	// Identical retransmission applies nothing and returns the stored result.
	second, err := e.GrantTokens(ctx, GrantRequest{
		UserID:         "usr_1",
		Amount:         50,
		Reason:         "signup",
		IdempotencyKey: "welcome_usr_1",
	})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Balance, second.Balance)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	entries, err := st.EntriesForUser(ctx, "usr_1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	u, err := st.GetAppUser(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), u.TokenBalance)
}

func TestReserveTokens(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	seedUserWithBalance(t, e, st, "usr_1", 100)

	res, err := e.ReserveTokens(ctx, ReserveRequest{
		UserID:      "usr_1",
		Amount:      60,
		JobID:       "job_1",
		Description: "image generation",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.Balance)

	entries, err := st.EntriesForUser(ctx, "usr_1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.EntryCharge, entries[0].Type)
	assert.Equal(t, int64(-60), entries[0].Amount)
	assert.Equal(t, "job_1", entries[0].JobID)
}

func TestReserveTokensInsufficient(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	seedUserWithBalance(t, e, st, "usr_1", 20)

	_, err := e.ReserveTokens(ctx, ReserveRequest{UserID: "usr_1", Amount: 30, JobID: "job_1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientTokens)

	var insufficient *InsufficientTokensError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(20), insufficient.Balance)
	assert.Equal(t, int64(30), insufficient.Requested)

	// Declined reservation leaves no trace.
	u, err := st.GetAppUser(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), u.TokenBalance)

	entries, err := st.EntriesForUser(ctx, "usr_1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1) // only the seed grant
}

func TestReserveTokensInactiveUser(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, st.CreateAppUser(ctx, &store.AppUser{
		ID: "usr_1", AppID: "app_1", ExternalID: "ext_1", IsActive: false,
	}))

	_, err := e.ReserveTokens(ctx, ReserveRequest{UserID: "usr_1", Amount: 10, JobID: "job_1"})
	assert.ErrorIs(t, err, ErrUserInactive)
}

// Two concurrent reservations of 60 against a balance of 100 must resolve to
// exactly one success and a final balance of 40.
func TestReserveTokensConcurrentRace(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	seedUserWithBalance(t, e, st, "usr_1", 100)

	const attempts = 2
	results := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = e.ReserveTokens(ctx, ReserveRequest{
				UserID: "usr_1",
				Amount: 60,
				JobID:  "job_concurrent",
			})
		}(i)
	}
	wg.Wait()

	var succeeded, declined int
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientTokens):
			declined++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, declined)

	u, err := st.GetAppUser(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), u.TokenBalance)
}

func TestRefundTokens(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	seedUserWithBalance(t, e, st, "usr_1", 100)

	_, err := e.ReserveTokens(ctx, ReserveRequest{UserID: "usr_1", Amount: 60, JobID: "job_1"})
	require.NoError(t, err)

	res, err := e.RefundTokens(ctx, "usr_1", 60, "job_1", "generation failed")
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Balance)

	entries, err := st.EntriesForUser(ctx, "usr_1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.EntryRefund, entries[0].Type)
	assert.Equal(t, int64(60), entries[0].Amount)
	assert.Equal(t, "job_1", entries[0].JobID)
}

func TestRefundTokensOncePerJob(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	seedUserWithBalance(t, e, st, "usr_1", 100)

	_, err := e.ReserveTokens(ctx, ReserveRequest{UserID: "usr_1", Amount: 60, JobID: "job_1"})
	require.NoError(t, err)

	first, err := e.RefundTokens(ctx, "usr_1", 60, "job_1", "generation failed")
	require.NoError(t, err)

	// Failure-handler retry refunds nothing extra.
	second, err := e.RefundTokens(ctx, "usr_1", 60, "job_1", "generation failed")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	u, err := st.GetAppUser(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.TokenBalance)
}

// The stored balance must always equal the ledger sum, no matter the mix of
// operations applied.
func TestStoredBalanceMatchesLedgerSum(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, st, store.AppUser{ID: "usr_1", AppID: "app_1", ExternalID: "ext_1"})

	_, err := e.GrantTokens(ctx, GrantRequest{UserID: "usr_1", Amount: 200, Reason: "seed"})
	require.NoError(t, err)
	_, err = e.ReserveTokens(ctx, ReserveRequest{UserID: "usr_1", Amount: 75, JobID: "job_1"})
	require.NoError(t, err)
	_, err = e.ReserveTokens(ctx, ReserveRequest{UserID: "usr_1", Amount: 50, JobID: "job_2"})
	require.NoError(t, err)
	_, err = e.RefundTokens(ctx, "usr_1", 50, "job_2", "failed")
	require.NoError(t, err)

	u, err := st.GetAppUser(ctx, "usr_1")
	require.NoError(t, err)

	sum, err := st.SumEntries(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, sum, u.TokenBalance)
	assert.Equal(t, int64(125), u.TokenBalance)
}

func TestEffectiveBalanceExcludesExpiredGrants(t *testing.T) {
	e, st, clock := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, st, store.AppUser{ID: "usr_1", AppID: "app_1", ExternalID: "ext_1"})

	retention := 7
	expiresAt := e.CalculateExpirationDate(&retention)
	_, err := e.GrantTokens(ctx, GrantRequest{
		UserID:    "usr_1",
		Amount:    100,
		Reason:    "welcome",
		ExpiresAt: expiresAt,
	})
	require.NoError(t, err)

	// Inside the retention window the full grant is usable.
	clock.Advance(6 * 24 * time.Hour)
	bal, err := e.GetEffectiveTokenBalance(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.EffectiveBalance)
	assert.Equal(t, int64(0), bal.ExpiredAmount)

	// Past the window the grant no longer counts; the stored balance is
	// untouched.
	clock.Advance(2 * 24 * time.Hour)
	bal, err = e.GetEffectiveTokenBalance(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.EffectiveBalance)
	assert.Equal(t, int64(100), bal.StoredBalance)
	assert.Equal(t, int64(100), bal.ExpiredAmount)
}

func TestEffectiveBalanceFloorsAtZero(t *testing.T) {
	e, st, clock := newTestEngine(t)
	ctx := context.Background()
	seedUser(t, st, store.AppUser{ID: "usr_1", AppID: "app_1", ExternalID: "ext_1"})

	retention := 7
	_, err := e.GrantTokens(ctx, GrantRequest{
		UserID:    "usr_1",
		Amount:    100,
		Reason:    "welcome",
		ExpiresAt: e.CalculateExpirationDate(&retention),
	})
	require.NoError(t, err)

	// Spend 80 of the expiring tokens, then let the grant lapse. The naive
	// subtraction would be 20 - 100 = -80.
	_, err = e.ReserveTokens(ctx, ReserveRequest{UserID: "usr_1", Amount: 80, JobID: "job_1"})
	require.NoError(t, err)

	clock.Advance(8 * 24 * time.Hour)
	bal, err := e.GetEffectiveTokenBalance(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.EffectiveBalance)
	assert.Equal(t, int64(20), bal.StoredBalance)
}

func TestRegisterAppUser(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	retention := 30
	seedApp(t, st, store.App{
		ID:                  "app_1",
		Name:                "Demo",
		DefaultTokenGrant:   50,
		DailyTokenGrant:     20,
		TokenExpirationDays: &retention,
	})

	u, err := e.RegisterAppUser(ctx, "app_1", "discord:42", map[string]string{"tier": "free"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), u.TokenBalance)

	// The daily-grant window is anchored at registration.
	stored, err := st.GetAppUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastDailyGrantAt)
	assert.Equal(t, e.now(), *stored.LastDailyGrantAt)

	entries, err := st.EntriesForUser(ctx, u.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.EntryGrant, entries[0].Type)
	assert.Equal(t, "welcome_"+u.ID, entries[0].IdempotencyKey)
	require.NotNil(t, entries[0].ExpiresAt)

	// Registering the same external id again returns the existing user
	// without a second welcome grant.
	again, err := e.RegisterAppUser(ctx, "app_1", "discord:42", nil)
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)

	entries, err = st.EntriesForUser(ctx, u.ID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRegisterAppUserUnknownApp(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.RegisterAppUser(context.Background(), "missing", "ext_1", nil)
	assert.ErrorIs(t, err, store.ErrAppNotFound)
}

func TestSyncUserTokens(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	seedApp(t, st, store.App{ID: "app_1", Name: "Demo", DefaultTokenGrant: 50})
	require.NoError(t, st.CreateAppUser(ctx, &store.AppUser{
		ID: "usr_oob", AppID: "app_1", ExternalID: "ext_oob",
		NeedsTokenSync: true, IsActive: true,
	}))

	res, applied, err := e.SyncUserTokens(ctx, "usr_oob")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(50), res.Balance)

	u, err := st.GetAppUser(ctx, "usr_oob")
	require.NoError(t, err)
	assert.False(t, u.NeedsTokenSync)
	require.NotNil(t, u.LastDailyGrantAt, "sync anchors the daily-grant window")

	// Second sync is a no-op.
	_, applied, err = e.SyncUserTokens(ctx, "usr_oob")
	require.NoError(t, err)
	assert.False(t, applied)

	entries, err := st.EntriesForUser(ctx, "usr_oob", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSyncUserTokensNoDefaultGrant(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	seedApp(t, st, store.App{ID: "app_1", Name: "Demo", DefaultTokenGrant: 0})
	require.NoError(t, st.CreateAppUser(ctx, &store.AppUser{
		ID: "usr_oob", AppID: "app_1", ExternalID: "ext_oob",
		NeedsTokenSync: true, IsActive: true,
	}))

	_, applied, err := e.SyncUserTokens(ctx, "usr_oob")
	require.NoError(t, err)
	assert.False(t, applied)

	// The flag survives so a later configuration change can still apply.
	u, err := st.GetAppUser(ctx, "usr_oob")
	require.NoError(t, err)
	assert.True(t, u.NeedsTokenSync)
}
