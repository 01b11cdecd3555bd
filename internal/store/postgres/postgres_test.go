package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/tokenledger/internal/store"
)

// Integration tests run against a real server when TEST_POSTGRES_URL is set
// (the migrations in migrations/ must have been applied); otherwise they
// skip, matching how the rest of the suite stays runnable without infra.
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("Skipping integration test: TEST_POSTGRES_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Rows written by operators or seed scripts may carry NULL metadata and
// NULL descriptions; reads must tolerate them instead of failing the scan.
func TestGetAppUserNullColumns(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	appID := "app_it_" + suffix
	userID := "usr_it_" + suffix
	entryID := "ent_it_" + suffix

	_, err := s.DB().ExecContext(ctx, `
		INSERT INTO apps (id, name, default_token_grant, daily_token_grant, created_at)
		VALUES ($1, $2, 0, 0, now())`, appID, "Integration App")
	require.NoError(t, err)

	_, err = s.DB().ExecContext(ctx, `
		INSERT INTO app_users (id, app_id, external_id, token_balance, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, 10, NULL, now(), now())`, userID, appID, "ext_"+suffix)
	require.NoError(t, err)

	_, err = s.DB().ExecContext(ctx, `
		INSERT INTO token_ledger_entries (id, app_user_id, amount, balance_after, entry_type, description, created_at)
		VALUES ($1, $2, 10, 10, 'grant', NULL, now())`, entryID, userID)
	require.NoError(t, err)

	u, err := s.GetAppUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.TokenBalance)
	assert.Nil(t, u.Metadata)

	entries, err := s.EntriesForUser(ctx, userID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "", entries[0].Description)
}

func TestApplyEntryTransactional(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	appID := "app_it_" + suffix
	userID := "usr_it_" + suffix

	now := time.Now().UTC()
	require.NoError(t, s.CreateApp(ctx, &store.App{ID: appID, Name: "Integration App", CreatedAt: now}))
	require.NoError(t, s.CreateAppUser(ctx, &store.AppUser{
		ID: userID, AppID: appID, ExternalID: "ext_" + suffix,
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	}))

	entry, err := s.ApplyEntry(ctx, userID, func(u *store.AppUser) (*store.LedgerEntry, error) {
		u.TokenBalance += 100
		return &store.LedgerEntry{
			ID: "ent_it_" + suffix, AppUserID: userID, Amount: 100,
			BalanceAfter: u.TokenBalance, Type: store.EntryGrant,
			Description: "integration grant", CreatedAt: now,
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), entry.BalanceAfter)

	sum, err := s.SumEntries(ctx, userID)
	require.NoError(t, err)

	u, err := s.GetAppUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, sum, u.TokenBalance)
}
