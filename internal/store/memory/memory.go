// Package memory provides an in-memory Store for tests and local development.
//
// Concurrency model: a single mutex guards all state, so ApplyEntry is
// trivially serialized. That matches the contract the SQL stores provide via
// row locking without needing a database in unit tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/veyra/tokenledger/internal/store"
)

type Store struct {
	mu      sync.Mutex
	apps    map[string]*store.App
	users   map[string]*store.AppUser
	byExt   map[extKey]string // (appID, externalID) -> userID
	entries map[string][]store.LedgerEntry
	idem    map[idemKey]string // (userID, key) -> entryID
}

type extKey struct {
	AppID      string
	ExternalID string
}

type idemKey struct {
	UserID string
	Key    string
}

func New() *Store {
	return &Store{
		apps:    make(map[string]*store.App),
		users:   make(map[string]*store.AppUser),
		byExt:   make(map[extKey]string),
		entries: make(map[string][]store.LedgerEntry),
		idem:    make(map[idemKey]string),
	}
}

func (s *Store) CreateApp(_ context.Context, app *store.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *app
	s.apps[app.ID] = &cp
	return nil
}

func (s *Store) GetApp(_ context.Context, id string) (*store.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[id]
	if !ok {
		return nil, store.ErrAppNotFound
	}
	cp := *app
	return &cp, nil
}

func (s *Store) CreateAppUser(_ context.Context, u *store.AppUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := extKey{AppID: u.AppID, ExternalID: u.ExternalID}
	if _, ok := s.byExt[k]; ok {
		return store.ErrDuplicateUser
	}
	cp := copyUser(u)
	s.users[u.ID] = cp
	s.byExt[k] = u.ID
	return nil
}

func (s *Store) GetAppUser(_ context.Context, id string) (*store.AppUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUserLocked(id)
}

func (s *Store) GetAppUserByExternalID(_ context.Context, appID, externalID string) (*store.AppUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExt[extKey{AppID: appID, ExternalID: externalID}]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return s.getUserLocked(id)
}

func (s *Store) getUserLocked(id string) (*store.AppUser, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return copyUser(u), nil
}

// ApplyEntry serializes the read-validate-write cycle under the store mutex.
// The apply callback sees a copy of the user; state is only swapped in after
// apply succeeds and the idempotency key is confirmed unused.
func (s *Store) ApplyEntry(_ context.Context, userID string, apply store.ApplyFunc) (*store.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}

	staged := copyUser(current)
	entry, err := apply(staged)
	if err != nil {
		return nil, err
	}

	if entry.IdempotencyKey != "" {
		k := idemKey{UserID: userID, Key: entry.IdempotencyKey}
		if _, exists := s.idem[k]; exists {
			return nil, store.ErrDuplicateIdempotencyKey
		}
		s.idem[k] = entry.ID
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	staged.UpdatedAt = entry.CreatedAt

	s.users[userID] = staged
	s.entries[userID] = append(s.entries[userID], *entry)

	cp := *entry
	return &cp, nil
}

func (s *Store) EntryByIdempotencyKey(_ context.Context, userID, key string) (*store.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.idem[idemKey{UserID: userID, Key: key}]
	if !ok {
		return nil, store.ErrEntryNotFound
	}
	for _, e := range s.entries[userID] {
		if e.ID == entryID {
			cp := e
			return &cp, nil
		}
	}
	return nil, store.ErrEntryNotFound
}

func (s *Store) EntriesForUser(_ context.Context, userID string, limit int) ([]store.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.entries[userID]
	// Newest first.
	result := make([]store.LedgerEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		result = append(result, all[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) SumEntries(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum int64
	for _, e := range s.entries[userID] {
		sum += e.Amount
	}
	return sum, nil
}

func (s *Store) SumExpiredGrants(_ context.Context, userID string, asOf time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum int64
	for _, e := range s.entries[userID] {
		if e.Type == store.EntryGrant && e.ExpiresAt != nil && !e.ExpiresAt.After(asOf) {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (s *Store) UserBalances(_ context.Context, updatedSince time.Time) ([]store.UserBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var balances []store.UserBalance
	for _, u := range s.users {
		if !updatedSince.IsZero() && u.UpdatedAt.Before(updatedSince) {
			continue
		}
		balances = append(balances, store.UserBalance{UserID: u.ID, TokenBalance: u.TokenBalance})
	}
	return balances, nil
}

func (s *Store) Close() error { return nil }

func copyUser(u *store.AppUser) *store.AppUser {
	cp := *u
	if u.LastDailyGrantAt != nil {
		t := *u.LastDailyGrantAt
		cp.LastDailyGrantAt = &t
	}
	if u.Metadata != nil {
		cp.Metadata = make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
