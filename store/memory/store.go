// Package memory is an in-process store for tests, development and single
// instance deployments.
package memory

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/internal/apply"
	"github.com/xraph/credits/internal/keylock"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/transaction"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store keeps accounts, transactions and grants in maps. Mutations of one
// tenant are serialized by a per-tenant lock with a bounded wait; the map
// mutex is only held for the copy-in/copy-out itself, so reads never wait
// behind a queued mutation.
type Store struct {
	mu sync.RWMutex

	accounts     map[string]*account.Account
	transactions map[string][]*transaction.Transaction
	grants       map[string]*grant.Grant
	closed       bool

	locks *keylock.Locker
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long a mutation waits for the tenant lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.locks = keylock.New(d) }
}

// WithClock overrides the time source used for transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		accounts:     make(map[string]*account.Account),
		transactions: make(map[string][]*transaction.Transaction),
		grants:       make(map[string]*grant.Grant),
		locks:        keylock.New(store.DefaultLockTimeout),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hold acquires the tenant's mutation lock and returns its release
// function. Maintenance jobs use it to freeze a tenant's balance.
func (s *Store) Hold(ctx context.Context, tenantID string) (func(), error) {
	return s.lock(ctx, tenantID)
}

func (s *Store) lock(ctx context.Context, tenantID string) (func(), error) {
	unlock, err := s.locks.Lock(ctx, tenantID)
	if errors.Is(err, keylock.ErrTimeout) {
		return nil, credits.ErrLockTimeout
	}
	return unlock, err
}

// ==================== Account Store ====================

func (s *Store) GetAccount(_ context.Context, tenantID string) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, credits.ErrStoreClosed
	}
	a, ok := s.accounts[tenantID]
	if !ok {
		return nil, credits.ErrAccountNotFound
	}
	return a.Clone(), nil
}

func (s *Store) EnsureAccount(_ context.Context, a *account.Account) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, credits.ErrStoreClosed
	}
	if existing, ok := s.accounts[a.TenantID]; ok {
		return existing.Clone(), nil
	}
	s.accounts[a.TenantID] = a.Clone()
	return a.Clone(), nil
}

func (s *Store) SetFreeTier(_ context.Context, tenantID string, free bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[tenantID]
	if !ok {
		return credits.ErrAccountNotFound
	}
	a.FreeTier = free
	a.Touch(s.now())
	return nil
}

func (s *Store) MarkWarnings(_ context.Context, tenantID string, thresholds []account.Threshold) ([]account.Threshold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[tenantID]
	if !ok {
		return nil, credits.ErrAccountNotFound
	}
	return apply.MarkWarnings(a, thresholds, s.now()), nil
}

func (s *Store) ListDueAccounts(_ context.Context, before time.Time, limit int) ([]*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*account.Account
	for _, a := range s.accounts {
		if a.FreeTier && !a.NextGrantAt.After(before) {
			due = append(due, a.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextGrantAt.Equal(due[j].NextGrantAt) {
			return due[i].TenantID < due[j].TenantID
		}
		return due[i].NextGrantAt.Before(due[j].NextGrantAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ==================== Ledger mutations ====================

func (s *Store) Debit(ctx context.Context, req store.DebitRequest) (*transaction.Transaction, error) {
	if req.Txn == nil || req.Txn.Amount >= 0 {
		return nil, credits.ErrInvalidAmount
	}
	return s.mutate(ctx, req.Txn.TenantID, func(a *account.Account, seq int64, at time.Time) (*transaction.Transaction, error) {
		return apply.Debit(a, req.Txn, seq, at)
	})
}

func (s *Store) Credit(ctx context.Context, req store.CreditRequest) (*transaction.Transaction, error) {
	if req.Txn == nil || req.Txn.Amount <= 0 {
		return nil, credits.ErrInvalidAmount
	}
	return s.mutate(ctx, req.Txn.TenantID, func(a *account.Account, seq int64, at time.Time) (*transaction.Transaction, error) {
		return apply.Credit(a, req, seq, at)
	})
}

// mutate runs fn against a working copy of the tenant's account under the
// tenant lock and commits the copy and the returned transaction together.
func (s *Store) mutate(ctx context.Context, tenantID string, fn func(*account.Account, int64, time.Time) (*transaction.Transaction, error)) (*transaction.Transaction, error) {
	unlock, err := s.lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, credits.ErrStoreClosed
	}
	current, ok := s.accounts[tenantID]
	if !ok {
		return nil, credits.ErrAccountNotFound
	}

	working := current.Clone()
	seq := int64(len(s.transactions[tenantID])) + 1
	stored, err := fn(working, seq, s.now())
	if err != nil {
		return nil, err
	}

	s.accounts[tenantID] = working
	s.transactions[tenantID] = append(s.transactions[tenantID], stored)
	return cloneTxn(stored), nil
}

// ==================== Transaction Store ====================

func (s *Store) ListTransactions(_ context.Context, tenantID string, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return transaction.Page(s.filterLocked(tenantID, opts), opts), nil
}

func (s *Store) CountTransactions(_ context.Context, tenantID string, opts transaction.ListOpts) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.filterLocked(tenantID, opts))), nil
}

// filterLocked returns matching entries, most recent first.
func (s *Store) filterLocked(tenantID string, opts transaction.ListOpts) []*transaction.Transaction {
	all := s.transactions[tenantID]
	result := make([]*transaction.Transaction, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if opts.Matches(all[i]) {
			result = append(result, cloneTxn(all[i]))
		}
	}
	return result
}

func cloneTxn(t *transaction.Transaction) *transaction.Transaction {
	c := *t
	c.Metadata = maps.Clone(t.Metadata)
	return &c
}

// ==================== Grant Store ====================

func (s *Store) CreateGrant(_ context.Context, g *grant.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[g.ID.String()]; exists {
		return credits.ErrAlreadyExists
	}
	c := *g
	s.grants[g.ID.String()] = &c
	return nil
}

func (s *Store) GetGrant(_ context.Context, grantID id.GrantID) (*grant.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[grantID.String()]
	if !ok {
		return nil, credits.ErrGrantNotFound
	}
	c := *g
	return &c, nil
}

func (s *Store) ListGrants(_ context.Context, tenantID string, opts grant.ListOpts) ([]*grant.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	result := make([]*grant.Grant, 0)
	for _, g := range s.grants {
		if g.TenantID != tenantID {
			continue
		}
		if opts.Type != "" && g.Type != opts.Type {
			continue
		}
		if opts.Redeemable && (g.Redeemed() || g.Expired(now)) {
			continue
		}
		c := *g
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID.String() > result[j].ID.String()
	})

	return transaction.Page(result, transaction.ListOpts{Limit: opts.Limit, Offset: opts.Offset}), nil
}

func (s *Store) MarkGrantRedeemed(_ context.Context, grantID id.GrantID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantID.String()]
	if !ok {
		return credits.ErrGrantNotFound
	}
	if g.Redeemed() {
		return credits.ErrGrantRedeemed
	}
	at = at.UTC()
	g.RedeemedAt = &at
	g.Touch(at)
	return nil
}

func (s *Store) ClearGrantRedeemed(_ context.Context, grantID id.GrantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantID.String()]
	if !ok {
		return credits.ErrGrantNotFound
	}
	g.RedeemedAt = nil
	return nil
}

// ==================== Core ====================

func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return credits.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
