package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

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

// Store implements store.Store using SQLite via Grove ORM.
//
// SQLite has no row locks, so mutations of one tenant are serialized in
// process by a per-tenant lock with a bounded wait. The account update is
// also conditioned on the sequence number it read; a writer from another
// process that got there first turns the attempt into ErrLockTimeout.
type Store struct {
	db    *grove.DB
	sdb   *sqlitedriver.SqliteDB
	locks *keylock.Locker
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long a mutation waits for the tenant lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.locks = keylock.New(d) }
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		sdb:   sqlitedriver.Unwrap(db),
		locks: keylock.New(store.DefaultLockTimeout),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("credits/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("credits/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Account Store ====================

func (s *Store) GetAccount(ctx context.Context, tenantID string) (*account.Account, error) {
	m := new(accountModel)
	err := s.sdb.NewSelect(m).
		Where("tenant_id = ?", tenantID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrAccountNotFound
		}
		return nil, err
	}
	return fromAccountModel(m), nil
}

func (s *Store) EnsureAccount(ctx context.Context, a *account.Account) (*account.Account, error) {
	if _, err := s.sdb.NewInsert(toAccountModel(a)).OnConflict("(tenant_id) DO NOTHING").Exec(ctx); err != nil {
		return nil, fmt.Errorf("credits/sqlite: ensure account: %w", err)
	}
	return s.GetAccount(ctx, a.TenantID)
}

func (s *Store) SetFreeTier(ctx context.Context, tenantID string, free bool) error {
	res, err := s.sdb.NewUpdate((*accountModel)(nil)).
		Set("free_tier = ?", free).
		Set("updated_at = ?", nowMicros()).
		Where("tenant_id = ?", tenantID).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return credits.ErrAccountNotFound
	}
	return nil
}

func (s *Store) MarkWarnings(ctx context.Context, tenantID string, thresholds []account.Threshold) ([]account.Threshold, error) {
	var changed []account.Threshold
	err := s.withAccount(ctx, tenantID, func(tx *sqlitedriver.SqliteTx, m *accountModel) error {
		a := fromAccountModel(m)
		changed = apply.MarkWarnings(a, thresholds, time.Now().UTC())
		if len(changed) == 0 {
			return nil
		}
		return updateAccount(ctx, tx, a, m.LastSeq, m.LastSeq)
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func (s *Store) ListDueAccounts(ctx context.Context, before time.Time, limit int) ([]*account.Account, error) {
	var models []accountModel
	q := s.sdb.NewSelect(&models).
		Where("free_tier = 1").
		Where("next_grant_at <= ?", toMicros(before)).
		OrderExpr("next_grant_at ASC, tenant_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*account.Account, len(models))
	for i := range models {
		result[i] = fromAccountModel(&models[i])
	}
	return result, nil
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

func (s *Store) mutate(ctx context.Context, tenantID string, fn func(*account.Account, int64, time.Time) (*transaction.Transaction, error)) (*transaction.Transaction, error) {
	var stored *transaction.Transaction
	err := s.withAccount(ctx, tenantID, func(tx *sqlitedriver.SqliteTx, m *accountModel) error {
		a := fromAccountModel(m)
		seq := m.LastSeq + 1

		txn, err := fn(a, seq, time.Now().UTC())
		if err != nil {
			return err
		}
		if err := updateAccount(ctx, tx, a, m.LastSeq, seq); err != nil {
			return err
		}
		if _, err := tx.NewInsert(toTransactionModel(txn)).Exec(ctx); err != nil {
			return fmt.Errorf("credits/sqlite: append transaction: %w", err)
		}
		stored = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// withAccount runs fn in a transaction while holding the tenant lock and
// commits when fn returns nil.
func (s *Store) withAccount(ctx context.Context, tenantID string, fn func(*sqlitedriver.SqliteTx, *accountModel) error) error {
	unlock, err := s.locks.Lock(ctx, tenantID)
	if errors.Is(err, keylock.ErrTimeout) {
		return credits.ErrLockTimeout
	}
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := s.sdb.BeginTxQuery(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return credits.ErrLockTimeout
		}
		return fmt.Errorf("credits/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	m := new(accountModel)
	err = tx.NewSelect(m).
		Where("tenant_id = ?", tenantID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return credits.ErrAccountNotFound
		}
		return err
	}

	if err := fn(tx, m); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return credits.ErrLockTimeout
		}
		return err
	}
	return nil
}

// updateAccount writes a back, provided the row still carries readSeq.
func updateAccount(ctx context.Context, tx *sqlitedriver.SqliteTx, a *account.Account, readSeq, nextSeq int64) error {
	next := toAccountModel(a)
	next.LastSeq = nextSeq

	res, err := tx.NewUpdate(next).
		WherePK().
		Where("last_seq = ?", readSeq).
		Exec(ctx)
	if err != nil {
		if isBusy(err) {
			return credits.ErrLockTimeout
		}
		return fmt.Errorf("credits/sqlite: update account: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return credits.ErrLockTimeout
	}
	return nil
}

// ==================== Transaction Store ====================

func (s *Store) ListTransactions(ctx context.Context, tenantID string, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	var models []transactionModel
	q := transactionQuery(s.sdb.NewSelect(&models), tenantID, opts).
		OrderExpr("seq DESC")
	q = paginate(q, opts.Limit, opts.Offset)

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*transaction.Transaction, len(models))
	for i := range models {
		t, err := fromTransactionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = t
	}
	return result, nil
}

func (s *Store) CountTransactions(ctx context.Context, tenantID string, opts transaction.ListOpts) (int64, error) {
	return transactionQuery(s.sdb.NewSelect((*transactionModel)(nil)), tenantID, opts).Count(ctx)
}

func transactionQuery(q *sqlitedriver.SelectQuery, tenantID string, opts transaction.ListOpts) *sqlitedriver.SelectQuery {
	q = q.Where("tenant_id = ?", tenantID)
	if opts.Kind != "" {
		q = q.Where("kind = ?", string(opts.Kind))
	}
	if opts.Since != nil {
		q = q.Where("created_at >= ?", toMicros(*opts.Since))
	}
	if opts.Until != nil {
		q = q.Where("created_at < ?", toMicros(*opts.Until))
	}
	return q
}

// paginate applies LIMIT and OFFSET. SQLite only accepts OFFSET after a
// LIMIT, and the driver drops non-positive limits, so an offset alone gets
// the largest limit SQLite allows.
func paginate(q *sqlitedriver.SelectQuery, limit, offset int) *sqlitedriver.SelectQuery {
	if limit <= 0 && offset > 0 {
		limit = math.MaxInt64
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	return q
}

// ==================== Grant Store ====================

func (s *Store) CreateGrant(ctx context.Context, g *grant.Grant) error {
	_, err := s.sdb.NewInsert(toGrantModel(g)).Exec(ctx)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return credits.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetGrant(ctx context.Context, grantID id.GrantID) (*grant.Grant, error) {
	m := new(grantModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", grantID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrGrantNotFound
		}
		return nil, err
	}
	return fromGrantModel(m)
}

func (s *Store) ListGrants(ctx context.Context, tenantID string, opts grant.ListOpts) ([]*grant.Grant, error) {
	var models []grantModel
	q := s.sdb.NewSelect(&models).Where("tenant_id = ?", tenantID)
	if opts.Type != "" {
		q = q.Where("type = ?", string(opts.Type))
	}
	if opts.Redeemable {
		q = q.Where("redeemed_at IS NULL").
			Where("(expires_at IS NULL OR expires_at > ?)", nowMicros())
	}
	q = paginate(q, opts.Limit, opts.Offset)
	q = q.OrderExpr("id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*grant.Grant, len(models))
	for i := range models {
		g, err := fromGrantModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = g
	}
	return result, nil
}

func (s *Store) MarkGrantRedeemed(ctx context.Context, grantID id.GrantID, at time.Time) error {
	us := toMicros(at)
	res, err := s.sdb.NewUpdate((*grantModel)(nil)).
		Set("redeemed_at = ?", us).
		Set("updated_at = ?", us).
		Where("id = ?", grantID.String()).
		Where("redeemed_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetGrant(ctx, grantID); err != nil {
			return err
		}
		return credits.ErrGrantRedeemed
	}
	return nil
}

func (s *Store) ClearGrantRedeemed(ctx context.Context, grantID id.GrantID) error {
	res, err := s.sdb.NewUpdate((*grantModel)(nil)).
		Set("redeemed_at = NULL").
		Set("updated_at = ?", nowMicros()).
		Where("id = ?", grantID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return credits.ErrGrantNotFound
	}
	return nil
}

// ==================== Helpers ====================

func nowMicros() int64 {
	return time.Now().UnixMicro()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, grove.ErrNoRows)
}

// isBusy reports SQLITE_BUSY / SQLITE_LOCKED raised when another connection
// holds the write lock past the busy timeout.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
