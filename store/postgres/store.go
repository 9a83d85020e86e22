package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/internal/apply"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/transaction"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
//
// Every mutation runs in its own transaction that locks the tenant's account
// row with SELECT ... FOR UPDATE. The wait for that lock is bounded by
// lock_timeout; a timeout surfaces as ErrLockTimeout and the transaction is
// rolled back without writing.
type Store struct {
	db          *grove.DB
	pg          *pgdriver.PgDB
	lockTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long a mutation waits for the tenant's row lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		pg:          pgdriver.Unwrap(db),
		lockTimeout: store.DefaultLockTimeout,
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
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("credits/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("credits/postgres: migration failed: %w", err)
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
	err := s.pg.NewSelect(m).
		Where("tenant_id = $1", tenantID).
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
	m := toAccountModel(a)
	if _, err := s.pg.NewInsert(m).OnConflict("(tenant_id) DO NOTHING").Exec(ctx); err != nil {
		return nil, fmt.Errorf("credits/postgres: ensure account: %w", err)
	}
	return s.GetAccount(ctx, a.TenantID)
}

func (s *Store) SetFreeTier(ctx context.Context, tenantID string, free bool) error {
	res, err := s.pg.NewUpdate((*accountModel)(nil)).
		Set("free_tier = $1", free).
		Set("updated_at = $2", now()).
		Where("tenant_id = $3", tenantID).
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
	err := s.withAccount(ctx, tenantID, func(tx *pgdriver.PgTx, m *accountModel) error {
		a := fromAccountModel(m)
		changed = apply.MarkWarnings(a, thresholds, now())
		if len(changed) == 0 {
			return nil
		}
		next := toAccountModel(a)
		next.LastSeq = m.LastSeq
		_, err := tx.NewUpdate(next).WherePK().Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func (s *Store) ListDueAccounts(ctx context.Context, before time.Time, limit int) ([]*account.Account, error) {
	var models []accountModel
	q := s.pg.NewSelect(&models).
		Where("free_tier = TRUE").
		Where("next_grant_at <= $1", before.UTC()).
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
	err := s.withAccount(ctx, tenantID, func(tx *pgdriver.PgTx, m *accountModel) error {
		a := fromAccountModel(m)
		seq := m.LastSeq + 1

		txn, err := fn(a, seq, now())
		if err != nil {
			return err
		}

		next := toAccountModel(a)
		next.LastSeq = seq
		if _, err := tx.NewUpdate(next).WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("credits/postgres: update account: %w", err)
		}
		if _, err := tx.NewInsert(toTransactionModel(txn)).Exec(ctx); err != nil {
			return fmt.Errorf("credits/postgres: append transaction: %w", err)
		}
		stored = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// withAccount runs fn in a transaction holding the tenant's row lock and
// commits when fn returns nil.
func (s *Store) withAccount(ctx context.Context, tenantID string, fn func(*pgdriver.PgTx, *accountModel) error) error {
	tx, err := s.pg.BeginTxQuery(ctx, nil)
	if err != nil {
		return fmt.Errorf("credits/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // no-op after commit

	setTimeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if _, err := tx.NewRaw(setTimeout).Exec(ctx); err != nil {
		return fmt.Errorf("credits/postgres: set lock timeout: %w", err)
	}

	m := new(accountModel)
	err = tx.NewSelect(m).
		Where("tenant_id = $1", tenantID).
		ForUpdate().
		Scan(ctx)
	if err != nil {
		switch {
		case isNoRows(err):
			return credits.ErrAccountNotFound
		case isLockTimeout(err):
			return credits.ErrLockTimeout
		}
		return fmt.Errorf("credits/postgres: lock account: %w", err)
	}

	if err := fn(tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

// ==================== Transaction Store ====================

func (s *Store) ListTransactions(ctx context.Context, tenantID string, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	var models []transactionModel
	q := s.transactionQuery(s.pg.NewSelect(&models), tenantID, opts).
		OrderExpr("seq DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

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
	return s.transactionQuery(s.pg.NewSelect((*transactionModel)(nil)), tenantID, opts).Count(ctx)
}

func (s *Store) transactionQuery(q *pgdriver.SelectQuery, tenantID string, opts transaction.ListOpts) *pgdriver.SelectQuery {
	q = q.Where("tenant_id = $1", tenantID)

	argIdx := 1
	if opts.Kind != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("kind = $%d", argIdx), string(opts.Kind))
	}
	if opts.Since != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at >= $%d", argIdx), opts.Since.UTC())
	}
	if opts.Until != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at < $%d", argIdx), opts.Until.UTC())
	}
	return q
}

// ==================== Grant Store ====================

func (s *Store) CreateGrant(ctx context.Context, g *grant.Grant) error {
	_, err := s.pg.NewInsert(toGrantModel(g)).Exec(ctx)
	if isUniqueViolation(err) {
		return credits.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetGrant(ctx context.Context, grantID id.GrantID) (*grant.Grant, error) {
	m := new(grantModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", grantID.String()).
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
	q := s.pg.NewSelect(&models).Where("tenant_id = $1", tenantID)

	argIdx := 1
	if opts.Type != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("type = $%d", argIdx), string(opts.Type))
	}
	if opts.Redeemable {
		argIdx++
		q = q.Where("redeemed_at IS NULL").
			Where(fmt.Sprintf("(expires_at IS NULL OR expires_at > $%d)", argIdx), now())
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
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
	at = at.UTC()
	res, err := s.pg.NewUpdate((*grantModel)(nil)).
		Set("redeemed_at = $1", at).
		Set("updated_at = $2", at).
		Where("id = $3", grantID.String()).
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
	res, err := s.pg.NewUpdate((*grantModel)(nil)).
		Set("redeemed_at = NULL").
		Set("updated_at = $1", now()).
		Where("id = $2", grantID.String()).
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

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, grove.ErrNoRows)
}

// isLockTimeout reports a lock_not_available error raised by lock_timeout.
func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
