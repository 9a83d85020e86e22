package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/internal/apply"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/transaction"
)

// Collection name constants.
const (
	colAccounts     = "credit_accounts"
	colTransactions = "credit_transactions"
	colGrants       = "credit_grants"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// errSeqConflict means another writer advanced the account between our read
// and our conditional update.
var errSeqConflict = errors.New("credits/mongo: concurrent account update")

// Store implements store.Store using MongoDB via Grove ORM.
//
// A mutation reads the account, applies the change in memory and writes the
// account (conditioned on the sequence number it read) together with the new
// transaction inside a multi-document transaction. Conflicting writers retry
// until the lock timeout elapses. Transactions require a replica set.
type Store struct {
	db          *grove.DB
	mdb         *mongodriver.MongoDB
	lockTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long a mutation keeps retrying on conflicts.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		mdb:         mongodriver.Unwrap(db),
		lockTimeout: store.DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all credit collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("credits/mongo: migrate %s indexes: %w", col, err)
		}
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
	var m accountModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": tenantID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrAccountNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get account: %w", err)
	}
	return fromAccountModel(&m), nil
}

func (s *Store) EnsureAccount(ctx context.Context, a *account.Account) (*account.Account, error) {
	_, err := s.mdb.NewInsert(toAccountModel(a)).Exec(ctx)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("credits/mongo: ensure account: %w", err)
	}
	return s.GetAccount(ctx, a.TenantID)
}

func (s *Store) SetFreeTier(ctx context.Context, tenantID string, free bool) error {
	res, err := s.mdb.NewUpdate((*accountModel)(nil)).
		Filter(bson.M{"_id": tenantID}).
		Set("free_tier", free).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("credits/mongo: set free tier: %w", err)
	}
	if res.MatchedCount() == 0 {
		return credits.ErrAccountNotFound
	}
	return nil
}

// MarkWarnings reads the account, picks the flags its balance reaches and
// sets them with one update conditioned on last_seq and on those flags still
// being clear. A balance change or a competing caller in between makes the
// update miss, and the read is repeated.
func (s *Store) MarkWarnings(ctx context.Context, tenantID string, thresholds []account.Threshold) ([]account.Threshold, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	backoff := 2 * time.Millisecond
	for {
		var m accountModel
		err := s.mdb.NewFind(&m).Filter(bson.M{"_id": tenantID}).Scan(lockCtx)
		if err != nil {
			if isNoDocuments(err) {
				return nil, credits.ErrAccountNotFound
			}
			return nil, fmt.Errorf("credits/mongo: mark warning: %w", err)
		}

		a := fromAccountModel(&m)
		changed := apply.MarkWarnings(a, thresholds, now())
		if len(changed) == 0 {
			return nil, nil
		}

		filter := bson.M{"_id": tenantID, "last_seq": m.LastSeq}
		q := s.mdb.NewUpdate((*accountModel)(nil)).Set("updated_at", a.UpdatedAt)
		for _, t := range changed {
			field := warningField(t)
			filter[field] = false
			q = q.Set(field, true)
		}
		res, err := q.Filter(filter).Exec(lockCtx)
		if err != nil {
			return nil, fmt.Errorf("credits/mongo: mark warning: %w", err)
		}
		if res.ModifiedCount() > 0 {
			return changed, nil
		}

		select {
		case <-lockCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, credits.ErrLockTimeout
		case <-time.After(backoff):
		}
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}
}

func (s *Store) ListDueAccounts(ctx context.Context, before time.Time, limit int) ([]*account.Account, error) {
	var models []accountModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"free_tier":     true,
			"next_grant_at": bson.M{"$lte": before.UTC()},
		}).
		Sort(bson.D{{Key: "next_grant_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/mongo: list due accounts: %w", err)
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
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	backoff := 2 * time.Millisecond
	for {
		stored, err := s.attempt(lockCtx, tenantID, fn)
		if !errors.Is(err, errSeqConflict) && !isTransient(err) {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, credits.ErrLockTimeout
			}
			return stored, err
		}

		select {
		case <-lockCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, credits.ErrLockTimeout
		case <-time.After(backoff):
		}
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}
}

func (s *Store) attempt(ctx context.Context, tenantID string, fn func(*account.Account, int64, time.Time) (*transaction.Transaction, error)) (*transaction.Transaction, error) {
	sess, err := s.mdb.Client().StartSession()
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	result, err := sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		accounts := s.mdb.Collection(colAccounts)

		var m accountModel
		if err := accounts.FindOne(ctx, bson.M{"_id": tenantID}).Decode(&m); err != nil {
			if isNoDocuments(err) {
				return nil, credits.ErrAccountNotFound
			}
			return nil, err
		}

		a := fromAccountModel(&m)
		seq := m.LastSeq + 1
		txn, err := fn(a, seq, now())
		if err != nil {
			return nil, err
		}

		next := toAccountModel(a)
		next.LastSeq = seq
		res, err := accounts.ReplaceOne(ctx, bson.M{"_id": tenantID, "last_seq": m.LastSeq}, next)
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, errSeqConflict
		}

		if _, err := s.mdb.Collection(colTransactions).InsertOne(ctx, toTransactionModel(txn)); err != nil {
			return nil, fmt.Errorf("credits/mongo: append transaction: %w", err)
		}
		return txn, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*transaction.Transaction), nil //nolint:forcetypeassert // the callback returns a transaction on success
}

// ==================== Transaction Store ====================

func (s *Store) ListTransactions(ctx context.Context, tenantID string, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	var models []transactionModel

	q := s.mdb.NewFind(&models).
		Filter(transactionFilter(tenantID, opts)).
		Sort(bson.D{{Key: "seq", Value: -1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/mongo: list transactions: %w", err)
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
	var models []transactionModel
	n, err := s.mdb.NewFind(&models).
		Filter(transactionFilter(tenantID, opts)).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("credits/mongo: count transactions: %w", err)
	}
	return n, nil
}

func transactionFilter(tenantID string, opts transaction.ListOpts) bson.M {
	filter := bson.M{"tenant_id": tenantID}
	if opts.Kind != "" {
		filter["kind"] = string(opts.Kind)
	}
	created := bson.M{}
	if opts.Since != nil {
		created["$gte"] = opts.Since.UTC()
	}
	if opts.Until != nil {
		created["$lt"] = opts.Until.UTC()
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}
	return filter
}

// ==================== Grant Store ====================

func (s *Store) CreateGrant(ctx context.Context, g *grant.Grant) error {
	_, err := s.mdb.NewInsert(toGrantModel(g)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return credits.ErrAlreadyExists
		}
		return fmt.Errorf("credits/mongo: create grant: %w", err)
	}
	return nil
}

func (s *Store) GetGrant(ctx context.Context, grantID id.GrantID) (*grant.Grant, error) {
	var m grantModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": grantID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrGrantNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get grant: %w", err)
	}
	return fromGrantModel(&m)
}

func (s *Store) ListGrants(ctx context.Context, tenantID string, opts grant.ListOpts) ([]*grant.Grant, error) {
	var models []grantModel

	filter := bson.M{"tenant_id": tenantID}
	if opts.Type != "" {
		filter["type"] = string(opts.Type)
	}
	if opts.Redeemable {
		filter["redeemed_at"] = nil
		filter["$or"] = bson.A{
			bson.M{"expires_at": bson.M{"$exists": false}},
			bson.M{"expires_at": bson.M{"$gt": now()}},
		}
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "_id", Value: -1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/mongo: list grants: %w", err)
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
	res, err := s.mdb.NewUpdate((*grantModel)(nil)).
		Filter(bson.M{"_id": grantID.String(), "redeemed_at": nil}).
		Set("redeemed_at", at).
		Set("updated_at", at).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("credits/mongo: redeem grant: %w", err)
	}
	if res.MatchedCount() == 0 {
		if _, err := s.GetGrant(ctx, grantID); err != nil {
			return err
		}
		return credits.ErrGrantRedeemed
	}
	return nil
}

func (s *Store) ClearGrantRedeemed(ctx context.Context, grantID id.GrantID) error {
	res, err := s.mdb.NewUpdate((*grantModel)(nil)).
		Filter(bson.M{"_id": grantID.String()}).
		Set("redeemed_at", nil).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("credits/mongo: release grant: %w", err)
	}
	if res.MatchedCount() == 0 {
		return credits.ErrGrantNotFound
	}
	return nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// isTransient reports errors labelled for a transaction retry.
func isTransient(err error) bool {
	var le mongo.LabeledError
	return errors.As(err, &le) && le.HasErrorLabel("TransientTransactionError")
}

func warningField(t account.Threshold) string {
	switch t {
	case account.Threshold25:
		return "warnings.at_25"
	case account.Threshold10:
		return "warnings.at_10"
	case account.Threshold5:
		return "warnings.at_5"
	case account.Threshold0:
		return "warnings.at_0"
	}
	return ""
}

// migrationIndexes returns the index definitions for all credit collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colAccounts: {
			{Keys: bson.D{{Key: "free_tier", Value: 1}, {Key: "next_grant_at", Value: 1}}},
		},
		colTransactions: {
			{
				Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "seq", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "kind", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "ref_type", Value: 1}, {Key: "ref_id", Value: 1}}},
		},
		colGrants: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "_id", Value: -1}}},
			{Keys: bson.D{{Key: "code", Value: 1}}},
		},
	}
}
