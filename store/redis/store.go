// Package redis implements the credits store on Redis. Balance checks and
// updates run as Lua scripts, so every debit or credit together with its log
// entry is applied atomically by the server without client-side locks.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "credits"

// Store implements store.Store on a Redis client.
//
// The mutation scripts touch both a tenant's keys and the shared due index,
// so the store needs a single primary (standalone or Sentinel). Redis
// Cluster would reject those scripts with CROSSSLOT.
//
// Keys:
//
//	<prefix>:{tenant}:acct    hash of account fields
//	<prefix>:{tenant}:txns    list of log entries, index = seq-1
//	<prefix>:{tenant}:grants  set of grant IDs
//	<prefix>:grant:<id>       grant JSON
//	<prefix>:grant:<id>:used  redemption marker (SETNX)
//	<prefix>:due              zset of free-tier tenants scored by next grant
type Store struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store on client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Migrate preloads the Lua scripts.
func (s *Store) Migrate(ctx context.Context) error {
	for _, sc := range []*goredis.Script{ensureAccountScript, setFreeTierScript, markWarningsScript, debitScript, creditScript} {
		if err := sc.Load(ctx, s.client).Err(); err != nil {
			return fmt.Errorf("credits/redis: load script: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// ==================== Keys ====================

func (s *Store) accountKey(tenantID string) string {
	return s.prefix + ":{" + tenantID + "}:acct"
}

func (s *Store) txnsKey(tenantID string) string {
	return s.prefix + ":{" + tenantID + "}:txns"
}

func (s *Store) tenantGrantsKey(tenantID string) string {
	return s.prefix + ":{" + tenantID + "}:grants"
}

func (s *Store) grantKey(grantID string) string {
	return s.prefix + ":grant:" + grantID
}

func (s *Store) grantUsedKey(grantID string) string {
	return s.prefix + ":grant:" + grantID + ":used"
}

func (s *Store) dueKey() string {
	return s.prefix + ":due"
}

// ==================== Account Store ====================

func (s *Store) GetAccount(ctx context.Context, tenantID string) (*account.Account, error) {
	fields, err := s.client.HGetAll(ctx, s.accountKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("credits/redis: get account: %w", err)
	}
	if len(fields) == 0 {
		return nil, credits.ErrAccountNotFound
	}
	return decodeAccount(tenantID, fields)
}

func (s *Store) EnsureAccount(ctx context.Context, a *account.Account) (*account.Account, error) {
	args := []any{a.TenantID, boolFlag(a.FreeTier), micros(a.NextGrantAt)}
	args = append(args, encodeAccount(a)...)

	keys := []string{s.accountKey(a.TenantID), s.dueKey()}
	if err := ensureAccountScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return nil, fmt.Errorf("credits/redis: ensure account: %w", err)
	}
	return s.GetAccount(ctx, a.TenantID)
}

func (s *Store) SetFreeTier(ctx context.Context, tenantID string, free bool) error {
	keys := []string{s.accountKey(tenantID), s.dueKey()}
	n, err := setFreeTierScript.Run(ctx, s.client, keys, tenantID, boolFlag(free), micros(s.now())).Int64()
	if err != nil {
		return fmt.Errorf("credits/redis: set free tier: %w", err)
	}
	if n == statusNoAccount {
		return credits.ErrAccountNotFound
	}
	return nil
}

func (s *Store) MarkWarnings(ctx context.Context, tenantID string, thresholds []account.Threshold) ([]account.Threshold, error) {
	args := []any{micros(s.now())}
	for _, t := range thresholds {
		if f := warningField(t); f != "" {
			args = append(args, f, int(t))
		}
	}

	reply, err := markWarningsScript.Run(ctx, s.client, []string{s.accountKey(tenantID)}, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("credits/redis: mark warnings: %w", err)
	}
	if status, _ := reply[0].(int64); status == statusNoAccount {
		return nil, credits.ErrAccountNotFound
	}

	var changed []account.Threshold
	for _, v := range reply[1:] {
		name, _ := v.(string)
		for _, t := range account.Thresholds {
			if warningField(t) == name {
				changed = append(changed, t)
			}
		}
	}
	return changed, nil
}

func (s *Store) ListDueAccounts(ctx context.Context, before time.Time, limit int) ([]*account.Account, error) {
	by := &goredis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(micros(before), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	tenants, err := s.client.ZRangeByScore(ctx, s.dueKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("credits/redis: list due accounts: %w", err)
	}

	result := make([]*account.Account, 0, len(tenants))
	for _, tenantID := range tenants {
		a, err := s.GetAccount(ctx, tenantID)
		if errors.Is(err, credits.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, nil
}

// ==================== Ledger mutations ====================

func (s *Store) Debit(ctx context.Context, req store.DebitRequest) (*transaction.Transaction, error) {
	txn := req.Txn
	if txn == nil || txn.Amount >= 0 {
		return nil, credits.ErrInvalidAmount
	}
	amount, err := types.SubCredits(0, txn.Amount)
	if err != nil {
		return nil, err
	}

	stored, payload, err := s.prepare(txn)
	if err != nil {
		return nil, err
	}

	keys := []string{s.accountKey(txn.TenantID), s.txnsKey(txn.TenantID)}
	reply, err := debitScript.Run(ctx, s.client, keys, amount, micros(s.now()), payload).Slice()
	if err != nil {
		return nil, fmt.Errorf("credits/redis: debit: %w", err)
	}
	return finish(stored, reply)
}

func (s *Store) Credit(ctx context.Context, req store.CreditRequest) (*transaction.Transaction, error) {
	txn := req.Txn
	if txn == nil || txn.Amount <= 0 {
		return nil, credits.ErrInvalidAmount
	}

	stored, payload, err := s.prepare(txn)
	if err != nil {
		return nil, err
	}

	reset, cycleID, next := "0", "", int64(0)
	if c := req.Cycle; c != nil {
		reset, cycleID, next = "1", c.ID, micros(c.NextGrantAt)
	}

	keys := []string{s.accountKey(txn.TenantID), s.txnsKey(txn.TenantID), s.dueKey()}
	headroom := strconv.FormatInt(math.MaxInt64-txn.Amount, 10)
	reply, err := creditScript.Run(ctx, s.client, keys,
		txn.Amount, micros(s.now()), payload, reset, cycleID, next, txn.TenantID, headroom,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("credits/redis: credit: %w", err)
	}
	return finish(stored, reply)
}

// prepare fills the fields known before the script runs and encodes the
// entry. Seq and BalanceAfter are assigned by the script.
func (s *Store) prepare(txn *transaction.Transaction) (*transaction.Transaction, string, error) {
	stored := *txn
	if stored.ID.IsNil() {
		stored.ID = id.NewTransactionID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.CreatedAt = stored.CreatedAt.UTC()

	b, err := json.Marshal(&stored)
	if err != nil {
		return nil, "", fmt.Errorf("credits/redis: encode transaction: %w", err)
	}
	return &stored, string(b), nil
}

func finish(stored *transaction.Transaction, raw []any) (*transaction.Transaction, error) {
	reply := make([]int64, 3)
	for i := 0; i < len(raw) && i < len(reply); i++ {
		switch v := raw[i].(type) {
		case int64:
			reply[i] = v
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("credits/redis: script reply %q: %w", v, err)
			}
			reply[i] = n
		default:
			return nil, fmt.Errorf("credits/redis: unexpected script reply %v", raw)
		}
	}

	switch reply[0] {
	case statusOK:
		stored.BalanceAfter = reply[1]
		stored.Seq = reply[2]
		return stored, nil
	case statusInsufficient:
		return nil, credits.ErrInsufficientCredits
	case statusNoAccount:
		return nil, credits.ErrAccountNotFound
	case statusCycleUsed:
		return nil, credits.ErrGrantCycleConsumed
	case statusOverflow:
		return nil, credits.ErrOverflow
	}
	return nil, fmt.Errorf("credits/redis: unexpected script status %d", reply[0])
}

// ==================== Transaction Store ====================

func (s *Store) ListTransactions(ctx context.Context, tenantID string, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	key := s.txnsKey(tenantID)

	if opts.Kind == "" && opts.Since == nil && opts.Until == nil {
		// Unfiltered: page directly from the tail of the list.
		stop := int64(-1 - opts.Offset)
		start := int64(0)
		if opts.Limit > 0 {
			start = stop - int64(opts.Limit) + 1
		}
		n, err := s.client.LLen(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("credits/redis: list transactions: %w", err)
		}
		if int64(opts.Offset) >= n {
			return []*transaction.Transaction{}, nil
		}
		if opts.Limit <= 0 || -start > n {
			start = -n
		}
		raw, err := s.client.LRange(ctx, key, start, stop).Result()
		if err != nil {
			return nil, fmt.Errorf("credits/redis: list transactions: %w", err)
		}
		return decodeEntries(raw, transaction.ListOpts{})
	}

	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("credits/redis: list transactions: %w", err)
	}
	matched, err := decodeEntries(raw, opts)
	if err != nil {
		return nil, err
	}
	return transaction.Page(matched, opts), nil
}

func (s *Store) CountTransactions(ctx context.Context, tenantID string, opts transaction.ListOpts) (int64, error) {
	if opts.Kind == "" && opts.Since == nil && opts.Until == nil {
		return s.client.LLen(ctx, s.txnsKey(tenantID)).Result()
	}
	raw, err := s.client.LRange(ctx, s.txnsKey(tenantID), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("credits/redis: count transactions: %w", err)
	}
	matched, err := decodeEntries(raw, opts)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

// decodeEntries parses raw list entries (oldest first) and returns those
// matching opts, most recent first.
func decodeEntries(raw []string, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	result := make([]*transaction.Transaction, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		t, err := decodeEntry(raw[i])
		if err != nil {
			return nil, err
		}
		if opts.Matches(t) {
			result = append(result, t)
		}
	}
	return result, nil
}

// decodeEntry parses "seq|balance_after|json".
func decodeEntry(raw string) (*transaction.Transaction, error) {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("credits/redis: malformed log entry")
	}
	seq, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("credits/redis: malformed log entry seq: %w", err)
	}
	balance, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("credits/redis: malformed log entry balance: %w", err)
	}

	t := new(transaction.Transaction)
	if err := json.Unmarshal([]byte(parts[2]), t); err != nil {
		return nil, fmt.Errorf("credits/redis: decode transaction: %w", err)
	}
	t.Seq = seq
	t.BalanceAfter = balance
	return t, nil
}

// ==================== Grant Store ====================

func (s *Store) CreateGrant(ctx context.Context, g *grant.Grant) error {
	stored := *g
	stored.RedeemedAt = nil
	b, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("credits/redis: encode grant: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.grantKey(g.ID.String()), b, 0).Result()
	if err != nil {
		return fmt.Errorf("credits/redis: create grant: %w", err)
	}
	if !ok {
		return credits.ErrAlreadyExists
	}
	if g.RedeemedAt != nil {
		if err := s.client.Set(ctx, s.grantUsedKey(g.ID.String()), micros(*g.RedeemedAt), 0).Err(); err != nil {
			return fmt.Errorf("credits/redis: create grant: %w", err)
		}
	}
	return s.client.SAdd(ctx, s.tenantGrantsKey(g.TenantID), g.ID.String()).Err()
}

func (s *Store) GetGrant(ctx context.Context, grantID id.GrantID) (*grant.Grant, error) {
	vals, err := s.client.MGet(ctx, s.grantKey(grantID.String()), s.grantUsedKey(grantID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("credits/redis: get grant: %w", err)
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, credits.ErrGrantNotFound
	}

	g := new(grant.Grant)
	if err := json.Unmarshal([]byte(raw), g); err != nil {
		return nil, fmt.Errorf("credits/redis: decode grant: %w", err)
	}
	if used, ok := vals[1].(string); ok {
		us, err := strconv.ParseInt(used, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("credits/redis: decode grant redemption: %w", err)
		}
		at := time.UnixMicro(us).UTC()
		g.RedeemedAt = &at
	}
	return g, nil
}

func (s *Store) ListGrants(ctx context.Context, tenantID string, opts grant.ListOpts) ([]*grant.Grant, error) {
	ids, err := s.client.SMembers(ctx, s.tenantGrantsKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("credits/redis: list grants: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	now := s.now()
	result := make([]*grant.Grant, 0, len(ids))
	for _, raw := range ids {
		grantID, err := id.ParseGrantID(raw)
		if err != nil {
			return nil, err
		}
		g, err := s.GetGrant(ctx, grantID)
		if errors.Is(err, credits.ErrGrantNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if opts.Type != "" && g.Type != opts.Type {
			continue
		}
		if opts.Redeemable && (g.Redeemed() || g.Expired(now)) {
			continue
		}
		result = append(result, g)
	}
	return transaction.Page(result, transaction.ListOpts{Limit: opts.Limit, Offset: opts.Offset}), nil
}

func (s *Store) MarkGrantRedeemed(ctx context.Context, grantID id.GrantID, at time.Time) error {
	n, err := s.client.Exists(ctx, s.grantKey(grantID.String())).Result()
	if err != nil {
		return fmt.Errorf("credits/redis: redeem grant: %w", err)
	}
	if n == 0 {
		return credits.ErrGrantNotFound
	}

	ok, err := s.client.SetNX(ctx, s.grantUsedKey(grantID.String()), micros(at), 0).Result()
	if err != nil {
		return fmt.Errorf("credits/redis: redeem grant: %w", err)
	}
	if !ok {
		return credits.ErrGrantRedeemed
	}
	return nil
}

func (s *Store) ClearGrantRedeemed(ctx context.Context, grantID id.GrantID) error {
	n, err := s.client.Exists(ctx, s.grantKey(grantID.String())).Result()
	if err != nil {
		return fmt.Errorf("credits/redis: release grant: %w", err)
	}
	if n == 0 {
		return credits.ErrGrantNotFound
	}
	return s.client.Del(ctx, s.grantUsedKey(grantID.String())).Err()
}

// ==================== Encoding ====================

func encodeAccount(a *account.Account) []any {
	return []any{
		"balance", a.Balance,
		"lifetime_earned", a.LifetimeEarned,
		"lifetime_spent", a.LifetimeSpent,
		"initial_balance", a.InitialBalance,
		"free_tier", boolFlag(a.FreeTier),
		"next_grant_at", micros(a.NextGrantAt),
		"last_grant_amount", a.LastGrantAmount,
		"last_grant_cycle", a.LastGrantCycle,
		"warned_25", boolFlag(a.Warnings.At25),
		"warned_10", boolFlag(a.Warnings.At10),
		"warned_5", boolFlag(a.Warnings.At5),
		"warned_0", boolFlag(a.Warnings.At0),
		"last_seq", 0,
		"created_at", micros(a.CreatedAt),
		"updated_at", micros(a.UpdatedAt),
	}
}

func decodeAccount(tenantID string, f map[string]string) (*account.Account, error) {
	var errs credits.MultiError
	num := func(key string) int64 {
		v, err := strconv.ParseInt(f[key], 10, 64)
		if err != nil {
			errs.Add(fmt.Errorf("field %s: %w", key, err))
		}
		return v
	}

	a := &account.Account{
		Entity: types.Entity{
			CreatedAt: fromMicros(num("created_at")),
			UpdatedAt: fromMicros(num("updated_at")),
		},
		TenantID:        tenantID,
		Balance:         num("balance"),
		LifetimeEarned:  num("lifetime_earned"),
		LifetimeSpent:   num("lifetime_spent"),
		InitialBalance:  num("initial_balance"),
		FreeTier:        f["free_tier"] == "1",
		NextGrantAt:     fromMicros(num("next_grant_at")),
		LastGrantAmount: num("last_grant_amount"),
		LastGrantCycle:  f["last_grant_cycle"],
		Warnings: account.WarningFlags{
			At25: f["warned_25"] == "1",
			At10: f["warned_10"] == "1",
			At5:  f["warned_5"] == "1",
			At0:  f["warned_0"] == "1",
		},
	}
	if err := errs.ErrOrNil(); err != nil {
		return nil, fmt.Errorf("credits/redis: decode account %s: %w", tenantID, err)
	}
	return a, nil
}

func warningField(t account.Threshold) string {
	switch t {
	case account.Threshold25:
		return "warned_25"
	case account.Threshold10:
		return "warned_10"
	case account.Threshold5:
		return "warned_5"
	case account.Threshold0:
		return "warned_0"
	}
	return ""
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
