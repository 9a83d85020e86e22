// Package client is a Go client for the credits HTTP API.
//
// Errors returned by the server are *APIError values. They unwrap to the
// matching credits sentinel, so errors.Is(err, credits.ErrInsufficientCredits)
// and credits.IsRetryable(err) work on the client side as well.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/api"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/transaction"
)

// DefaultTimeout bounds every request when no http.Client is supplied.
const DefaultTimeout = 10 * time.Second

// Client talks to a credits server.
type Client struct {
	baseURL string
	http    *http.Client
	headers http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithHeader adds a header to every request, for example Authorization.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// New creates a client. baseURL includes the API base path, for example
// "http://localhost:8080/credits".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx reply.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("credits api: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// Unwrap maps the status back to the engine sentinel it stands for.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusPaymentRequired:
		return credits.ErrInsufficientCredits
	case http.StatusBadRequest:
		return credits.ErrInvalidInput
	case http.StatusNotFound:
		return credits.ErrNotFound
	case http.StatusGone:
		return credits.ErrGrantExpired
	case http.StatusUnprocessableEntity:
		return credits.ErrUnknownAction
	case http.StatusServiceUnavailable:
		return credits.ErrStoreNotReady
	}
	return nil
}

// ──────────────────────────────────────────────────
// Metering
// ──────────────────────────────────────────────────

// Consume meters one action. A refusal (insufficient credits or a rejected
// unknown action) is returned as a result with OK=false, not as an error.
func (c *Client) Consume(ctx context.Context, tenantID, actionKey string, ref transaction.Reference) (*credits.ConsumeResult, error) {
	var res credits.ConsumeResult
	err := c.do(ctx, http.MethodPost, tenantPath(tenantID, "consume"), nil,
		api.ConsumeRequest{ActionKey: actionKey, Reference: ref}, &res,
		http.StatusPaymentRequired, http.StatusUnprocessableEntity)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ──────────────────────────────────────────────────
// Balance queries
// ──────────────────────────────────────────────────

// GetBalance returns the tenant's balance snapshot.
func (c *Client) GetBalance(ctx context.Context, tenantID string) (*account.Snapshot, error) {
	var snap account.Snapshot
	if err := c.do(ctx, http.MethodGet, tenantPath(tenantID, "balance"), nil, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListTransactions returns one page of history, most recent first, and the
// total number of matching entries.
func (c *Client) ListTransactions(ctx context.Context, tenantID string, opts transaction.ListOpts) (*api.TransactionList, error) {
	q := url.Values{}
	if opts.Kind != "" {
		q.Set("kind", string(opts.Kind))
	}
	if opts.Since != nil {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339Nano))
	}
	if opts.Until != nil {
		q.Set("until", opts.Until.UTC().Format(time.RFC3339Nano))
	}
	setPaging(q, opts.Limit, opts.Offset)

	var list api.TransactionList
	if err := c.do(ctx, http.MethodGet, tenantPath(tenantID, "transactions"), q, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// NotificationCheck returns the thresholds crossed but not yet recorded.
func (c *Client) NotificationCheck(ctx context.Context, tenantID string) ([]account.Threshold, error) {
	return c.warnings(ctx, http.MethodGet, tenantID)
}

// ApplyWarnings records crossed thresholds and returns the newly recorded ones.
func (c *Client) ApplyWarnings(ctx context.Context, tenantID string) ([]account.Threshold, error) {
	return c.warnings(ctx, http.MethodPost, tenantID)
}

func (c *Client) warnings(ctx context.Context, method, tenantID string) ([]account.Threshold, error) {
	var res api.WarningsResponse
	if err := c.do(ctx, method, tenantPath(tenantID, "warnings"), nil, nil, &res); err != nil {
		return nil, err
	}
	out := make([]account.Threshold, 0, len(res.Thresholds))
	for _, t := range res.Thresholds {
		out = append(out, account.Threshold(t))
	}
	return out, nil
}

// Audit replays the tenant's log on the server.
func (c *Client) Audit(ctx context.Context, tenantID string) (*api.AuditResponse, error) {
	var res api.AuditResponse
	if err := c.do(ctx, http.MethodGet, tenantPath(tenantID, "audit"), nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ──────────────────────────────────────────────────
// Credits
// ──────────────────────────────────────────────────

// GrantFreeCredits grants the free allotment. A non-empty cycleID makes the
// grant idempotent for that cycle.
func (c *Client) GrantFreeCredits(ctx context.Context, tenantID string, amount int64, cycleID string) (*transaction.Transaction, error) {
	return c.txn(ctx, tenantPath(tenantID, "grants", "free"), api.FreeGrantRequest{Amount: amount, CycleID: cycleID})
}

// PurchaseCredits records a paid top-up.
func (c *Client) PurchaseCredits(ctx context.Context, tenantID string, amount int64, paymentRef string) (*transaction.Transaction, error) {
	return c.txn(ctx, tenantPath(tenantID, "purchases"), api.PurchaseRequest{Amount: amount, PaymentRef: paymentRef})
}

// Refund credits back an amount.
func (c *Client) Refund(ctx context.Context, tenantID string, amount int64, ref transaction.Reference, description string) (*transaction.Transaction, error) {
	return c.txn(ctx, tenantPath(tenantID, "refunds"), api.RefundRequest{Amount: amount, Reference: ref, Description: description})
}

// Bonus credits a goodwill amount.
func (c *Client) Bonus(ctx context.Context, tenantID string, amount int64, description string) (*transaction.Transaction, error) {
	return c.txn(ctx, tenantPath(tenantID, "bonuses"), api.BonusRequest{Amount: amount, Description: description})
}

// Adjust applies a signed manual correction.
func (c *Client) Adjust(ctx context.Context, tenantID string, delta int64, description string) (*transaction.Transaction, error) {
	return c.txn(ctx, tenantPath(tenantID, "adjustments"), api.AdjustRequest{Delta: delta, Description: description})
}

// SetFreeTier moves the tenant onto or off the metered tier.
func (c *Client) SetFreeTier(ctx context.Context, tenantID string, free bool) (*account.Snapshot, error) {
	var snap account.Snapshot
	if err := c.do(ctx, http.MethodPut, tenantPath(tenantID, "tier"), nil, api.TierRequest{FreeTier: free}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ──────────────────────────────────────────────────
// Promotional grants
// ──────────────────────────────────────────────────

// IssuePromotion creates a promotional grant for tenantID.
func (c *Client) IssuePromotion(ctx context.Context, tenantID string, req api.PromotionRequest) (*grant.Grant, error) {
	var g grant.Grant
	if err := c.do(ctx, http.MethodPost, tenantPath(tenantID, "promotions"), nil, req, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// ListPromotions lists a tenant's promotional grants, newest first.
func (c *Client) ListPromotions(ctx context.Context, tenantID string, opts grant.ListOpts) ([]*grant.Grant, error) {
	q := url.Values{}
	if opts.Type != "" {
		q.Set("type", string(opts.Type))
	}
	if opts.Redeemable {
		q.Set("redeemable", "true")
	}
	setPaging(q, opts.Limit, opts.Offset)

	var res struct {
		Promotions []*grant.Grant `json:"promotions"`
	}
	if err := c.do(ctx, http.MethodGet, tenantPath(tenantID, "promotions"), q, nil, &res); err != nil {
		return nil, err
	}
	return res.Promotions, nil
}

// GetPromotion fetches one promotional grant.
func (c *Client) GetPromotion(ctx context.Context, grantID string) (*grant.Grant, error) {
	var g grant.Grant
	if err := c.do(ctx, http.MethodGet, "/promotions/"+url.PathEscape(grantID), nil, nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// RedeemPromotion applies a promotional grant to its tenant's balance.
func (c *Client) RedeemPromotion(ctx context.Context, grantID string) (*transaction.Transaction, error) {
	return c.txn(ctx, "/promotions/"+url.PathEscape(grantID)+"/redeem", nil)
}

// Health checks that the server and its store are reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

// ──────────────────────────────────────────────────
// Transport
// ──────────────────────────────────────────────────

func (c *Client) txn(ctx context.Context, path string, body any) (*transaction.Transaction, error) {
	var t transaction.Transaction
	if err := c.do(ctx, http.MethodPost, path, nil, body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// do sends one request. A 2xx reply, or any status listed in accept, is
// decoded into out; anything else becomes an *APIError.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any, accept ...int) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("credits api: encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("credits api: build request: %w", err)
	}
	for k, vs := range c.headers {
		req.Header[k] = vs
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("credits api: request: %w", err)
	}
	defer resp.Body.Close()

	if !accepted(resp.StatusCode, accept) {
		var e api.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16)) //nolint:errcheck // best-effort error body
		if json.Unmarshal(raw, &e) != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("credits api: decode: %w", err)
	}
	return nil
}

func accepted(status int, extra []int) bool {
	if status >= 200 && status < 300 {
		return true
	}
	for _, s := range extra {
		if s == status {
			return true
		}
	}
	return false
}

func tenantPath(tenantID string, parts ...string) string {
	return "/tenants/" + url.PathEscape(tenantID) + "/" + strings.Join(parts, "/")
}

func setPaging(q url.Values, limit, offset int) {
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
}
