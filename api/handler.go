// Package api exposes the credit engine over HTTP using gorilla/mux.
//
// Every tenant-scoped route lives under {base}/tenants/{tenant}. Refusals
// that are part of normal operation map to 4xx codes: running out of credits
// is 402 Payment Required with the consume result as the body. Lock timeouts
// and unavailable stores map to 503 so callers can retry.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/transaction"
)

// DefaultBasePath prefixes every route.
const DefaultBasePath = "/credits"

// Pagination bounds for list endpoints.
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Handler serves the credit API.
type Handler struct {
	engine   *credits.Engine
	logger   *slog.Logger
	basePath string
	metrics  *Metrics
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithBasePath overrides DefaultBasePath. An empty path mounts at the root.
func WithBasePath(path string) Option {
	return func(h *Handler) { h.basePath = strings.TrimRight(path, "/") }
}

// WithMetrics instruments every route with m.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a Handler for engine.
func NewHandler(engine *credits.Engine, opts ...Option) *Handler {
	h := &Handler{
		engine:   engine,
		logger:   engine.Logger(),
		basePath: DefaultBasePath,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns a new router with every route registered.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	sub := r
	if h.basePath != "" {
		sub = r.PathPrefix(h.basePath).Subrouter()
	}
	if h.metrics != nil {
		sub.Use(h.metrics.Middleware)
	}

	// Metering
	sub.HandleFunc("/tenants/{tenant}/consume", h.Consume).Methods(http.MethodPost)

	// Balance queries
	sub.HandleFunc("/tenants/{tenant}/balance", h.GetBalance).Methods(http.MethodGet)
	sub.HandleFunc("/tenants/{tenant}/transactions", h.ListTransactions).Methods(http.MethodGet)
	sub.HandleFunc("/tenants/{tenant}/warnings", h.GetWarnings).Methods(http.MethodGet)
	sub.HandleFunc("/tenants/{tenant}/warnings", h.ApplyWarnings).Methods(http.MethodPost)
	sub.HandleFunc("/tenants/{tenant}/audit", h.Audit).Methods(http.MethodGet)

	// Credits
	sub.HandleFunc("/tenants/{tenant}/grants/free", h.GrantFree).Methods(http.MethodPost)
	sub.HandleFunc("/tenants/{tenant}/purchases", h.Purchase).Methods(http.MethodPost)
	sub.HandleFunc("/tenants/{tenant}/refunds", h.Refund).Methods(http.MethodPost)
	sub.HandleFunc("/tenants/{tenant}/bonuses", h.Bonus).Methods(http.MethodPost)
	sub.HandleFunc("/tenants/{tenant}/adjustments", h.Adjust).Methods(http.MethodPost)
	sub.HandleFunc("/tenants/{tenant}/tier", h.SetTier).Methods(http.MethodPut)

	// Promotional grants
	sub.HandleFunc("/tenants/{tenant}/promotions", h.IssuePromotion).Methods(http.MethodPost)
	sub.HandleFunc("/tenants/{tenant}/promotions", h.ListPromotions).Methods(http.MethodGet)
	sub.HandleFunc("/promotions/{grant}", h.GetPromotion).Methods(http.MethodGet)
	sub.HandleFunc("/promotions/{grant}/redeem", h.RedeemPromotion).Methods(http.MethodPost)

	sub.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
}

// ──────────────────────────────────────────────────
// Request bodies
// ──────────────────────────────────────────────────

// ConsumeRequest is the body of POST /tenants/{tenant}/consume.
type ConsumeRequest struct {
	ActionKey string                `json:"action_key"`
	Reference transaction.Reference `json:"reference,omitzero"`
}

// FreeGrantRequest is the body of POST /tenants/{tenant}/grants/free.
// A non-empty CycleID makes the grant idempotent for that cycle.
type FreeGrantRequest struct {
	Amount  int64  `json:"amount"`
	CycleID string `json:"cycle_id,omitempty"`
}

// PurchaseRequest is the body of POST /tenants/{tenant}/purchases.
type PurchaseRequest struct {
	Amount     int64  `json:"amount"`
	PaymentRef string `json:"payment_ref"`
}

// RefundRequest is the body of POST /tenants/{tenant}/refunds.
type RefundRequest struct {
	Amount      int64                 `json:"amount"`
	Reference   transaction.Reference `json:"reference,omitzero"`
	Description string                `json:"description,omitempty"`
}

// BonusRequest is the body of POST /tenants/{tenant}/bonuses.
type BonusRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
}

// AdjustRequest is the body of POST /tenants/{tenant}/adjustments.
type AdjustRequest struct {
	Delta       int64  `json:"delta"`
	Description string `json:"description"`
}

// TierRequest is the body of PUT /tenants/{tenant}/tier.
type TierRequest struct {
	FreeTier bool `json:"free_tier"`
}

// PromotionRequest is the body of POST /tenants/{tenant}/promotions.
type PromotionRequest struct {
	Amount      int64             `json:"amount"`
	Type        grant.Type        `json:"type"`
	Code        string            `json:"code,omitempty"`
	Description string            `json:"description,omitempty"`
	OneTime     bool              `json:"one_time"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ──────────────────────────────────────────────────
// Responses
// ──────────────────────────────────────────────────

// TransactionList is the body of GET /tenants/{tenant}/transactions.
type TransactionList struct {
	Transactions []*transaction.Transaction `json:"transactions"`
	Total        int64                      `json:"total"`
	Limit        int                        `json:"limit"`
	Offset       int                        `json:"offset"`
}

// WarningsResponse lists threshold percentages.
type WarningsResponse struct {
	TenantID   string `json:"tenant_id"`
	Thresholds []int  `json:"thresholds"`
}

// AuditResponse wraps an audit report with its verdict.
type AuditResponse struct {
	*credits.AuditReport
	OK bool `json:"ok"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ──────────────────────────────────────────────────
// Metering
// ──────────────────────────────────────────────────

// Consume handles POST /tenants/{tenant}/consume.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ActionKey == "" {
		h.writeError(w, "action_key is required", http.StatusBadRequest)
		return
	}

	res, err := h.engine.Consume(r.Context(), tenant(r), req.ActionKey, req.Reference)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	switch res.Reason {
	case credits.ReasonInsufficientCredits:
		status = http.StatusPaymentRequired
	case credits.ReasonUnknownAction:
		status = http.StatusUnprocessableEntity
	}
	h.writeJSON(w, status, res)
}

// ──────────────────────────────────────────────────
// Balance queries
// ──────────────────────────────────────────────────

// GetBalance handles GET /tenants/{tenant}/balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.GetBalance(r.Context(), tenant(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// ListTransactions handles GET /tenants/{tenant}/transactions.
//
// Query parameters: kind, since and until (RFC 3339), limit and offset.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	opts, err := listOpts(r)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tid := tenant(r)
	txns, err := h.engine.ListTransactions(ctx, tid, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	total, err := h.engine.CountTransactions(ctx, tid, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if txns == nil {
		txns = []*transaction.Transaction{}
	}

	h.writeJSON(w, http.StatusOK, TransactionList{
		Transactions: txns,
		Total:        total,
		Limit:        opts.Limit,
		Offset:       opts.Offset,
	})
}

// GetWarnings handles GET /tenants/{tenant}/warnings. It reports crossed
// thresholds without recording them.
func (h *Handler) GetWarnings(w http.ResponseWriter, r *http.Request) {
	crossed, err := h.engine.NotificationCheck(r.Context(), tenant(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, warnings(tenant(r), crossed))
}

// ApplyWarnings handles POST /tenants/{tenant}/warnings. It records crossed
// thresholds and notifies plugins, returning only the newly recorded ones.
func (h *Handler) ApplyWarnings(w http.ResponseWriter, r *http.Request) {
	changed, err := h.engine.ApplyWarnings(r.Context(), tenant(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, warnings(tenant(r), changed))
}

// Audit handles GET /tenants/{tenant}/audit.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Audit(r.Context(), tenant(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AuditResponse{AuditReport: report, OK: report.OK()})
}

// ──────────────────────────────────────────────────
// Credits
// ──────────────────────────────────────────────────

// GrantFree handles POST /tenants/{tenant}/grants/free.
func (h *Handler) GrantFree(w http.ResponseWriter, r *http.Request) {
	var req FreeGrantRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		txn *transaction.Transaction
		err error
	)
	if req.CycleID != "" {
		txn, err = h.engine.GrantFreeCreditsForCycle(r.Context(), tenant(r), req.Amount, req.CycleID)
	} else {
		txn, err = h.engine.GrantFreeCredits(r.Context(), tenant(r), req.Amount)
	}
	h.created(w, r, txn, err)
}

// Purchase handles POST /tenants/{tenant}/purchases.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	txn, err := h.engine.PurchaseCredits(r.Context(), tenant(r), req.Amount, req.PaymentRef)
	h.created(w, r, txn, err)
}

// Refund handles POST /tenants/{tenant}/refunds.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	txn, err := h.engine.Refund(r.Context(), tenant(r), req.Amount, req.Reference, req.Description)
	h.created(w, r, txn, err)
}

// Bonus handles POST /tenants/{tenant}/bonuses.
func (h *Handler) Bonus(w http.ResponseWriter, r *http.Request) {
	var req BonusRequest
	if !h.decode(w, r, &req) {
		return
	}
	txn, err := h.engine.Bonus(r.Context(), tenant(r), req.Amount, req.Description)
	h.created(w, r, txn, err)
}

// Adjust handles POST /tenants/{tenant}/adjustments.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	txn, err := h.engine.Adjust(r.Context(), tenant(r), req.Delta, req.Description)
	h.created(w, r, txn, err)
}

// SetTier handles PUT /tenants/{tenant}/tier.
func (h *Handler) SetTier(w http.ResponseWriter, r *http.Request) {
	var req TierRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.SetFreeTier(r.Context(), tenant(r), req.FreeTier); err != nil {
		h.fail(w, r, err)
		return
	}
	h.GetBalance(w, r)
}

// ──────────────────────────────────────────────────
// Promotional grants
// ──────────────────────────────────────────────────

// IssuePromotion handles POST /tenants/{tenant}/promotions.
func (h *Handler) IssuePromotion(w http.ResponseWriter, r *http.Request) {
	var req PromotionRequest
	if !h.decode(w, r, &req) {
		return
	}

	g := &grant.Grant{
		TenantID:    tenant(r),
		Amount:      req.Amount,
		Type:        req.Type,
		Code:        req.Code,
		Description: req.Description,
		OneTime:     req.OneTime,
		ExpiresAt:   req.ExpiresAt,
		Metadata:    req.Metadata,
	}
	if g.Type == "" {
		g.Type = grant.TypePromo
	}
	if err := h.engine.IssueGrant(r.Context(), g); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, g)
}

// ListPromotions handles GET /tenants/{tenant}/promotions.
//
// Query parameters: type, redeemable (true/false), limit and offset.
func (h *Handler) ListPromotions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := paging(q.Get("limit"), q.Get("offset"))
	if err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts := grant.ListOpts{
		Type:       grant.Type(q.Get("type")),
		Redeemable: q.Get("redeemable") == "true",
		Limit:      limit,
		Offset:     offset,
	}

	grants, err := h.engine.ListGrants(r.Context(), tenant(r), opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if grants == nil {
		grants = []*grant.Grant{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"promotions": grants,
		"limit":      limit,
		"offset":     offset,
	})
}

// GetPromotion handles GET /promotions/{grant}.
func (h *Handler) GetPromotion(w http.ResponseWriter, r *http.Request) {
	gid, ok := h.grantID(w, r)
	if !ok {
		return
	}
	g, err := h.engine.GetGrant(r.Context(), gid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, g)
}

// RedeemPromotion handles POST /promotions/{grant}/redeem.
func (h *Handler) RedeemPromotion(w http.ResponseWriter, r *http.Request) {
	gid, ok := h.grantID(w, r)
	if !ok {
		return
	}
	txn, err := h.engine.RedeemGrant(r.Context(), gid)
	h.created(w, r, txn, err)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Store().Ping(r.Context()); err != nil {
		h.writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func tenant(r *http.Request) string {
	return mux.Vars(r)["tenant"]
}

func (h *Handler) grantID(w http.ResponseWriter, r *http.Request) (id.GrantID, bool) {
	gid, err := id.ParseGrantID(mux.Vars(r)["grant"])
	if err != nil {
		h.writeError(w, "invalid grant id", http.StatusBadRequest)
		return id.Nil, false
	}
	return gid, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) created(w http.ResponseWriter, r *http.Request, txn *transaction.Transaction, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, txn)
}

// fail maps an engine error to a status code. Server-side failures are
// logged; expected refusals are not.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("credits api request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	h.writeError(w, err.Error(), status)
}

// StatusFor returns the HTTP status that represents err.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, credits.ErrInvalidInput),
		errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, credits.ErrInvalidTenant):
		return http.StatusBadRequest
	case credits.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, credits.ErrGrantCycleConsumed),
		errors.Is(err, credits.ErrGrantRedeemed),
		errors.Is(err, credits.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, credits.ErrGrantExpired):
		return http.StatusGone
	case errors.Is(err, credits.ErrUnknownAction),
		errors.Is(err, credits.ErrOverflow):
		return http.StatusUnprocessableEntity
	case credits.IsRetryable(err),
		errors.Is(err, credits.ErrStoreClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

func (h *Handler) writeError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

func warnings(tenantID string, ts []account.Threshold) WarningsResponse {
	out := WarningsResponse{TenantID: tenantID, Thresholds: make([]int, 0, len(ts))}
	for _, t := range ts {
		out.Thresholds = append(out.Thresholds, int(t))
	}
	return out
}

func listOpts(r *http.Request) (transaction.ListOpts, error) {
	q := r.URL.Query()
	var opts transaction.ListOpts

	if k := q.Get("kind"); k != "" {
		opts.Kind = transaction.Kind(k)
		if !opts.Kind.Valid() {
			return opts, errors.New("unknown kind " + k)
		}
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return opts, errors.New(p.name + " must be an RFC 3339 timestamp")
		}
		*p.dst = &t
	}

	var err error
	opts.Limit, opts.Offset, err = paging(q.Get("limit"), q.Get("offset"))
	return opts, err
}

func paging(limitStr, offsetStr string) (limit, offset int, err error) {
	limit = DefaultLimit
	if limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil {
			return 0, 0, errors.New("limit must be an integer")
		}
	}
	if limit <= 0 || limit > MaxLimit {
		limit = DefaultLimit
	}
	if offsetStr != "" {
		if offset, err = strconv.Atoi(offsetStr); err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
