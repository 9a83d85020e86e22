package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/api"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/transaction"
)

var registry = cost.MustStaticRegistry(
	cost.Entry{ActionKey: "order.create", Name: "Create order", Cost: 100, Category: cost.CategoryOrders, Active: true},
	cost.Entry{ActionKey: "inventory.view", Name: "View inventory", Cost: 0, Category: cost.CategoryInventory, Active: true},
)

type fixture struct {
	engine *credits.Engine
	store  *memory.Store
	router *mux.Router
}

func setup(t *testing.T, opts ...credits.Option) *fixture {
	t.Helper()
	s := memory.New(memory.WithLockTimeout(20 * time.Millisecond))
	opts = append([]credits.Option{
		credits.WithDefaultBalance(150),
		credits.WithLogger(slog.New(slog.DiscardHandler)),
	}, opts...)
	e := credits.New(s, registry, opts...)
	return &fixture{engine: e, store: s, router: api.NewHandler(e).Router()}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/credits"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestRegisterRoutes(t *testing.T) {
	f := setup(t)

	routes := []struct {
		path   string
		method string
	}{
		{"/credits/tenants/acme/consume", http.MethodPost},
		{"/credits/tenants/acme/balance", http.MethodGet},
		{"/credits/tenants/acme/transactions", http.MethodGet},
		{"/credits/tenants/acme/warnings", http.MethodGet},
		{"/credits/tenants/acme/warnings", http.MethodPost},
		{"/credits/tenants/acme/audit", http.MethodGet},
		{"/credits/tenants/acme/grants/free", http.MethodPost},
		{"/credits/tenants/acme/purchases", http.MethodPost},
		{"/credits/tenants/acme/refunds", http.MethodPost},
		{"/credits/tenants/acme/bonuses", http.MethodPost},
		{"/credits/tenants/acme/adjustments", http.MethodPost},
		{"/credits/tenants/acme/tier", http.MethodPut},
		{"/credits/tenants/acme/promotions", http.MethodPost},
		{"/credits/tenants/acme/promotions", http.MethodGet},
		{"/credits/promotions/grant_x", http.MethodGet},
		{"/credits/promotions/grant_x/redeem", http.MethodPost},
		{"/credits/healthz", http.MethodGet},
	}
	for _, route := range routes {
		req := httptest.NewRequest(route.method, route.path, nil)
		match := &mux.RouteMatch{}
		assert.True(t, f.router.Match(req, match), "route %s %s not registered", route.method, route.path)
	}
}

func TestConsume(t *testing.T) {
	f := setup(t)

	rr := f.do(t, http.MethodPost, "/tenants/acme/consume", api.ConsumeRequest{
		ActionKey: "order.create",
		Reference: transaction.Reference{ID: "ord_1", Type: "order"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[credits.ConsumeResult](t, rr)
	assert.True(t, res.OK)
	assert.Equal(t, int64(100), res.Cost)
	assert.Equal(t, int64(50), res.Balance)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, "ord_1", res.Transaction.Reference.ID)

	rr = f.do(t, http.MethodPost, "/tenants/acme/consume", api.ConsumeRequest{ActionKey: "order.create"})
	require.Equal(t, http.StatusPaymentRequired, rr.Code)
	res = decode[credits.ConsumeResult](t, rr)
	assert.False(t, res.OK)
	assert.Equal(t, credits.ReasonInsufficientCredits, res.Reason)
	assert.Equal(t, int64(50), res.Balance)
}

func TestConsumeValidation(t *testing.T) {
	f := setup(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing action", api.ConsumeRequest{}},
		{"unknown field", map[string]any{"action_key": "order.create", "extra": 1}},
		{"not json", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/tenants/acme/consume", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "Bad Request", decode[api.ErrorResponse](t, rr).Error)
		})
	}
}

func TestConsumeUnknownActionFailClosed(t *testing.T) {
	f := setup(t, credits.WithUnknownActionPolicy(cost.UnknownFailClosed))

	rr := f.do(t, http.MethodPost, "/tenants/acme/consume", api.ConsumeRequest{ActionKey: "nope"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, credits.ReasonUnknownAction, decode[credits.ConsumeResult](t, rr).Reason)
}

func TestConsumeLockTimeout(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SetFreeTier(ctx, "acme", true))

	release, err := f.store.Hold(ctx, "acme")
	require.NoError(t, err)
	defer release()

	rr := f.do(t, http.MethodPost, "/tenants/acme/consume", api.ConsumeRequest{ActionKey: "order.create"})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestBalanceOfUnknownTenant(t *testing.T) {
	f := setup(t)

	rr := f.do(t, http.MethodGet, "/tenants/ghost/balance", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	snap := decode[credits.Snapshot](t, rr)
	assert.Equal(t, int64(150), snap.Balance)
	assert.False(t, snap.Exists)
}

func TestCreditsAndHistory(t *testing.T) {
	f := setup(t)

	rr := f.do(t, http.MethodPost, "/tenants/acme/purchases", api.PurchaseRequest{Amount: 500, PaymentRef: "pi_1"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	txn := decode[transaction.Transaction](t, rr)
	assert.Equal(t, transaction.KindPurchase, txn.Kind)
	assert.Equal(t, int64(650), txn.BalanceAfter)

	rr = f.do(t, http.MethodPost, "/tenants/acme/refunds", api.RefundRequest{Amount: 25, Description: "late delivery"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(t, http.MethodPost, "/tenants/acme/bonuses", api.BonusRequest{Amount: 5})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(t, http.MethodPost, "/tenants/acme/adjustments", api.AdjustRequest{Delta: -1000, Description: "too much"})
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)

	rr = f.do(t, http.MethodPost, "/tenants/acme/purchases", api.PurchaseRequest{Amount: 0})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/tenants/acme/transactions?limit=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[api.TransactionList](t, rr)
	assert.Equal(t, int64(3), list.Total)
	require.Len(t, list.Transactions, 2)
	assert.Equal(t, transaction.KindBonus, list.Transactions[0].Kind)

	rr = f.do(t, http.MethodGet, "/tenants/acme/transactions?kind=purchase", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(1), decode[api.TransactionList](t, rr).Total)

	rr = f.do(t, http.MethodGet, "/tenants/acme/audit", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	audit := decode[api.AuditResponse](t, rr)
	assert.True(t, audit.OK)
	assert.Equal(t, int64(680), audit.Balance)
}

func TestTransactionQueryErrors(t *testing.T) {
	f := setup(t)

	for _, q := range []string{"kind=bogus", "since=yesterday", "limit=x", "offset=-1"} {
		t.Run(q, func(t *testing.T) {
			rr := f.do(t, http.MethodGet, "/tenants/acme/transactions?"+q, nil)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestFreeGrantCycle(t *testing.T) {
	f := setup(t)

	body := api.FreeGrantRequest{Amount: 1000, CycleID: "2026-03"}
	rr := f.do(t, http.MethodPost, "/tenants/acme/grants/free", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/tenants/acme/grants/free", body)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodGet, "/tenants/acme/balance", nil)
	assert.Equal(t, int64(1150), decode[credits.Snapshot](t, rr).Balance)
}

func TestWarnings(t *testing.T) {
	f := setup(t, credits.WithAutoWarnings(false))

	rr := f.do(t, http.MethodPost, "/tenants/acme/consume", api.ConsumeRequest{ActionKey: "order.create"})
	require.Equal(t, http.StatusOK, rr.Code)

	// 50 of 150 is 33%.
	rr = f.do(t, http.MethodGet, "/tenants/acme/warnings", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[api.WarningsResponse](t, rr).Thresholds)

	rr = f.do(t, http.MethodPost, "/tenants/acme/adjustments", api.AdjustRequest{Delta: -40, Description: "correction"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(t, http.MethodGet, "/tenants/acme/warnings", nil)
	assert.Equal(t, []int{25, 10}, decode[api.WarningsResponse](t, rr).Thresholds)

	rr = f.do(t, http.MethodPost, "/tenants/acme/warnings", nil)
	assert.Equal(t, []int{25, 10}, decode[api.WarningsResponse](t, rr).Thresholds)

	rr = f.do(t, http.MethodGet, "/tenants/acme/warnings", nil)
	assert.Empty(t, decode[api.WarningsResponse](t, rr).Thresholds)
}

func TestPromotions(t *testing.T) {
	f := setup(t)

	rr := f.do(t, http.MethodPost, "/tenants/acme/promotions", api.PromotionRequest{
		Amount:  200,
		Code:    "WELCOME",
		OneTime: true,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	g := decode[grant.Grant](t, rr)
	assert.Equal(t, grant.TypePromo, g.Type)

	path := "/promotions/" + g.ID.String()
	rr = f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodPost, path+"/redeem", nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, int64(350), decode[transaction.Transaction](t, rr).BalanceAfter)

	rr = f.do(t, http.MethodPost, path+"/redeem", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodGet, "/tenants/acme/promotions?redeemable=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[map[string]json.RawMessage](t, rr)
	assert.JSONEq(t, "[]", string(list["promotions"]))

	rr = f.do(t, http.MethodPost, "/promotions/not-an-id/redeem", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestExpiredPromotion(t *testing.T) {
	f := setup(t)
	past := time.Now().Add(-time.Hour)

	rr := f.do(t, http.MethodPost, "/tenants/acme/promotions", api.PromotionRequest{
		Amount:    10,
		Type:      grant.TypeCompensation,
		ExpiresAt: &past,
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	g := decode[grant.Grant](t, rr)

	rr = f.do(t, http.MethodPost, "/promotions/"+g.ID.String()+"/redeem", nil)
	assert.Equal(t, http.StatusGone, rr.Code)
}

func TestSetTier(t *testing.T) {
	f := setup(t)

	rr := f.do(t, http.MethodPut, "/tenants/acme/tier", api.TierRequest{FreeTier: false})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[credits.Snapshot](t, rr).IsFreeTier)

	// Paid tenants are not metered.
	rr = f.do(t, http.MethodPost, "/tenants/acme/consume", api.ConsumeRequest{ActionKey: "order.create"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, decode[credits.ConsumeResult](t, rr).Transaction)
}

func TestHealth(t *testing.T) {
	f := setup(t)

	rr := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	require.NoError(t, f.store.Close())
	rr = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{credits.ErrInsufficientCredits, http.StatusPaymentRequired},
		{credits.ErrInvalidAmount, http.StatusBadRequest},
		{credits.ValidationError{Field: "type", Message: "bad"}, http.StatusBadRequest},
		{credits.ErrGrantNotFound, http.StatusNotFound},
		{credits.ErrGrantCycleConsumed, http.StatusConflict},
		{credits.ErrGrantRedeemed, http.StatusConflict},
		{credits.ErrGrantExpired, http.StatusGone},
		{credits.ErrOverflow, http.StatusUnprocessableEntity},
		{fmt.Errorf("credits/postgres: debit: %w", credits.ErrLockTimeout), http.StatusServiceUnavailable},
		{credits.ErrStoreClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, api.StatusFor(tt.err))
		})
	}
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := credits.New(memory.New(), registry, credits.WithLogger(slog.New(slog.DiscardHandler)))
	router := api.NewHandler(e, api.WithMetrics(api.NewMetrics(reg)), api.WithBasePath("/v1")).Router()

	for range 3 {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/tenants/acme/balance", nil))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	n, err := testutil.GatherAndCount(reg, "credits_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "credits_http_requests_total" {
			continue
		}
		m := mf.GetMetric()[0]
		assert.InDelta(t, 3, m.GetCounter().GetValue(), 0)
		labels := map[string]string{}
		for _, l := range m.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		assert.Equal(t, "/v1/tenants/{tenant}/balance", labels["route"])
		assert.Equal(t, "200", labels["code"])
	}
}
