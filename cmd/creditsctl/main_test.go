package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/api"
	"github.com/xraph/credits/client"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/store/memory"
)

func newServerURL(t *testing.T) string {
	t.Helper()
	reg := cost.MustStaticRegistry(
		cost.Entry{ActionKey: "order.create", Name: "Create order", Cost: 100, Category: cost.CategoryOrders, Active: true},
	)
	e := credits.New(memory.New(), reg,
		credits.WithDefaultBalance(150),
		credits.WithAutoWarnings(false),
		credits.WithLogger(slog.New(slog.DiscardHandler)),
	)
	srv := httptest.NewServer(api.NewHandler(e).Router())
	t.Cleanup(srv.Close)
	return srv.URL + api.DefaultBasePath
}

func run(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := newRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--server", server}, args...))
	err := root.Execute()
	return buf.String(), err
}

func TestBalanceAndConsume(t *testing.T) {
	server := newServerURL(t)

	out, err := run(t, server, "balance", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "TENANT:")
	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "150")

	out, err = run(t, server, "consume", "acme", "order.create", "--ref-id", "ord_1", "--ref-type", "order")
	require.NoError(t, err)
	assert.Contains(t, out, "OK:")
	assert.Contains(t, out, "true")
	assert.Contains(t, out, "50")

	out, err = run(t, server, "consume", "acme", "order.create")
	require.ErrorIs(t, err, errRefused)
	assert.Contains(t, out, "insufficient_credits")
}

func TestCreditCommands(t *testing.T) {
	server := newServerURL(t)

	_, err := run(t, server, "grant", "acme", "500", "--cycle", "2026-10")
	require.NoError(t, err)

	_, err = run(t, server, "grant", "acme", "500", "--cycle", "2026-10")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 409, apiErr.Status)

	_, err = run(t, server, "purchase", "acme", "250")
	assert.ErrorContains(t, err, "payment-ref")

	_, err = run(t, server, "purchase", "acme", "250", "--payment-ref", "pi_1")
	require.NoError(t, err)

	_, err = run(t, server, "refund", "acme", "10", "--description", "late delivery")
	require.NoError(t, err)

	_, err = run(t, server, "bonus", "acme", "5")
	require.NoError(t, err)

	out, err := run(t, server, "adjust", "acme", "--delta=-15", "--reason", "duplicate charge")
	require.NoError(t, err)
	assert.Contains(t, out, "adjustment")
	assert.Contains(t, out, "-15")

	_, err = run(t, server, "bonus", "acme", "-5")
	assert.Error(t, err)

	out, err = run(t, server, "-o", "json", "transactions", "acme", "--limit", "2")
	require.NoError(t, err)
	var list api.TransactionList
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, int64(5), list.Total)
	assert.Len(t, list.Transactions, 2)

	out, err = run(t, server, "transactions", "acme", "--kind", "purchase")
	require.NoError(t, err)
	assert.Contains(t, out, "Showing 1 of 1")

	_, err = run(t, server, "transactions", "acme", "--kind", "gift")
	assert.Error(t, err)

	out, err = run(t, server, "audit", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "900")
}

func TestWarningsCommand(t *testing.T) {
	server := newServerURL(t)

	// 150 -> 50 is 33% of the opening balance, so nothing is due yet.
	_, err := run(t, server, "consume", "acme", "order.create")
	require.NoError(t, err)
	out, err := run(t, server, "warnings", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "No warnings due")

	_, err = run(t, server, "adjust", "acme", "--delta=-40", "--reason", "test")
	require.NoError(t, err)

	out, err = run(t, server, "-o", "json", "warnings", "acme", "--apply")
	require.NoError(t, err)
	var res api.WarningsResponse
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, []int{25, 10}, res.Thresholds)

	out, err = run(t, server, "warnings", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "No warnings due")
}

func TestTierCommand(t *testing.T) {
	server := newServerURL(t)

	out, err := run(t, server, "-o", "yaml", "tier", "acme", "paid")
	require.NoError(t, err)
	assert.Contains(t, out, "is_free_tier: false")

	_, err = run(t, server, "tier", "acme", "gold")
	assert.Error(t, err)
}

func TestPromoCommands(t *testing.T) {
	server := newServerURL(t)

	out, err := run(t, server, "-o", "json", "promo", "issue", "acme", "75", "--code", "WELCOME", "--expires-in", "24h")
	require.NoError(t, err)
	var g grant.Grant
	require.NoError(t, json.Unmarshal([]byte(out), &g))
	assert.Equal(t, grant.TypePromo, g.Type)
	require.NotNil(t, g.ExpiresAt)

	out, err = run(t, server, "promo", "list", "acme", "--redeemable")
	require.NoError(t, err)
	assert.Contains(t, out, "WELCOME")

	out, err = run(t, server, "promo", "get", g.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, g.ID.String())

	out, err = run(t, server, "promo", "redeem", g.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "225")

	_, err = run(t, server, "promo", "redeem", g.ID.String())
	assert.Error(t, err)

	out, err = run(t, server, "promo", "list", "acme", "--redeemable")
	require.NoError(t, err)
	assert.Equal(t, "No promotions found.\n", out)
}

func TestHealthCommand(t *testing.T) {
	server := newServerURL(t)

	out, err := run(t, server, "health")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	_, err = run(t, "http://127.0.0.1:1/credits", "health", "--timeout", "200ms")
	assert.Error(t, err)
}

func TestOutputFormats(t *testing.T) {
	server := newServerURL(t)

	_, err := run(t, server, "-o", "xml", "balance", "acme")
	assert.ErrorContains(t, err, "unknown output format")

	out, err := run(t, server, "-o", "json", "balance", "acme")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"tenant_id": "acme"`)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1", 1, false},
		{"2500", 2500, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseAmount(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
