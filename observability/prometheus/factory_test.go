package prometheus_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits/observability"
	promfactory "github.com/xraph/credits/observability/prometheus"
)

func TestCounterNames(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := promfactory.New(reg)

	c := f.Counter("credits.grants.issued")
	c.Inc()
	c.Add(2)

	expected := `
# HELP credits_grants_issued_total Credit ledger counter credits.grants.issued
# TYPE credits_grants_issued_total counter
credits_grants_issued_total 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "credits_grants_issued_total"))
}

func TestSameNameReturnsSameCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := promfactory.New(reg)

	f.Counter("credits.consumed").Add(5)
	f.Counter("credits.consumed").Add(5)

	// A second factory on the same registry reuses the registered counter.
	promfactory.New(reg).Counter("credits.consumed").Inc()

	n, err := testutil.GatherAndCount(reg, "credits_consumed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 1)
	assert.InDelta(t, 11, mfs[0].GetMetric()[0].GetCounter().GetValue(), 0)
}

func TestHistogramBuckets(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := promfactory.New(reg, promfactory.WithBuckets([]float64{10, 100}))

	h := f.Histogram("credits.action.cost")
	h.Observe(5)
	h.Observe(50)
	h.Observe(500)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 1)
	assert.Equal(t, "credits_action_cost", mfs[0].GetName())

	hist := mfs[0].GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(3), hist.GetSampleCount())
	require.Len(t, hist.GetBucket(), 2)
	assert.Equal(t, uint64(1), hist.GetBucket()[0].GetCumulativeCount())
	assert.Equal(t, uint64(2), hist.GetBucket()[1].GetCumulativeCount())
}

func TestMetricsExtensionRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	observability.NewMetricsExtension(promfactory.New(reg))

	// Unobserved collectors still export a series: 14 counters, 2 histograms.
	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
}
