package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Decisions.WithLabelValues("send", OutcomeDeny).Inc()
	m.Decisions.WithLabelValues("send", OutcomeDeny).Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("send", OutcomeDeny)))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRegisterRingDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	var drops uint64 = 3
	RegisterRingDrops(reg, "audit", func() uint64 { return drops })

	n, err := testutil.GatherAndCount(reg, "ocx_channel_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// nil registerer is a no-op
	RegisterRingDrops(nil, "audit", func() uint64 { return 0 })
}
