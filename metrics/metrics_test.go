package metrics

import (
	"testing"

	"github.com/cowprotocol/watchtower/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestOrderSubmittedIncrementsPerChain(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OrderSubmitted(1)
	m.OrderSubmitted(1)
	m.OrderSubmitted(2)

	assert.Equal(t, float64(2), counterValue(t, m.orderSubmitted.WithLabelValues(types.ChainId(1).String())))
	assert.Equal(t, float64(1), counterValue(t, m.orderSubmitted.WithLabelValues(types.ChainId(2).String())))
}

func TestOrderSubmitFailedLabelsByErrorType(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OrderSubmitFailed(1, "QuoteNotFound")
	m.OrderSubmitFailed(1, "QuoteNotFound")
	m.OrderSubmitFailed(1, "TooManyLimitOrders")

	assert.Equal(t, float64(2), counterValue(t, m.orderSubmitFailed.WithLabelValues(types.ChainId(1).String(), "QuoteNotFound")))
	assert.Equal(t, float64(1), counterValue(t, m.orderSubmitFailed.WithLabelValues(types.ChainId(1).String(), "TooManyLimitOrders")))
}

func TestReorgDetectedAddsDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ReorgDetected(1, 3)
	m.ReorgDetected(1, 2)

	assert.Equal(t, float64(5), counterValue(t, m.reorgDetected.WithLabelValues(types.ChainId(1).String())))
}
