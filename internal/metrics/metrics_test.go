package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/requiem-go/requiem/internal/metrics"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() {
		metrics.Register(reg)
		metrics.Register(reg) // second call must not panic on AlreadyRegisteredError
	})
}

func TestCountersAreObservable(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	metrics.PacketsDropped.WithLabelValues("invalid_token").Inc()
	metrics.RetriesSent.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
