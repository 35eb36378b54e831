package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(GenerationsTotal.WithLabelValues(OutcomeInterrupted))
	GenerationsTotal.WithLabelValues(OutcomeInterrupted).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(GenerationsTotal.WithLabelValues(OutcomeInterrupted)))

	AdapterTrainableParams.Set(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(AdapterTrainableParams))
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1:0")
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
