package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHandlerExposesCounters(t *testing.T) {
	Decisions.WithLabelValues("deny", "masquerade").Inc()
	EventsDecoded.WithLabelValues("Permission").Add(2)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `fanguard_policy_decisions_total{decision="deny",rule="masquerade"}`)
	assert.Contains(t, string(body), `fanguard_fanotify_events_total{variant="Permission"}`)
}

func TestCounterValues(t *testing.T) {
	before := testutil.ToFloat64(FlushFailures)
	FlushFailures.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(FlushFailures))
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", zap.NewNop()) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeBadAddress(t *testing.T) {
	assert.Error(t, Serve(context.Background(), "not-an-address", zap.NewNop()))
}
