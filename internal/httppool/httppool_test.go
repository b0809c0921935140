package httppool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cctelegram/mcp-bridge/internal/config"
	"github.com/cctelegram/mcp-bridge/internal/logging"
	"github.com/cctelegram/mcp-bridge/internal/resilience"
)

func testPool(t *testing.T) *Pool {
	t.Helper()
	cfg := config.Default()
	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
	})
	retry := resilience.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	p := New(cfg.HTTP, retry, breakers, logging.NewNop())
	t.Cleanup(p.CloseIdle)
	return p
}

func TestGetJSONDecodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","uptime_seconds":12}`))
	}))
	defer srv.Close()

	p := testPool(t)
	var out struct {
		Status string  `json:"status"`
		Uptime float64 `json:"uptime_seconds"`
	}
	require.NoError(t, p.GetJSON(context.Background(), PurposeHealth, srv.URL, &out))
	assert.Equal(t, "healthy", out.Status)
	assert.Equal(t, float64(12), out.Uptime)

	stats := p.Stats()["health"]
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Zero(t, stats.Errors)
}

func TestGetRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := testPool(t)
	status, _, err := p.Get(context.Background(), PurposeStatus, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := testPool(t)
	status, _, err := p.Get(context.Background(), PurposeDefault, srv.URL)
	require.NoError(t, err, "4xx is a result, not a transport failure")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, int32(1), hits.Load())
}

func TestBreakerOpensPerClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := testPool(t)
	ctx := context.Background()

	// Threshold 3: each Get exhausts retries then records one breaker failure.
	for i := 0; i < 3; i++ {
		_, _, err := p.Get(ctx, PurposeHealth, srv.URL)
		require.Error(t, err)
	}

	_, _, err := p.Get(ctx, PurposeHealth, srv.URL)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)

	// Other classes are unaffected.
	_, _, err = p.Get(ctx, PurposeStatus, srv.URL)
	require.Error(t, err)
	assert.NotErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestUnknownPurposeFallsBackToDefault(t *testing.T) {
	p := testPool(t)
	assert.Same(t, p.Client(PurposeDefault), p.Client(Purpose("nope")))
}
