package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/veriline/veriline/internal/config"
	"github.com/veriline/veriline/internal/provider/domain"
)

func newTestGateway(t *testing.T, handler http.Handler) domain.Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Config{}
	cfg.Provider.BaseURL = srv.URL
	cfg.Provider.APIKey = "test-key"
	cfg.Provider.CallTimeout = 2 * time.Second
	cfg.Provider.BalanceTTL = time.Minute

	return New(Params{Log: zaptest.NewLogger(t), Cfg: cfg})
}

func TestBuyNumber(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/numbers", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NotEmpty(t, r.Header.Get("X-Request-ID"))
		require.NoError(t, r.ParseForm())
		require.Equal(t, "us", r.PostForm.Get("country"))
		require.Equal(t, "telegram", r.PostForm.Get("service"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"phone_number":"+15550100","activation_id":"a-77","cost_cents":120}`))
	}))

	number, err := gw.BuyNumber(context.Background(), "us", "telegram")
	require.NoError(t, err)
	assert.Equal(t, "+15550100", number.PhoneNumber)
	assert.Equal(t, "a-77", number.ActivationID)
	assert.Equal(t, int64(120), number.Cost)
}

func TestBuyNumberRejectedByProvider(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"no_numbers_available"}`))
	}))

	_, err := gw.BuyNumber(context.Background(), "us", "telegram")
	require.Error(t, err)
	assert.Equal(t, domain.KindRejected, domain.KindOf(err))
	assert.False(t, domain.IsRetryable(err))
	assert.Contains(t, err.Error(), "no_numbers_available")
}

func TestBuyNumberServerErrorIsRetryable(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := gw.BuyNumber(context.Background(), "us", "telegram")
	require.Error(t, err)
	assert.Equal(t, domain.KindConnection, domain.KindOf(err))
	assert.True(t, domain.IsRetryable(err))
}

func TestGetCodeStates(t *testing.T) {
	status := atomic.Value{}
	status.Store(`{"status":"waiting"}`)
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/activations/a-77/code", r.URL.Path)
		w.Write([]byte(status.Load().(string)))
	}))

	_, err := gw.GetCode(context.Background(), "a-77")
	assert.ErrorIs(t, err, domain.ErrNoCode)

	status.Store(`{"status":"ok","code":"482913"}`)
	code, err := gw.GetCode(context.Background(), "a-77")
	require.NoError(t, err)
	assert.Equal(t, "482913", code)

	status.Store(`{"status":"expired"}`)
	_, err = gw.GetCode(context.Background(), "a-77")
	require.Error(t, err)
	assert.Equal(t, domain.KindRejected, domain.KindOf(err))
}

func TestCancelActivation(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/activations/a-77/cancel", r.URL.Path)
		w.Write([]byte(`{"cancelled":true}`))
	}))

	ok, err := gw.Cancel(context.Background(), "a-77")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetBalanceIsCached(t *testing.T) {
	var calls int32
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"balance_cents":123400}`))
	}))

	for i := 0; i < 3; i++ {
		balance, err := gw.GetBalance(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(123400), balance)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMissingAPIKeyIsRejectedLocally(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	t.Cleanup(srv.Close)

	cfg := config.Config{}
	cfg.Provider.BaseURL = srv.URL
	cfg.Provider.CallTimeout = time.Second
	gw := New(Params{Log: zaptest.NewLogger(t), Cfg: cfg})

	_, err := gw.BuyNumber(context.Background(), "us", "telegram")
	require.Error(t, err)
	assert.Equal(t, domain.KindRejected, domain.KindOf(err))
	assert.False(t, called)
}

func TestTimeoutClassifiedAsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Config{}
	cfg.Provider.BaseURL = srv.URL
	cfg.Provider.APIKey = "test-key"
	cfg.Provider.CallTimeout = 20 * time.Millisecond
	gw := New(Params{Log: zaptest.NewLogger(t), Cfg: cfg})

	_, err := gw.BuyNumber(context.Background(), "us", "telegram")
	require.Error(t, err)
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
	assert.True(t, domain.IsRetryable(err))
}
