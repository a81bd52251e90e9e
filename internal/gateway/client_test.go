package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/medibook/booking-api/pkg/errors"
)

func newTestClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL:    baseURL,
		APIKey:     "test-key",
		MaxRetries: 1,
	}, nil, zerolog.Nop())
}

func TestChargeDecodesCheckout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/charge", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req ChargeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "bk-abc", req.Reference)

		json.NewEncoder(w).Encode(ChargeResponse{
			CheckoutURL: "https://pay.example/bk-abc",
			Reference:   req.Reference,
		})
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).Charge(context.Background(), &ChargeRequest{
		Amount:    5000,
		Currency:  "USD",
		Reference: "bk-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/bk-abc", resp.CheckoutURL)
	assert.Equal(t, "bk-abc", resp.Reference)
}

func TestServerErrorRetriesThenFails(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Refund(context.Background(), &RefundRequest{Reference: "bk-abc", Amount: 5000})
	require.Error(t, err)

	appErr, ok := apperrors.From(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrGateway, appErr.Code)
	assert.True(t, appErr.Retryable)
	// Initial attempt plus one retry.
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestClientErrorDoesNotRetry(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		http.Error(w, "unknown reference", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Refund(context.Background(), &RefundRequest{Reference: "bk-missing"})
	require.Error(t, err)

	appErr, ok := apperrors.From(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrGateway, appErr.Code)
	assert.False(t, appErr.Retryable)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Refund(context.Background(), &RefundRequest{Reference: "bk-abc", Amount: 5000})
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}
