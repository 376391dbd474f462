package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kshalu/fraudscope/internal/policy"
	"github.com/kshalu/fraudscope/internal/transaction"
)

func testTx() *transaction.Transaction {
	return &transaction.Transaction{
		ID:               "tx-1",
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		AccountID:        "acct-1",
		Amount:           decimal.RequireFromString("42.50"),
		Currency:         "USD",
		MerchantCategory: "5411",
		Channel:          transaction.ChannelOnline,
	}
}

func TestScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/score", r.URL.Path)
		assert.Equal(t, "merchant-7", r.Header.Get("X-Client-ID"))

		var tx transaction.Transaction
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&tx))
		assert.Equal(t, "tx-1", tx.ID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"decision":{"transactionId":"tx-1","outcome":"allow","score":0.1,"reasonCodes":[]},"riskPoints":100,"auditId":"aud_1","stream":2,"sequence":7}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithClientID("merchant-7"))
	res, err := c.Score(context.Background(), testTx())
	require.NoError(t, err)
	assert.Equal(t, policy.Allow, res.Decision.Outcome)
	assert.Equal(t, "aud_1", res.AuditID)
	assert.Equal(t, 2, res.Stream)
	assert.Equal(t, int64(7), res.Sequence)
}

func TestScore_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"invalid_transaction","message":"amount must be positive"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Score(context.Background(), testTx())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "invalid_transaction", apiErr.Code)
}

func TestRetriesAfterRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"total":3,"flagged":1}`))
	}))
	defer srv.Close()

	stats, err := New(srv.URL).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate_limited","message":"slow down"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.MaxRetries = 1
	_, err := c.Stats(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryAfterCapped(t *testing.T) {
	c := New("http://unused")
	c.MaxBackoff = 2 * time.Second

	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After", "30")
	assert.Equal(t, 2*time.Second, c.retryAfter(resp))

	resp.Header.Set("Retry-After", "soon")
	assert.Equal(t, time.Second, c.retryAfter(resp))
}

func TestVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audit/3/verify", r.URL.Path)
		_, _ = w.Write([]byte(`{"report":{"stream":3,"records":5,"headSequence":5,"valid":true}}`))
	}))
	defer srv.Close()

	report, err := New(srv.URL).Verify(context.Background(), 3)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.Records)
}

func TestActivateModel_SendsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models/baseline-v2/activate", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"version":"baseline-v2","kind":"baseline","loaded":true,"active":true}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).ActivateModel(context.Background(), "baseline-v2")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	info, err := New(srv.URL, WithAdminToken("s3cret")).ActivateModel(context.Background(), "baseline-v2")
	require.NoError(t, err)
	assert.True(t, info.Active)
}
