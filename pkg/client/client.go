// Package client is a Go client for the fraudscope HTTP API. Requests that
// hit the rate limiter are retried after the server's Retry-After delay.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kshalu/fraudscope/internal/audit"
	"github.com/kshalu/fraudscope/internal/model"
	"github.com/kshalu/fraudscope/internal/pipeline"
	"github.com/kshalu/fraudscope/internal/policy"
	"github.com/kshalu/fraudscope/internal/transaction"
)

// Client calls a fraudscope server.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// ClientID is sent as X-Client-ID and keys the server's rate limiter.
	ClientID string
	// AdminToken authorizes model activation.
	AdminToken string
	MaxRetries int           // Retries after a 429 (default: 2)
	MaxBackoff time.Duration // Cap on a single Retry-After wait (default: 5s)
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

func WithClientID(id string) Option { return func(c *Client) { c.ClientID = id } }

func WithAdminToken(token string) Option { return func(c *Client) { c.AdminToken = token } }

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		MaxRetries: 2,
		MaxBackoff: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fraudscope: %d %s: %s", e.Status, e.Code, e.Message)
}

// ReplayRequest selects a stored decision by record or transaction id.
// Nil Thresholds replays under the server's current policy.
type ReplayRequest struct {
	RecordID      string             `json:"recordId,omitempty"`
	TransactionID string             `json:"transactionId,omitempty"`
	Thresholds    *policy.Thresholds `json:"thresholds,omitempty"`
}

// Score submits a transaction and returns the committed decision. A
// degraded decision is a successful response with FailureKind set.
func (c *Client) Score(ctx context.Context, tx *transaction.Transaction) (*pipeline.Result, error) {
	var res pipeline.Result
	if err := c.call(ctx, http.MethodPost, "/v1/score", tx, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Replay(ctx context.Context, req ReplayRequest) (*pipeline.ReplayResult, error) {
	var res pipeline.ReplayResult
	if err := c.call(ctx, http.MethodPost, "/v1/replay", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Stats(ctx context.Context) (*pipeline.StatsSnapshot, error) {
	var res pipeline.StatsSnapshot
	if err := c.call(ctx, http.MethodGet, "/v1/stats", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Verify asks the server to walk one audit stream.
func (c *Client) Verify(ctx context.Context, stream int) (*audit.Report, error) {
	var res struct {
		Report audit.Report `json:"report"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/audit/"+strconv.Itoa(stream)+"/verify", nil, &res); err != nil {
		return nil, err
	}
	return &res.Report, nil
}

func (c *Client) ActivateModel(ctx context.Context, version string) (*model.Info, error) {
	var res model.Info
	if err := c.call(ctx, http.MethodPost, "/v1/models/"+version+"/activate", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.ClientID != "" {
			req.Header.Set("X-Client-ID", c.ClientID)
		}
		if c.AdminToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.AdminToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < c.MaxRetries {
			wait := c.retryAfter(resp)
			_ = resp.Body.Close()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		return decode(resp, out)
	}
}

func (c *Client) retryAfter(resp *http.Response) time.Duration {
	wait := time.Second
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
		wait = time.Duration(secs) * time.Second
	}
	return min(wait, c.MaxBackoff)
}

func decode(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		if apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
