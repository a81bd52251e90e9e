package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/medibook/booking-api/pkg/circuitbreaker"
	apperrors "github.com/medibook/booking-api/pkg/errors"
	"github.com/medibook/booking-api/pkg/metrics"
)

type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	MaxRetries    uint64
}

// Client talks to the external payment gateway. Requests retry with
// exponential backoff on retryable failures and trip a circuit breaker when
// the gateway is down.
type Client struct {
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	cfg        Config
}

func NewClient(cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "payment-gateway",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		}),
		metrics: m,
		logger:  logger,
		cfg:     cfg,
	}
}

type ChargeRequest struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

type ChargeResponse struct {
	CheckoutURL string `json:"checkout_url"`
	Reference   string `json:"reference"`
}

type RefundRequest struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

// Charge opens a checkout session for the reference. The gateway reports the
// outcome asynchronously over the webhook.
func (c *Client) Charge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error) {
	var resp ChargeResponse
	if err := c.do(ctx, "charge", "/charge", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refund returns funds for a settled charge, identified by the same
// reference used when charging.
func (c *Client) Refund(ctx context.Context, req *RefundRequest) error {
	return c.do(ctx, "refund", "/refund", req, nil)
}

func (c *Client) do(ctx context.Context, op, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	operation := func() error {
		return c.breaker.Execute(func() error {
			return c.send(ctx, op, path, body, out)
		})
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries), ctx)
	err = backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if appErr, ok := apperrors.From(err); ok && !appErr.Retryable {
			return backoff.Permanent(err)
		}
		c.logger.Warn().Err(err).Str("operation", op).Msg("gateway request failed, retrying")
		return err
	}, policy)
	return err
}

func (c *Client) send(ctx context.Context, op, path string, body []byte, out interface{}) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(op, "network_error", start)
		return apperrors.Gateway("gateway unreachable", err, true)
	}
	defer resp.Body.Close()

	c.observe(op, fmt.Sprintf("%d", resp.StatusCode), start)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Gateway("malformed gateway response", err, false)
		}
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return apperrors.Gateway(fmt.Sprintf("gateway returned %d", resp.StatusCode), nil, true)
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.Gateway(fmt.Sprintf("gateway rejected %s: %s", op, string(raw)), nil, false)
	}
}

func (c *Client) observe(op, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.GatewayRequests.WithLabelValues(op, status).Inc()
	c.metrics.GatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
