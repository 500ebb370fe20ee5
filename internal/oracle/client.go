// Package oracle is the client for the external token cost oracle: the
// service that estimates how many tokens a piece of text costs to process
// under a given model, and what those tokens are worth. The escrow engine
// uses the estimate to size its lock; when the oracle is unreachable the
// orchestrator falls back to the task's explicit payment amount.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/circuitbreaker"
)

// Estimate is the oracle's answer for (text, model).
type Estimate struct {
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens,omitempty"`
	TotalTokens      int64           `json:"total_tokens"`
	UnitPrice        decimal.Decimal `json:"unit_price"` // price per token in the settlement asset
}

// TokenCostOracle is the interface the escrow engine consumes. Both calls
// are idempotent and safe to retry.
type TokenCostOracle interface {
	Estimate(ctx context.Context, text, model string) (*Estimate, error)
	Cost(ctx context.Context, model string, promptTokens, completionTokens int64) (decimal.Decimal, error)
}

// EscrowTotal applies the escrow buffer to an estimate:
// ceil(total_tokens × (1 + buffer)) × unit_price. buffer is a fraction in
// [0, 0.5]; out-of-range values are clamped.
func EscrowTotal(e *Estimate, buffer float64) decimal.Decimal {
	if buffer < 0 {
		buffer = 0
	}
	if buffer > 0.5 {
		buffer = 0.5
	}
	buffered := decimal.NewFromInt(e.TotalTokens).
		Mul(decimal.NewFromFloat(1 + buffer)).
		Ceil()
	return buffered.Mul(e.UnitPrice)
}

// Client talks to the oracle over HTTP/JSON. Transient failures are retried
// with exponential backoff and the whole client sits behind a circuit
// breaker, so a dead oracle degrades to fast failures rather than stalled
// escrow creation.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *log.Logger

	retries      int
	initialDelay time.Duration
}

// NewClient creates the client. baseURL empty is allowed; every call then
// fails with UPSTREAM_UNAVAILABLE and the orchestrator takes its fallback.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		http:         &http.Client{Timeout: 10 * time.Second},
		breaker:      circuitbreaker.New(circuitbreaker.DefaultConfig("token-oracle")),
		logger:       log.New(log.Writer(), "[Oracle] ", log.LstdFlags),
		retries:      3,
		initialDelay: 200 * time.Millisecond,
	}
}

// WithRetries overrides the retry budget (used by the orchestrator to pass
// through options.retry_count).
func (c *Client) WithRetries(n int) *Client {
	if n >= 0 {
		c.retries = n
	}
	return c
}

type estimateRequest struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

type costRequest struct {
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

type costResponse struct {
	Amount decimal.Decimal `json:"amount"`
}

func (c *Client) Estimate(ctx context.Context, text, model string) (*Estimate, error) {
	var out Estimate
	if err := c.post(ctx, "/v1/estimate", estimateRequest{Text: text, Model: model}, &out); err != nil {
		return nil, err
	}
	if out.TotalTokens <= 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return &out, nil
}

func (c *Client) Cost(ctx context.Context, model string, promptTokens, completionTokens int64) (decimal.Decimal, error) {
	var out costResponse
	if err := c.post(ctx, "/v1/cost", costRequest{
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Amount, nil
}

// post sends one JSON request with retry/backoff under the breaker.
// Backoff: initial 200ms, factor 2, jitter ±25%.
func (c *Client) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
	if c.baseURL == "" {
		return apierr.New(apierr.CodeUpstreamUnavailable, "token oracle not configured")
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return apierr.Wrap(apierr.CodeInternal, "encode oracle request", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.logger.Printf("retrying %s (attempt %d/%d) after %v", path, attempt, c.retries, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return apierr.Wrap(apierr.CodeUpstreamUnavailable, "oracle call cancelled", ctx.Err())
			}
		}

		lastErr = c.breaker.Execute(func() error {
			return c.doOnce(ctx, path, payload, respBody)
		})
		if lastErr == nil {
			return nil
		}
		if apierr.CodeOf(lastErr) != apierr.CodeUpstreamUnavailable {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, path string, payload []byte, respBody interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apierr.Wrap(apierr.CodeInternal, "build oracle request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.CodeUpstreamUnavailable, "oracle unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return apierr.Wrap(apierr.CodeUpstreamUnavailable, "decode oracle response", err)
		}
		return nil
	case resp.StatusCode >= 500:
		return apierr.Newf(apierr.CodeUpstreamUnavailable, "oracle returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized:
		return apierr.New(apierr.CodeInternal, "oracle rejected credentials")
	default:
		return apierr.Newf(apierr.CodeValidation, "oracle rejected request with %d", resp.StatusCode)
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	base := float64(c.initialDelay) * math.Pow(2, float64(attempt-1))
	jitter := 0.75 + rand.Float64()*0.5 // ±25%
	return time.Duration(base * jitter)
}
