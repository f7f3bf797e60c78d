// Package stripe is a minimal client for the Stripe API surface the billing
// core needs: refunds, checkout sessions, and webhook verification. Requests
// are form-encoded per the Stripe wire format; refund calls always carry an
// idempotency key so a retried request can never double-refund.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.stripe.com/v1"

// Config holds Stripe API configuration.
type Config struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string // override for tests
	Timeout       time.Duration
}

// Client talks to the Stripe REST API.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a Stripe client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Refund is a processor refund object.
type Refund struct {
	ID          string `json:"id"`
	Status      string `json:"status"` // pending, succeeded, failed, canceled
	AmountCents int64  `json:"amount"`
	Currency    string `json:"currency"`
}

// RefundRequest describes one refund call.
type RefundRequest struct {
	PaymentIntent string
	AmountCents   int64
	Reason        string
	// IdempotencyKey makes the call safe to retry; use the internally
	// generated refund id so a duplicate request returns the same refund.
	IdempotencyKey string
	Metadata       map[string]string
}

// CreateRefund issues a (possibly partial) refund against a payment intent.
func (c *Client) CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	if strings.TrimSpace(req.PaymentIntent) == "" {
		return nil, fmt.Errorf("stripe: payment intent is required")
	}
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("stripe: refund amount must be positive")
	}

	form := url.Values{}
	form.Set("payment_intent", req.PaymentIntent)
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	if req.Reason != "" {
		form.Set("reason", req.Reason)
	}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	var refund Refund
	if err := c.do(ctx, http.MethodPost, "/refunds", form, req.IdempotencyKey, &refund); err != nil {
		return nil, err
	}

	return &refund, nil
}

// CheckoutSession is the subset of the checkout session object we read.
type CheckoutSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	PaymentIntent string `json:"payment_intent"`
	Status        string `json:"status"`
}

// CheckoutRequest describes a hosted checkout session for a credit package.
type CheckoutRequest struct {
	AmountCents int64
	Currency    string
	ProductName string
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

// CreateCheckoutSession creates a hosted payment page for one credit package.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("stripe: amount must be positive")
	}

	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", req.ProductName)
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	var session CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/checkout/sessions", form, "", &session); err != nil {
		return nil, err
	}

	return &session, nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("stripe: build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.config.SecretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("stripe: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("stripe: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("stripe: decode response: %w", err)
	}

	return nil
}

// APIError is a structured Stripe error response. It carries the HTTP status
// so circuit breaker retry classification can tell 5xx/429 from business
// rejections.
type APIError struct {
	HTTPStatus int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stripe: %s (status %d, code %q)", e.Message, e.HTTPStatus, e.Code)
}

// StatusCode implements the reliability package's status classification.
func (e *APIError) StatusCode() int { return e.HTTPStatus }

func parseAPIError(status int, body []byte) error {
	var wrapper struct {
		Error APIError `json:"error"`
	}
	apiErr := APIError{HTTPStatus: status, Message: http.StatusText(status)}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error.Message != "" {
		apiErr = wrapper.Error
		apiErr.HTTPStatus = status
	}

	return &apiErr
}
