// Package paystack is a client for the Paystack transaction API and its
// webhook signatures.
package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const DefaultBaseURL = "https://api.paystack.co"

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 1 << 20

type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	maxRetries uint64
	newBackOff func() backoff.BackOff
	observe    func(ctx context.Context, op string, elapsed time.Duration, err error)
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRetries sets how many times a transient verify failure is retried.
func WithRetries(n uint64) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackOff = fn
	}
}

// WithObserver registers a callback invoked after every provider call.
func WithObserver(fn func(ctx context.Context, op string, elapsed time.Duration, err error)) Option {
	return func(c *Client) {
		c.observe = fn
	}
}

func NewClient(secretKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		maxRetries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// VerifySignature checks a webhook signature against the client's secret key.
func (c *Client) VerifySignature(body []byte, signature string) bool {
	return VerifySignature(c.secretKey, body, signature)
}

type InitializeRequest struct {
	Email       string         `json:"email"`
	AmountMinor int64          `json:"amount"`
	Reference   string         `json:"reference"`
	Currency    string         `json:"currency,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type InitializeResult struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// Initialize starts a transaction. It is not retried: a timed out request may
// still have created the transaction, and the caller re-initializes with a
// fresh reference instead.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	const op = "initialize"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal initialize request: %w", err)
	}

	var result InitializeResult
	start := time.Now()
	err = c.do(ctx, op, http.MethodPost, "/transaction/initialize", body, &result)
	c.record(ctx, op, start, err)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

type Customer struct {
	Email string `json:"email"`
}

// Transaction is the provider's view of a payment. Status is the raw
// provider status ("success", "failed", "abandoned", ...).
type Transaction struct {
	ID              int64          `json:"id"`
	Status          string         `json:"status"`
	Reference       string         `json:"reference"`
	AmountMinor     int64          `json:"amount"`
	Currency        string         `json:"currency"`
	PaidAt          string         `json:"paid_at"`
	Channel         string         `json:"channel"`
	GatewayResponse string         `json:"gateway_response"`
	Customer        Customer       `json:"customer"`
	Metadata        map[string]any `json:"metadata"`
}

func (t *Transaction) CustomerEmail() string {
	return t.Customer.Email
}

// Verify fetches the definitive state of a transaction. A transaction that
// failed is returned without error; only transport and provider errors are
// reported. Transient failures are retried with exponential backoff.
func (c *Client) Verify(ctx context.Context, reference string) (*Transaction, error) {
	const op = "verify"

	if reference == "" {
		return nil, &GatewayError{Op: op, Message: "reference is required"}
	}

	path := "/transaction/verify/" + url.PathEscape(reference)
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)

	var tx Transaction
	start := time.Now()
	err := backoff.Retry(func() error {
		tx = Transaction{}
		err := c.do(ctx, op, http.MethodGet, path, nil, &tx)
		var gerr *GatewayError
		if errors.As(err, &gerr) && !gerr.Transient() {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	c.record(ctx, op, start, err)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &GatewayError{Op: op, Message: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &GatewayError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: "malformed response body"}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || !env.Status {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: "response has no data"}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: "malformed response data"}
	}
	return nil
}

func (c *Client) record(ctx context.Context, op string, start time.Time, err error) {
	if c.observe != nil {
		c.observe(ctx, op, time.Since(start), err)
	}
}
