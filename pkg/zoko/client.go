// Package zoko provides a client for the Zoko WhatsApp CRM API: paginated
// customer directory reads and per-customer message history.
package zoko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Direction tells which side of the conversation sent a message.
type Direction string

const (
	DirectionFromCustomer Direction = "FROM_CUSTOMER"
	DirectionFromStore    Direction = "FROM_STORE"
)

// MessageKind is the payload type of a message.
type MessageKind string

const (
	KindImage MessageKind = "image"
	KindText  MessageKind = "text"
	KindOther MessageKind = "other"
)

// Customer is one entry in the remote customer directory. ChannelID is the
// raw phone-like WhatsApp identifier; it arrives in whatever format the
// customer's device reported and must be normalized before comparison.
type Customer struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	ChannelID            string     `json:"channelId"`
	LastInboundMessageAt *time.Time `json:"lastInboundMessageAt,omitempty"`
}

// CustomerPage is one page of the customer directory.
type CustomerPage struct {
	Customers  []Customer `json:"customers"`
	TotalPages int        `json:"totalPages"`
	TotalCount int        `json:"totalCount"`
}

// Message is a single conversation event for a customer.
type Message struct {
	CustomerID string      `json:"customerId"`
	MessageID  string      `json:"messageId"`
	Direction  Direction   `json:"direction"`
	Kind       MessageKind `json:"type"`
	MediaURL   string      `json:"mediaUrl,omitempty"`
	FileURL    string      `json:"fileUrl,omitempty"`
	Text       string      `json:"text,omitempty"`
	Caption    string      `json:"caption,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// IsInboundImage reports whether the message is an image sent by the customer.
func (m Message) IsInboundImage() bool {
	return m.Direction == DirectionFromCustomer && m.Kind == KindImage
}

// ImageURL returns the best available URL for an image message. Zoko
// populates mediaUrl for most media but falls back to fileUrl for
// document-style uploads.
func (m Message) ImageURL() string {
	if m.MediaURL != "" {
		return m.MediaURL
	}
	return m.FileURL
}

// Body returns the textual content of a message, preferring the text body
// over an image caption.
func (m Message) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// Client defines the Zoko API operations used by this application.
type Client interface {
	// ListCustomers fetches one page (1-based) of the customer directory.
	ListCustomers(ctx context.Context, page int) (*CustomerPage, error)
	// ListMessages fetches the full message history for one customer.
	ListMessages(ctx context.Context, customerID string) ([]Message, error)
}

// Option configures the Zoko client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the default request rate limit (10 req/s).
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// WithPageSize sets how many customers are requested per directory page.
func WithPageSize(size int) Option {
	return func(c *httpClient) {
		if size > 0 {
			c.pageSize = size
		}
	}
}

type httpClient struct {
	apiKey   string
	baseURL  string
	pageSize int
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient creates a new Zoko client with the given API key.
// By default, API calls are throttled to 10 req/s.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:   apiKey,
		baseURL:  "https://chat.zoko.io/v2",
		pageSize: 100,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(10, 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wait blocks until the rate limiter allows one event, or ctx is cancelled.
func (c *httpClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes an HTTP request with exponential backoff retries on
// transient failures (429, 500, 502, 503). Returns the response body and
// status code on success, or the last error after exhausting retries.
func (c *httpClient) retryDo(ctx context.Context, req *http.Request) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Clone request for retry (body is nil for GET requests).
		retryReq := req.Clone(ctx)

		resp, err := c.http.Do(retryReq)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "zoko: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("zoko: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

func (c *httpClient) ListCustomers(ctx context.Context, page int) (*CustomerPage, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "zoko: rate limit")
	}

	reqURL := fmt.Sprintf("%s/customers?page=%d&size=%d", c.baseURL, page, c.pageSize)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "zoko: create request")
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")

	body, statusCode, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, eris.Wrapf(err, "zoko: list customers page %d", page)
	}

	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return nil, eris.Errorf("zoko: authentication failed with status %d", statusCode)
	}

	if statusCode != http.StatusOK {
		return nil, eris.Errorf("zoko: list customers page %d: unexpected status %d: %s", page, statusCode, string(body))
	}

	var result CustomerPage
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "zoko: unmarshal customer page")
	}

	return &result, nil
}

func (c *httpClient) ListMessages(ctx context.Context, customerID string) ([]Message, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "zoko: rate limit")
	}

	reqURL := fmt.Sprintf("%s/customers/%s/messages", c.baseURL, customerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "zoko: create request")
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")

	body, statusCode, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, eris.Wrapf(err, "zoko: list messages for customer %s", customerID)
	}

	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return nil, eris.Errorf("zoko: authentication failed with status %d", statusCode)
	}

	if statusCode != http.StatusOK {
		return nil, eris.Errorf("zoko: list messages for customer %s: unexpected status %d: %s", customerID, statusCode, string(body))
	}

	var result struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "zoko: unmarshal messages")
	}

	for i := range result.Messages {
		if result.Messages[i].CustomerID == "" {
			result.Messages[i].CustomerID = customerID
		}
	}

	return result.Messages, nil
}
