// Package shopify provides a client for the Shopify Admin REST API,
// covering the order reads and draft-order writes this application needs.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// OrderCustomer is the customer block embedded in an order.
type OrderCustomer struct {
	ID        int64  `json:"id,omitempty"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Email     string `json:"email,omitempty"`
}

// Order is a placed order as returned by the Admin API.
type Order struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	Phone     string         `json:"phone"`
	CreatedAt time.Time      `json:"created_at"`
	Customer  *OrderCustomer `json:"customer"`
}

// CustomerPhone returns the phone attached to the order's customer record,
// falling back to the order-level phone. Either may be empty; Shopify only
// requires one contact method per order.
func (o Order) CustomerPhone() string {
	if o.Customer != nil && o.Customer.Phone != "" {
		return o.Customer.Phone
	}
	return o.Phone
}

// CustomerName returns the first/last name pair from the order's customer
// record, or empty strings when the order has none.
func (o Order) CustomerName() (first, last string) {
	if o.Customer == nil {
		return "", ""
	}
	return o.Customer.FirstName, o.Customer.LastName
}

// LineItem is one service line on a draft order.
type LineItem struct {
	Title    string `json:"title"`
	Price    string `json:"price"`
	Quantity int    `json:"quantity"`
}

// DraftOrderRequest is the payload for creating a draft order.
type DraftOrderRequest struct {
	LineItems []LineItem     `json:"line_items"`
	Customer  *OrderCustomer `json:"customer,omitempty"`
	Note      string         `json:"note,omitempty"`
	Phone     string         `json:"phone,omitempty"`
}

// DraftOrder is the created draft order.
type DraftOrder struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	InvoiceURL string `json:"invoice_url"`
	TotalPrice string `json:"total_price"`
}

// Client defines the Shopify Admin API operations used by this application.
type Client interface {
	// ListRecentOrders fetches orders created within the last daysBack days,
	// newest first, up to limit (capped at Shopify's page maximum of 250).
	ListRecentOrders(ctx context.Context, daysBack, limit int) ([]Order, error)
	// CreateDraftOrder creates a draft order for staff to send as an invoice.
	CreateDraftOrder(ctx context.Context, req DraftOrderRequest) (*DraftOrder, error)
}

// Option configures the Shopify client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing). It overrides the URL
// built from the shop domain and API version.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithAPIVersion pins a specific Admin API version, like "2024-07".
func WithAPIVersion(version string) Option {
	return func(c *httpClient) {
		if version != "" {
			c.apiVersion = version
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the default request rate limit (2 req/s, the
// Admin REST bucket refill rate).
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

type httpClient struct {
	accessToken string
	shopDomain  string
	apiVersion  string
	baseURL     string
	http        *http.Client
	limiter     *rate.Limiter
}

const defaultAPIVersion = "2024-01"

// NewClient creates a Shopify Admin API client for the given shop domain
// (for example "stitchandsole.myshopify.com") and access token.
func NewClient(shopDomain, accessToken string, opts ...Option) Client {
	c := &httpClient{
		accessToken: accessToken,
		shopDomain:  shopDomain,
		apiVersion:  defaultAPIVersion,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(2, 2),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = fmt.Sprintf("https://%s/admin/api/%s", c.shopDomain, c.apiVersion)
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
// transient failures. The request body, if any, must be rewindable via
// GetBody so retries can replay it.
func (c *httpClient) retryDo(ctx context.Context, req *http.Request) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retryReq := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, 0, eris.Wrap(err, "shopify: rewind request body")
			}
			retryReq.Body = body
		}

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
			return nil, resp.StatusCode, eris.Wrap(readErr, "shopify: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("shopify: status %d: %s", resp.StatusCode, string(body))
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

func (c *httpClient) ListRecentOrders(ctx context.Context, daysBack, limit int) ([]Order, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "shopify: rate limit")
	}

	if limit <= 0 || limit > 250 {
		limit = 250
	}
	createdAtMin := time.Now().AddDate(0, 0, -daysBack).UTC().Format(time.RFC3339)

	reqURL := fmt.Sprintf("%s/orders.json?status=any&order=created_at+desc&limit=%d&created_at_min=%s",
		c.baseURL, limit, createdAtMin)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "shopify: create request")
	}
	req.Header.Set("X-Shopify-Access-Token", c.accessToken)
	req.Header.Set("Accept", "application/json")

	body, statusCode, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "shopify: list recent orders")
	}

	if statusCode != http.StatusOK {
		return nil, eris.Errorf("shopify: list orders unexpected status %d: %s", statusCode, string(body))
	}

	var result struct {
		Orders []Order `json:"orders"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "shopify: unmarshal orders")
	}

	return result.Orders, nil
}

func (c *httpClient) CreateDraftOrder(ctx context.Context, draft DraftOrderRequest) (*DraftOrder, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "shopify: rate limit")
	}

	payload, err := json.Marshal(map[string]DraftOrderRequest{"draft_order": draft})
	if err != nil {
		return nil, eris.Wrap(err, "shopify: marshal draft order")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/draft_orders.json", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "shopify: create request")
	}
	req.Header.Set("X-Shopify-Access-Token", c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, statusCode, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "shopify: create draft order")
	}

	if statusCode != http.StatusCreated && statusCode != http.StatusOK {
		return nil, eris.Errorf("shopify: create draft order unexpected status %d: %s", statusCode, string(body))
	}

	var result struct {
		DraftOrder DraftOrder `json:"draft_order"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "shopify: unmarshal draft order")
	}

	return &result.DraftOrder, nil
}
