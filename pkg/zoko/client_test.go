package zoko

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListCustomers_Success(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)
	want := CustomerPage{
		Customers: []Customer{
			{ID: "z1", Name: "Ali Khan", ChannelID: "971501234567", LastInboundMessageAt: &at},
			{ID: "z2", Name: "Fatima Noor", ChannelID: "0507654321"},
		},
		TotalPages: 4,
		TotalCount: 312,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "test-key", r.Header.Get("apikey"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "/customers", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("page"))
		assert.Equal(t, "50", r.URL.Query().Get("size"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithPageSize(50))
	got, err := client.ListCustomers(context.Background(), 3)

	require.NoError(t, err)
	assert.Equal(t, 4, got.TotalPages)
	assert.Equal(t, 312, got.TotalCount)
	require.Len(t, got.Customers, 2)
	assert.Equal(t, "z1", got.Customers[0].ID)
	require.NotNil(t, got.Customers[0].LastInboundMessageAt)
	assert.True(t, at.Equal(*got.Customers[0].LastInboundMessageAt))
	assert.Nil(t, got.Customers[1].LastInboundMessageAt)
}

func TestListCustomers_AuthFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer srv.Close()

	client := NewClient("bad-key", WithBaseURL(srv.URL))
	_, err := client.ListCustomers(context.Background(), 1)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestListCustomers_MalformedJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.ListCustomers(context.Background(), 1)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

func TestListCustomers_RetryOn429(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CustomerPage{TotalPages: 1, TotalCount: 0})
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	got, err := client.ListCustomers(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalPages)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestListCustomers_RetryExhausted(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`service unavailable`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.ListCustomers(context.Background(), 1)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, int32(3), attempts.Load()) // 3 attempts total
}

func TestListMessages_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("apikey"))
		assert.Equal(t, "/customers/z1/messages", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages":[
			{"messageId":"m1","direction":"FROM_CUSTOMER","type":"image","mediaUrl":"https://cdn/img1.jpg","createdAt":"2026-02-10T08:30:00Z"},
			{"messageId":"m2","direction":"FROM_CUSTOMER","type":"text","text":"can you fix these?","createdAt":"2026-02-10T08:31:00Z"}
		]}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	got, err := client.ListMessages(context.Background(), "z1")

	require.NoError(t, err)
	require.Len(t, got, 2)
	// Customer ID is backfilled when the API omits it per message.
	assert.Equal(t, "z1", got[0].CustomerID)
	assert.Equal(t, "z1", got[1].CustomerID)
	assert.True(t, got[0].IsInboundImage())
	assert.False(t, got[1].IsInboundImage())
}

func TestListMessages_ContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// This handler should not be reached because context is cancelled
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.ListMessages(ctx, "z1")

	require.Error(t, err)
}

func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()
	c := NewClient("my-key")
	hc := c.(*httpClient)
	assert.Equal(t, "my-key", hc.apiKey)
	assert.Equal(t, "https://chat.zoko.io/v2", hc.baseURL)
	assert.Equal(t, 100, hc.pageSize)
	assert.NotNil(t, hc.limiter)
	assert.NotNil(t, hc.http)
	assert.Equal(t, 30*time.Second, hc.http.Timeout)
}

func TestWithHTTPClient(t *testing.T) {
	t.Parallel()
	customClient := &http.Client{}
	c := NewClient("test-key", WithHTTPClient(customClient))
	hc := c.(*httpClient)
	assert.Equal(t, customClient, hc.http)
}

func TestWithRateLimit_Disable(t *testing.T) {
	t.Parallel()
	c := NewClient("test-key", WithRateLimit(0))
	hc := c.(*httpClient)
	assert.Nil(t, hc.limiter)
}

func TestMessageHelpers(t *testing.T) {
	t.Parallel()

	t.Run("image url prefers media url", func(t *testing.T) {
		t.Parallel()
		m := Message{MediaURL: "https://cdn/a.jpg", FileURL: "https://cdn/b.jpg"}
		assert.Equal(t, "https://cdn/a.jpg", m.ImageURL())
	})

	t.Run("image url falls back to file url", func(t *testing.T) {
		t.Parallel()
		m := Message{FileURL: "https://cdn/b.jpg"}
		assert.Equal(t, "https://cdn/b.jpg", m.ImageURL())
	})

	t.Run("body prefers text over caption", func(t *testing.T) {
		t.Parallel()
		m := Message{Text: "hello", Caption: "a shoe"}
		assert.Equal(t, "hello", m.Body())
		assert.Equal(t, "a shoe", Message{Caption: "a shoe"}.Body())
	})

	t.Run("outbound image is not inbound", func(t *testing.T) {
		t.Parallel()
		m := Message{Direction: DirectionFromStore, Kind: KindImage}
		assert.False(t, m.IsInboundImage())
	})
}

func TestRetryableStatusCode(t *testing.T) {
	assert.True(t, retryableStatusCode(429))
	assert.True(t, retryableStatusCode(500))
	assert.True(t, retryableStatusCode(502))
	assert.True(t, retryableStatusCode(503))
	assert.False(t, retryableStatusCode(200))
	assert.False(t, retryableStatusCode(401))
	assert.False(t, retryableStatusCode(404))
}
