package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchandsole/leadsync/internal/ingest"
	"github.com/stitchandsole/leadsync/internal/model"
	"github.com/stitchandsole/leadsync/internal/phoneindex"
	"github.com/stitchandsole/leadsync/internal/quote"
	"github.com/stitchandsole/leadsync/internal/store"
	"github.com/stitchandsole/leadsync/pkg/shopify"
	"github.com/stitchandsole/leadsync/pkg/vision"
	"github.com/stitchandsole/leadsync/pkg/zoko"
)

type fakeDirectory struct {
	customers []zoko.Customer
	messages  map[string][]zoko.Message
}

func (f *fakeDirectory) ListCustomers(ctx context.Context, page int) (*zoko.CustomerPage, error) {
	return &zoko.CustomerPage{
		Customers:  f.customers,
		TotalPages: 1,
		TotalCount: len(f.customers),
	}, nil
}

func (f *fakeDirectory) ListMessages(ctx context.Context, customerID string) ([]zoko.Message, error) {
	return f.messages[customerID], nil
}

type fakeCommerce struct {
	orders    []shopify.Order
	ordersErr error
	draft     *shopify.DraftOrder
}

func (f *fakeCommerce) ListRecentOrders(ctx context.Context, daysBack, limit int) ([]shopify.Order, error) {
	if f.ordersErr != nil {
		return nil, f.ordersErr
	}
	return f.orders, nil
}

func (f *fakeCommerce) CreateDraftOrder(ctx context.Context, req shopify.DraftOrderRequest) (*shopify.DraftOrder, error) {
	if f.draft == nil {
		return nil, errors.New("fakeCommerce: no draft configured")
	}
	return f.draft, nil
}

type fakeVision struct {
	assessment *vision.Assessment
}

func (f *fakeVision) AssessItem(ctx context.Context, req vision.Request) (*vision.Assessment, error) {
	if f.assessment == nil {
		return nil, errors.New("fakeVision: no assessment configured")
	}
	return f.assessment, nil
}

// newTestAPI wires a router over a temp sqlite store and fake remotes.
func newTestAPI(t *testing.T, directory *fakeDirectory, commerce *fakeCommerce, analyzer *fakeVision) (http.Handler, *appEnv) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	phones := phoneindex.New(directory, "971", time.Hour)
	env := &appEnv{
		Store:     st,
		Directory: directory,
		Orders:    commerce,
		Phones:    phones,
		Pipeline: ingest.New(directory, commerce, st, phones, ingest.Config{
			CountryCode: "971",
			Concurrency: 1,
		}),
		Quoter: quote.New(analyzer, commerce, st, nil, quote.Config{}),
	}
	return newRouter(&api{env: env, countryCode: "971"}), env
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v))
}

func seedLead(t *testing.T, st store.Store, customerID string, firstImageAt time.Time) *model.Lead {
	t.Helper()
	lead := &model.Lead{
		RemoteCustomerID: customerID,
		CustomerName:     "Ali Khan",
		Phone:            "501234567",
		ImageURLs:        []string{"https://cdn.zoko.io/a.jpg"},
		ContextMessages:  []string{"can you repair this bag"},
		FirstImageAt:     firstImageAt,
		LastImageAt:      firstImageAt.Add(5 * time.Minute),
		Status:           model.LeadStatusNew,
	}
	require.NoError(t, st.InsertLead(context.Background(), lead))
	return lead
}

// --- Health ---

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestAPI(t, &fakeDirectory{}, &fakeCommerce{}, &fakeVision{})

	rr := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	decodeBody(t, rr, &body)
	assert.Equal(t, "ok", body["status"])
}

// --- Sync ---

func TestSyncEndpoint(t *testing.T) {
	now := time.Now().UTC()
	anchor := now.Add(-2 * time.Hour)
	directory := &fakeDirectory{
		customers: []zoko.Customer{{
			ID: "z1", Name: "Ali Khan", ChannelID: "+971 50 123 4567",
			LastInboundMessageAt: &now,
		}},
		messages: map[string][]zoko.Message{
			"z1": {{
				CustomerID: "z1", MessageID: "m1",
				Direction: zoko.DirectionFromCustomer, Kind: zoko.KindImage,
				MediaURL: "https://cdn.zoko.io/a.jpg", CreatedAt: anchor,
			}},
		},
	}
	router, _ := newTestAPI(t, directory, &fakeCommerce{}, &fakeVision{})

	rr := doJSON(t, router, http.MethodPost, "/api/sync", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp syncResponse
	decodeBody(t, rr, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Added)
	assert.Equal(t, 0, resp.Skipped)
	assert.Empty(t, resp.Error)

	// Second trigger dedups against the stored lead.
	rr = doJSON(t, router, http.MethodPost, "/api/sync", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, 0, resp.Added)
	assert.Equal(t, 1, resp.Skipped)
}

func TestSyncEndpoint_FailureCarriesError(t *testing.T) {
	commerce := &fakeCommerce{ordersErr: errors.New("shopify: status 401: invalid token")}
	router, _ := newTestAPI(t, &fakeDirectory{}, commerce, &fakeVision{})

	rr := doJSON(t, router, http.MethodPost, "/api/sync", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	var resp syncResponse
	decodeBody(t, rr, &resp)
	assert.False(t, resp.Success)
	assert.Zero(t, resp.Added)
	assert.Contains(t, resp.Error, "list recent orders")
}

// --- Leads ---

func TestListLeadsEndpoint(t *testing.T) {
	router, env := newTestAPI(t, &fakeDirectory{}, &fakeCommerce{}, &fakeVision{})
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	seedLead(t, env.Store, "z1", base)
	lead2 := seedLead(t, env.Store, "z2", base.Add(time.Hour))
	require.NoError(t, env.Store.UpdateLeadStatus(context.Background(), lead2.ID, model.LeadStatusDismissed))

	rr := doJSON(t, router, http.MethodGet, "/api/leads", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Leads []model.Lead `json:"leads"`
		Count int          `json:"count"`
	}
	decodeBody(t, rr, &resp)
	assert.Equal(t, 2, resp.Count)

	rr = doJSON(t, router, http.MethodGet, "/api/leads?status=new", nil)
	decodeBody(t, rr, &resp)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "z1", resp.Leads[0].RemoteCustomerID)

	rr = doJSON(t, router, http.MethodGet, "/api/leads?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/leads?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetLeadEndpoint(t *testing.T) {
	router, env := newTestAPI(t, &fakeDirectory{}, &fakeCommerce{}, &fakeVision{})
	lead := seedLead(t, env.Store, "z1", time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))

	rr := doJSON(t, router, http.MethodGet, "/api/leads/"+lead.ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var got model.Lead
	decodeBody(t, rr, &got)
	assert.Equal(t, lead.ID, got.ID)
	assert.Equal(t, "Ali Khan", got.CustomerName)

	rr = doJSON(t, router, http.MethodGet, "/api/leads/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDismissLeadEndpoint(t *testing.T) {
	router, env := newTestAPI(t, &fakeDirectory{}, &fakeCommerce{}, &fakeVision{})
	lead := seedLead(t, env.Store, "z1", time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))

	rr := doJSON(t, router, http.MethodPost, "/api/leads/"+lead.ID+"/dismiss", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	got, err := env.Store.GetLead(context.Background(), lead.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LeadStatusDismissed, got.Status)

	rr = doJSON(t, router, http.MethodPost, "/api/leads/nope/dismiss", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// --- Quoting ---

func TestQuoteLeadEndpoint(t *testing.T) {
	analyzer := &fakeVision{assessment: &vision.Assessment{
		ItemType:          "handbag",
		DamageSummary:     "Torn strap.",
		SuggestedServices: []string{"strap repair"},
		Confidence:        0.9,
	}}
	router, env := newTestAPI(t, &fakeDirectory{}, &fakeCommerce{}, analyzer)
	lead := seedLead(t, env.Store, "z1", time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))

	rr := doJSON(t, router, http.MethodPost, "/api/leads/"+lead.ID+"/quote", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var est model.Estimation
	decodeBody(t, rr, &est)
	assert.Equal(t, lead.ID, est.LeadID)
	assert.Equal(t, []string{"handle_repair"}, est.Services)

	rr = doJSON(t, router, http.MethodPost, "/api/leads/nope/quote", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestQuoteLeadEndpoint_NoImages(t *testing.T) {
	router, env := newTestAPI(t, &fakeDirectory{}, &fakeCommerce{}, &fakeVision{})
	lead := &model.Lead{
		RemoteCustomerID: "z1",
		CustomerName:     "Ali Khan",
		Phone:            "501234567",
		FirstImageAt:     time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		LastImageAt:      time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Status:           model.LeadStatusNew,
	}
	require.NoError(t, env.Store.InsertLead(context.Background(), lead))

	rr := doJSON(t, router, http.MethodPost, "/api/leads/"+lead.ID+"/quote", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestDraftOrderEndpoint(t *testing.T) {
	commerce := &fakeCommerce{draft: &shopify.DraftOrder{ID: 88001, Name: "#D123", Status: "open"}}
	router, env := newTestAPI(t, &fakeDirectory{}, commerce, &fakeVision{})
	lead := seedLead(t, env.Store, "z1", time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))

	est := &model.Estimation{
		LeadID:       lead.ID,
		Phone:        lead.Phone,
		CustomerName: lead.CustomerName,
		Services:     []string{"heel_repair"},
	}
	require.NoError(t, env.Store.InsertEstimation(context.Background(), est))

	rr := doJSON(t, router, http.MethodPost, "/api/estimations/"+est.ID+"/draft-order", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var draft shopify.DraftOrder
	decodeBody(t, rr, &draft)
	assert.Equal(t, int64(88001), draft.ID)

	// Pushing twice conflicts.
	rr = doJSON(t, router, http.MethodPost, "/api/estimations/"+est.ID+"/draft-order", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/api/estimations/nope/draft-order", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// --- Order matching ---

func TestMatchOrderEndpoint(t *testing.T) {
	directory := &fakeDirectory{customers: []zoko.Customer{
		{ID: "z1", Name: "Ali Khan", ChannelID: "971501234567"},
	}}
	router, _ := newTestAPI(t, directory, &fakeCommerce{}, &fakeVision{})

	rr := doJSON(t, router, http.MethodPost, "/api/orders/match", map[string]string{
		"phone":      "+971 50 123 4567",
		"first_name": "Ali",
		"last_name":  "Khan",
	})
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Matched bool              `json:"matched"`
		Match   *model.OrderMatch `json:"match"`
	}
	decodeBody(t, rr, &resp)
	require.True(t, resp.Matched)
	assert.Equal(t, "z1", resp.Match.RemoteCustomerID)
	assert.Equal(t, model.ConfidenceHigh, resp.Match.Confidence)

	rr = doJSON(t, router, http.MethodPost, "/api/orders/match", map[string]string{
		"phone": "+1 415 555 0100",
	})
	assert.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &resp)
	assert.False(t, resp.Matched)

	rr = doJSON(t, router, http.MethodPost, "/api/orders/match", map[string]string{
		"first_name": "Ali",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// --- Export and failures ---

func TestExportLeadsEndpoint(t *testing.T) {
	router, env := newTestAPI(t, &fakeDirectory{}, &fakeCommerce{}, &fakeVision{})
	seedLead(t, env.Store, "z1", time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))

	rr := doJSON(t, router, http.MethodGet, "/api/leads/export", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "spreadsheetml")
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "leads-")
	// XLSX files are zip archives.
	assert.True(t, strings.HasPrefix(rr.Body.String(), "PK"))
}

func TestSyncFailuresEndpoint(t *testing.T) {
	router, env := newTestAPI(t, &fakeDirectory{}, &fakeCommerce{}, &fakeVision{})
	require.NoError(t, env.Store.InsertSyncFailure(context.Background(), &model.SyncFailure{
		RemoteCustomerID: "z9",
		CustomerName:     "Omar Saeed",
		Stage:            "fetch_messages",
		Error:            "zoko: status 503: upstream unavailable",
		ErrorType:        "transient",
	}))

	rr := doJSON(t, router, http.MethodGet, "/api/sync/failures", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Failures []model.SyncFailure `json:"failures"`
		Count    int                 `json:"count"`
	}
	decodeBody(t, rr, &resp)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "z9", resp.Failures[0].RemoteCustomerID)
	assert.Equal(t, "transient", resp.Failures[0].ErrorType)

	rr = doJSON(t, router, http.MethodGet, "/api/sync/failures?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// --- Command metadata ---

func TestServeCmd_Metadata(t *testing.T) {
	assert.Equal(t, "serve", serveCmd.Use)
	assert.NotEmpty(t, serveCmd.Short)
}

func TestSyncCmd_Metadata(t *testing.T) {
	assert.Equal(t, "sync", syncCmd.Use)
	assert.NotEmpty(t, syncCmd.Short)
}

func TestMigrateCmd_Metadata(t *testing.T) {
	assert.Equal(t, "migrate", migrateCmd.Use)
	assert.NotEmpty(t, migrateCmd.Short)
}
