package quote

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/stitchandsole/leadsync/internal/model"
	"github.com/stitchandsole/leadsync/internal/resilience"
	"github.com/stitchandsole/leadsync/internal/store"
	"github.com/stitchandsole/leadsync/pkg/shopify"
	"github.com/stitchandsole/leadsync/pkg/vision"
)

var (
	// ErrLeadNotFound is returned when the lead to quote does not exist.
	ErrLeadNotFound = eris.New("quote: lead not found")

	// ErrEstimationNotFound is returned when the estimation to push does
	// not exist.
	ErrEstimationNotFound = eris.New("quote: estimation not found")

	// ErrNoImages is returned when a lead has nothing for the vision model
	// to look at.
	ErrNoImages = eris.New("quote: lead has no images")

	// ErrDraftOrderExists is returned when an estimation was already pushed
	// to the commerce backend.
	ErrDraftOrderExists = eris.New("quote: draft order already created")
)

// Config tunes the quoting flow.
type Config struct {
	// CountryCode prefixes stored national phone numbers when the commerce
	// backend needs a dialable one. Default: "971".
	CountryCode string

	// Retry wraps the vision call, which has no transport retry of its
	// own. Zero value means the default backoff with a warn log per retry.
	Retry resilience.RetryConfig
}

func (c Config) withDefaults() Config {
	if c.CountryCode == "" {
		c.CountryCode = "971"
	}
	if c.Retry.OnRetry == nil {
		c.Retry.OnRetry = resilience.RetryLogger("vision", "assess_item")
	}
	return c
}

// Quoter prepares estimations for leads and pushes them to the commerce
// backend as draft orders.
type Quoter struct {
	analyzer vision.Analyzer
	orders   shopify.Client
	store    store.Store
	catalog  *Catalog
	cfg      Config
}

// New wires a Quoter. A nil catalog falls back to the built-in one.
func New(analyzer vision.Analyzer, orders shopify.Client, st store.Store, catalog *Catalog, cfg Config) *Quoter {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Quoter{
		analyzer: analyzer,
		orders:   orders,
		store:    st,
		catalog:  catalog,
		cfg:      cfg.withDefaults(),
	}
}

// PrepareEstimation runs the vision assessment over a lead's photos and
// records the resulting estimation. The lead moves to the quoted status.
func (q *Quoter) PrepareEstimation(ctx context.Context, leadID string) (*model.Estimation, error) {
	lead, err := q.store.GetLead(ctx, leadID)
	if err != nil {
		return nil, eris.Wrapf(err, "quote: load lead %s", leadID)
	}
	if lead == nil {
		return nil, eris.Wrapf(ErrLeadNotFound, "lead %s", leadID)
	}
	if len(lead.ImageURLs) == 0 {
		return nil, eris.Wrapf(ErrNoImages, "lead %s", leadID)
	}

	assessment, err := resilience.DoVal(ctx, q.cfg.Retry, func(ctx context.Context) (*vision.Assessment, error) {
		return q.analyzer.AssessItem(ctx, vision.Request{
			ImageURLs:       lead.ImageURLs,
			ContextMessages: lead.ContextMessages,
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "quote: assess lead %s", leadID)
	}

	services := q.catalog.Canonicalize(assessment.SuggestedServices)
	if len(services) == 0 {
		services = []string{ServiceOther}
	}

	est := &model.Estimation{
		LeadID:       lead.ID,
		Phone:        lead.Phone,
		CustomerName: lead.CustomerName,
		ItemType:     assessment.ItemType,
		Services:     services,
		Notes:        assessmentNotes(assessment),
	}
	if err := q.store.InsertEstimation(ctx, est); err != nil {
		return nil, eris.Wrapf(err, "quote: insert estimation for lead %s", leadID)
	}
	if err := q.store.UpdateLeadStatus(ctx, lead.ID, model.LeadStatusQuoted); err != nil {
		return nil, eris.Wrapf(err, "quote: mark lead %s quoted", leadID)
	}

	zap.L().Info("estimation prepared",
		zap.String("lead_id", lead.ID),
		zap.String("estimation_id", est.ID),
		zap.String("item_type", est.ItemType),
		zap.Strings("services", est.Services),
		zap.Float64("confidence", assessment.Confidence),
	)
	return est, nil
}

// CreateDraftOrder pushes an estimation to the commerce backend as a draft
// order with one line item per catalog service, then records the draft
// order ID on the estimation.
func (q *Quoter) CreateDraftOrder(ctx context.Context, estimationID string) (*shopify.DraftOrder, error) {
	est, err := q.store.GetEstimation(ctx, estimationID)
	if err != nil {
		return nil, eris.Wrapf(err, "quote: load estimation %s", estimationID)
	}
	if est == nil {
		return nil, eris.Wrapf(ErrEstimationNotFound, "estimation %s", estimationID)
	}
	if est.DraftOrderID != "" {
		return nil, eris.Wrapf(ErrDraftOrderExists, "estimation %s has draft order %s", est.ID, est.DraftOrderID)
	}

	req := shopify.DraftOrderRequest{
		LineItems: q.lineItems(est.Services),
		Note:      draftOrderNote(est),
		Phone:     dialable(est.Phone, q.cfg.CountryCode),
	}
	if est.CustomerName != "" || est.Phone != "" {
		first, last := splitName(est.CustomerName)
		req.Customer = &shopify.OrderCustomer{
			FirstName: first,
			LastName:  last,
			Phone:     dialable(est.Phone, q.cfg.CountryCode),
		}
	}

	draft, err := q.orders.CreateDraftOrder(ctx, req)
	if err != nil {
		return nil, eris.Wrapf(err, "quote: create draft order for estimation %s", est.ID)
	}

	draftID := strconv.FormatInt(draft.ID, 10)
	if err := q.store.SetEstimationDraftOrder(ctx, est.ID, draftID); err != nil {
		// The draft order exists remotely but the link was lost. Surface
		// the ID in the error so staff can reconcile by hand.
		return nil, eris.Wrapf(err, "quote: record draft order %s on estimation %s", draftID, est.ID)
	}

	zap.L().Info("draft order created",
		zap.String("estimation_id", est.ID),
		zap.String("draft_order_id", draftID),
		zap.String("draft_order_name", draft.Name),
	)
	return draft, nil
}

func (q *Quoter) lineItems(services []string) []shopify.LineItem {
	items := make([]shopify.LineItem, 0, len(services))
	for _, slug := range services {
		svc, ok := q.catalog.Lookup(slug)
		if !ok {
			svc = Service{Slug: slug, Label: slug}
		}
		price := svc.Price
		if price == "" {
			price = "0.00"
		}
		items = append(items, shopify.LineItem{
			Title:    svc.Label,
			Price:    price,
			Quantity: 1,
		})
	}
	return items
}

func assessmentNotes(a *vision.Assessment) string {
	var b strings.Builder
	b.WriteString(a.DamageSummary)
	if a.Material != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Material: ")
		b.WriteString(a.Material)
	}
	if a.Confidence > 0 && a.Confidence < 0.5 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Low-confidence assessment, review the photos before sending.")
	}
	return b.String()
}

func draftOrderNote(est *model.Estimation) string {
	note := fmt.Sprintf("Repair estimation %s", est.ID)
	if est.ItemType != "" {
		note += ": " + est.ItemType
	}
	return note
}

// dialable turns a stored national number back into a dialable one.
func dialable(phone, countryCode string) string {
	if phone == "" {
		return ""
	}
	return "+" + countryCode + phone
}

func splitName(name string) (first, last string) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "", ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}
