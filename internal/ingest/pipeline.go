// Package ingest drives the lead sync pass: it walks recently active
// messaging customers, clusters their photo submissions into candidate
// leads, dedups them against existing leads and recent commerce activity,
// and persists what survives. It also links storefront orders back to
// messaging customers through the phone index.
package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stitchandsole/leadsync/internal/grouper"
	"github.com/stitchandsole/leadsync/internal/match"
	"github.com/stitchandsole/leadsync/internal/model"
	"github.com/stitchandsole/leadsync/internal/phoneindex"
	"github.com/stitchandsole/leadsync/internal/resilience"
	"github.com/stitchandsole/leadsync/internal/store"
	"github.com/stitchandsole/leadsync/pkg/shopify"
	"github.com/stitchandsole/leadsync/pkg/zoko"
)

// Config tunes a sync pass.
type Config struct {
	// CountryCode is the business's phone country code, stripped during
	// normalization.
	CountryCode string
	// LookbackDays bounds which customers, orders, and estimations count
	// as recent. Default 7.
	LookbackDays int
	// GroupWindow is the submission grouping window. Default 2h.
	GroupWindow time.Duration
	// Concurrency caps parallel per-customer message fetches. Default 10.
	Concurrency int
	// OrderFetchLimit caps how many recent orders feed the dedup set.
	// Default 250, the storefront page maximum.
	OrderFetchLimit int
}

func (c Config) withDefaults() Config {
	if c.LookbackDays <= 0 {
		c.LookbackDays = 7
	}
	if c.GroupWindow <= 0 {
		c.GroupWindow = grouper.DefaultWindow
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.OrderFetchLimit <= 0 {
		c.OrderFetchLimit = 250
	}
	return c
}

// Pipeline runs sync passes against the messaging directory, the
// storefront, and the lead store.
type Pipeline struct {
	directory zoko.Client
	orders    shopify.Client
	store     store.Store
	phones    *phoneindex.Cache
	cfg       Config
}

// New creates a Pipeline with all dependencies.
func New(directory zoko.Client, orders shopify.Client, st store.Store, phones *phoneindex.Cache, cfg Config) *Pipeline {
	return &Pipeline{
		directory: directory,
		orders:    orders,
		store:     st,
		phones:    phones,
		cfg:       cfg.withDefaults(),
	}
}

// Run executes one sync pass. forceRefresh rebuilds the phone index even
// when its TTL has not lapsed.
//
// Customers whose phone already has a recent order or estimation are
// skipped, as are submission groups whose lead key already exists and
// inserts that lose a uniqueness race with a concurrent pass. A failed
// message fetch skips that customer and dead-letters it. Anything else
// aborts the pass; the report still carries the counts accumulated up to
// that point.
func (p *Pipeline) Run(ctx context.Context, forceRefresh bool) (model.SyncReport, error) {
	start := time.Now()
	cfg := p.cfg
	since := start.UTC().Add(-time.Duration(cfg.LookbackDays) * 24 * time.Hour)

	// The three dedup snapshots are read once and held for the whole pass.
	// A lead created by a concurrent pass after this point is caught only
	// by the store's uniqueness constraint.
	existing, err := p.store.ListLeadKeys(ctx)
	if err != nil {
		return model.SyncReport{}, eris.Wrap(err, "ingest: list lead keys")
	}
	orderPhones, err := p.recentOrderPhones(ctx)
	if err != nil {
		return model.SyncReport{}, err
	}
	estimationPhones, err := p.recentEstimationPhones(ctx, since)
	if err != nil {
		return model.SyncReport{}, err
	}

	idx, err := p.phones.Get(ctx, forceRefresh)
	if err != nil {
		return model.SyncReport{}, eris.Wrap(err, "ingest: phone index")
	}

	candidates := activeSince(idx.Customers(), since)

	zap.L().Info("sync pass starting",
		zap.Int("directory_size", idx.Len()),
		zap.Int("active_customers", len(candidates)),
		zap.Int("existing_leads", len(existing)),
		zap.Int("order_phones", len(orderPhones)),
		zap.Int("estimation_phones", len(estimationPhones)),
	)

	var (
		added   atomic.Int64
		skipped atomic.Int64
		mu      sync.Mutex // guards existing
	)

	// One breaker per pass: a messaging API that dies mid-pass fails the
	// remaining customers fast instead of grinding through timeouts.
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		ShouldTrip: resilience.IsTransient,
		OnStateChange: func(from, to resilience.CircuitState) {
			zap.L().Warn("messaging breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)

	for _, c := range candidates {
		g.Go(func() error {
			if gCtx.Err() != nil {
				return gCtx.Err()
			}

			phone := match.NormalizePhone(c.ChannelID, cfg.CountryCode)
			if orderPhones[phone] || estimationPhones[phone] {
				skipped.Add(1)
				zap.L().Debug("customer skipped: recent commerce activity",
					zap.String("customer_id", c.ID))
				return nil
			}

			msgs, err := resilience.ExecuteVal(gCtx, breaker, func(ctx context.Context) ([]zoko.Message, error) {
				return p.directory.ListMessages(ctx, c.ID)
			})
			if err != nil {
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				skipped.Add(1)
				zap.L().Warn("customer skipped: message fetch failed",
					zap.String("customer_id", c.ID),
					zap.Error(err),
				)
				// Breaker rejections are systemic, not per-customer; dead
				// lettering each one would drown the real failure.
				if !errors.Is(err, resilience.ErrCircuitOpen) {
					p.deadLetter(gCtx, c, "fetch_messages", err)
				}
				return nil
			}

			for _, grp := range grouper.Cluster(msgs, cfg.GroupWindow) {
				if grp.FirstImageAt.Before(since) {
					continue
				}
				key := model.LeadKey(c.ID, grp.FirstImageAt)

				mu.Lock()
				seen := existing[key]
				mu.Unlock()
				if seen {
					skipped.Add(1)
					continue
				}

				lead := &model.Lead{
					RemoteCustomerID: c.ID,
					CustomerName:     c.Name,
					Phone:            phone,
					ImageURLs:        grp.ImageURLs(),
					ContextMessages:  grp.ContextTexts(),
					FirstImageAt:     grp.FirstImageAt,
					LastImageAt:      grp.LastImageAt(),
				}
				switch err := p.store.InsertLead(gCtx, lead); {
				case errors.Is(err, store.ErrDuplicateLead):
					// Lost a race with a concurrent pass. Expected; skip
					// without logging an error.
					skipped.Add(1)
				case err != nil:
					return eris.Wrapf(err, "ingest: insert lead %s", key)
				default:
					added.Add(1)
					zap.L().Info("lead added",
						zap.String("customer_id", c.ID),
						zap.String("customer_name", c.Name),
						zap.Int("images", len(lead.ImageURLs)),
						zap.Time("first_image_at", lead.FirstImageAt),
					)
				}
				mu.Lock()
				existing[key] = true
				mu.Unlock()
			}
			return nil
		})
	}

	waitErr := g.Wait()

	report := model.SyncReport{Added: int(added.Load()), Skipped: int(skipped.Load())}
	if waitErr != nil {
		zap.L().Error("sync pass aborted",
			zap.Int("added", report.Added),
			zap.Int("skipped", report.Skipped),
			zap.Error(waitErr),
		)
		return report, waitErr
	}

	zap.L().Info("sync pass complete",
		zap.Int("added", report.Added),
		zap.Int("skipped", report.Skipped),
		zap.Duration("took", time.Since(start)),
	)
	return report, nil
}

// recentOrderPhones builds the dedup set of normalized phones that placed
// a storefront order within the lookback window.
func (p *Pipeline) recentOrderPhones(ctx context.Context) (map[string]bool, error) {
	orders, err := p.orders.ListRecentOrders(ctx, p.cfg.LookbackDays, p.cfg.OrderFetchLimit)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: list recent orders")
	}
	phones := make(map[string]bool, len(orders))
	for _, o := range orders {
		if n := match.NormalizePhone(o.CustomerPhone(), p.cfg.CountryCode); n != "" {
			phones[n] = true
		}
	}
	return phones, nil
}

// recentEstimationPhones builds the dedup set of normalized phones with an
// estimation on file since the cutoff. Stored phones are normalized at
// ingest already; normalizing again is a no-op that guards old rows.
func (p *Pipeline) recentEstimationPhones(ctx context.Context, since time.Time) (map[string]bool, error) {
	raw, err := p.store.ListEstimationPhones(ctx, since)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: list estimation phones")
	}
	phones := make(map[string]bool, len(raw))
	for r := range raw {
		if n := match.NormalizePhone(r, p.cfg.CountryCode); n != "" {
			phones[n] = true
		}
	}
	return phones, nil
}

// activeSince selects customers with inbound activity at or after the
// cutoff, most recently active first, so a pass that dies partway through
// has already covered the freshest leads.
func activeSince(customers []zoko.Customer, since time.Time) []zoko.Customer {
	var out []zoko.Customer
	for _, c := range customers {
		if c.LastInboundMessageAt != nil && !c.LastInboundMessageAt.Before(since) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastInboundMessageAt.After(*out[j].LastInboundMessageAt)
	})
	return out
}

// deadLetter records a failed sync unit so staff can retry it manually.
// The next pass retries it naturally anyway, because dedup works off lead
// keys, not off failure history.
func (p *Pipeline) deadLetter(ctx context.Context, c zoko.Customer, stage string, cause error) {
	failure := &model.SyncFailure{
		RemoteCustomerID: c.ID,
		CustomerName:     c.Name,
		Phone:            c.ChannelID,
		Stage:            stage,
		Error:            cause.Error(),
		ErrorType:        resilience.ClassifyError(cause),
	}
	if err := p.store.InsertSyncFailure(ctx, failure); err != nil {
		zap.L().Warn("dead letter write failed",
			zap.String("customer_id", c.ID),
			zap.Error(err),
		)
	}
}
