// Package phoneindex maintains a cached reverse lookup from normalized
// phone number to remote customer record, built by paging the full Zoko
// directory. The directory is the only way to resolve a phone to a
// conversation, and scanning it is expensive, so the index is built once,
// served for a TTL, and replaced wholesale on rebuild.
package phoneindex

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/stitchandsole/leadsync/internal/match"
	"github.com/stitchandsole/leadsync/pkg/zoko"
)

// DefaultTTL is how long a built index is served before the next Get
// triggers a rebuild.
const DefaultTTL = time.Hour

// Index is one immutable snapshot of the directory. Entries are never
// mutated after the build completes; a rebuild publishes a fresh Index.
type Index struct {
	entries     map[string]zoko.Customer
	countryCode string
	builtAt     time.Time
}

// Lookup resolves a raw phone to a directory customer. It tries the exact
// normalized key first, then falls back to a linear scan for a key that is
// a suffix of the query or vice versa, which catches numbers whose
// country-code formatting the index's own normalization didn't collapse.
func (i *Index) Lookup(rawPhone string) (zoko.Customer, bool) {
	phone := match.NormalizePhone(rawPhone, i.countryCode)
	if phone == "" {
		return zoko.Customer{}, false
	}
	if c, ok := i.entries[phone]; ok {
		return c, true
	}
	for key, c := range i.entries {
		if strings.HasSuffix(key, phone) || strings.HasSuffix(phone, key) {
			return c, true
		}
	}
	return zoko.Customer{}, false
}

// Customers returns the indexed customer records in unspecified order.
func (i *Index) Customers() []zoko.Customer {
	out := make([]zoko.Customer, 0, len(i.entries))
	for _, c := range i.entries {
		out = append(out, c)
	}
	return out
}

// Len returns how many distinct normalized phones the index holds.
func (i *Index) Len() int {
	return len(i.entries)
}

// BuiltAt returns when the full directory scan behind this snapshot finished.
func (i *Index) BuiltAt() time.Time {
	return i.builtAt
}

// Cache owns the current Index and rebuilds it on demand. Reads during a
// rebuild keep getting the previous snapshot; readers that need the new one
// block on the single in-flight build rather than starting their own.
type Cache struct {
	client      zoko.Client
	countryCode string
	ttl         time.Duration

	flight singleflight.Group

	mu  sync.RWMutex
	idx *Index
}

// New creates a Cache over the given directory client. Phones are
// normalized with countryCode; a non-positive ttl falls back to DefaultTTL.
func New(client zoko.Client, countryCode string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		client:      client,
		countryCode: countryCode,
		ttl:         ttl,
	}
}

// Get returns the current index, rebuilding first if none exists, the TTL
// has lapsed, or force is set. Only one rebuild runs at a time; concurrent
// callers needing it share its result.
func (c *Cache) Get(ctx context.Context, force bool) (*Index, error) {
	if !force {
		if idx := c.current(); idx != nil && time.Since(idx.builtAt) < c.ttl {
			return idx, nil
		}
	}

	v, err, _ := c.flight.Do("rebuild", func() (any, error) {
		// A rebuild may have finished while this caller queued behind the
		// flight; serve it instead of scanning the directory again.
		if !force {
			if idx := c.current(); idx != nil && time.Since(idx.builtAt) < c.ttl {
				return idx, nil
			}
		}

		idx, err := c.build(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.idx = idx
		c.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

// Lookup resolves a raw phone against the current index, building it if
// needed.
func (c *Cache) Lookup(ctx context.Context, rawPhone string) (zoko.Customer, bool, error) {
	idx, err := c.Get(ctx, false)
	if err != nil {
		return zoko.Customer{}, false, err
	}
	cust, ok := idx.Lookup(rawPhone)
	return cust, ok, nil
}

// Invalidate drops the cached index so the next Get rebuilds.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.idx = nil
	c.mu.Unlock()
}

func (c *Cache) current() *Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.idx
}

// build scans the whole directory into a fresh index. Page 1 must succeed
// (it sizes the scan); later pages that fail are logged and skipped, since
// a partial index still resolves most lookups and the next rebuild gets
// another chance. While one page is being indexed the next is already being
// fetched.
func (c *Cache) build(ctx context.Context) (*Index, error) {
	started := time.Now()

	first, err := c.client.ListCustomers(ctx, 1)
	if err != nil {
		return nil, eris.Wrap(err, "phoneindex: fetch directory page 1")
	}

	entries := make(map[string]zoko.Customer, first.TotalCount)
	add := func(customers []zoko.Customer) {
		for _, cust := range customers {
			phone := match.NormalizePhone(cust.ChannelID, c.countryCode)
			if phone == "" {
				continue
			}
			// Later pages win on collision.
			entries[phone] = cust
		}
	}
	add(first.Customers)

	type pageResult struct {
		resp *zoko.CustomerPage
		err  error
	}
	fetch := func(page int) <-chan pageResult {
		ch := make(chan pageResult, 1)
		go func() {
			resp, err := c.client.ListCustomers(ctx, page)
			ch <- pageResult{resp: resp, err: err}
		}()
		return ch
	}

	skipped := 0
	var pending <-chan pageResult
	if first.TotalPages >= 2 {
		pending = fetch(2)
	}
	for page := 2; page <= first.TotalPages; page++ {
		res := <-pending
		if page < first.TotalPages {
			pending = fetch(page + 1)
		}

		if res.err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "phoneindex: directory scan cancelled")
			}
			skipped++
			zap.L().Warn("phone index: skipping directory page",
				zap.Int("page", page),
				zap.Error(res.err))
			continue
		}
		add(res.resp.Customers)
	}

	idx := &Index{
		entries:     entries,
		countryCode: c.countryCode,
		builtAt:     time.Now(),
	}

	zap.L().Info("phone index built",
		zap.Int("entries", len(entries)),
		zap.Int("pages", first.TotalPages),
		zap.Int("pages_skipped", skipped),
		zap.Duration("took", time.Since(started)))

	return idx, nil
}
