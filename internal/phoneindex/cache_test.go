package phoneindex

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchandsole/leadsync/pkg/zoko"
)

// fakeDirectory serves canned directory pages and counts every fetch, so
// tests can assert exactly how many remote calls a cache operation cost.
type fakeDirectory struct {
	pages     []*zoko.CustomerPage
	failPages map[int]error
	delay     time.Duration
	calls     atomic.Int32
}

func (f *fakeDirectory) ListCustomers(_ context.Context, page int) (*zoko.CustomerPage, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err, ok := f.failPages[page]; ok {
		return nil, err
	}
	if page < 1 || page > len(f.pages) {
		return nil, fmt.Errorf("no such page %d", page)
	}
	return f.pages[page-1], nil
}

func (f *fakeDirectory) ListMessages(context.Context, string) ([]zoko.Message, error) {
	return nil, nil
}

func customer(id, name, channelID string) zoko.Customer {
	return zoko.Customer{ID: id, Name: name, ChannelID: channelID}
}

// twoPageDirectory returns a fake with four customers split across two pages.
func twoPageDirectory() *fakeDirectory {
	return &fakeDirectory{
		pages: []*zoko.CustomerPage{
			{
				Customers: []zoko.Customer{
					customer("c1", "Ali Khan", "971501234567"),
					customer("c2", "Fatima Noor", "+971 50 765 4321"),
				},
				TotalPages: 2,
				TotalCount: 4,
			},
			{
				Customers: []zoko.Customer{
					customer("c3", "Omar Saeed", "0509998877"),
					customer("c4", "Sara Malik", "971521112233"),
				},
				TotalPages: 2,
				TotalCount: 4,
			},
		},
	}
}

func TestGet_ServesCachedIndexWithoutRefetch(t *testing.T) {
	t.Parallel()

	dir := twoPageDirectory()
	cache := New(dir, "971", time.Hour)

	idx, err := cache.Get(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 4, idx.Len())
	require.Equal(t, int32(2), dir.calls.Load())

	// A second read inside the TTL must not touch the directory at all.
	again, err := cache.Get(context.Background(), false)
	require.NoError(t, err)
	assert.Same(t, idx, again)
	assert.Equal(t, int32(2), dir.calls.Load())
}

func TestGet_RebuildsAfterTTL(t *testing.T) {
	t.Parallel()

	dir := twoPageDirectory()
	cache := New(dir, "971", time.Nanosecond)

	first, err := cache.Get(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, int32(2), dir.calls.Load())

	time.Sleep(time.Millisecond)

	second, err := cache.Get(context.Background(), false)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(4), dir.calls.Load())
}

func TestGet_ForceRebuilds(t *testing.T) {
	t.Parallel()

	dir := twoPageDirectory()
	cache := New(dir, "971", time.Hour)

	first, err := cache.Get(context.Background(), false)
	require.NoError(t, err)

	second, err := cache.Get(context.Background(), true)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(4), dir.calls.Load())
}

func TestInvalidate_ForcesNextGetToRebuild(t *testing.T) {
	t.Parallel()

	dir := twoPageDirectory()
	cache := New(dir, "971", time.Hour)

	_, err := cache.Get(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, int32(2), dir.calls.Load())

	cache.Invalidate()

	idx, err := cache.Get(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 4, idx.Len())
	assert.Equal(t, int32(4), dir.calls.Load())
}

func TestBuild_SkipsFailedPage(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{
		pages: []*zoko.CustomerPage{
			{Customers: []zoko.Customer{customer("c1", "Ali Khan", "971501234567")}, TotalPages: 3, TotalCount: 3},
			{Customers: []zoko.Customer{customer("c2", "Fatima Noor", "971507654321")}, TotalPages: 3, TotalCount: 3},
			{Customers: []zoko.Customer{customer("c3", "Omar Saeed", "971509998877")}, TotalPages: 3, TotalCount: 3},
		},
		failPages: map[int]error{2: fmt.Errorf("zoko: http 503")},
	}
	cache := New(dir, "971", time.Hour)

	idx, err := cache.Get(context.Background(), false)
	require.NoError(t, err)

	// The failed page is dropped; the pages around it still land.
	assert.Equal(t, 2, idx.Len())
	_, ok := idx.Lookup("0501234567")
	assert.True(t, ok)
	_, ok = idx.Lookup("0509998877")
	assert.True(t, ok)
	_, ok = idx.Lookup("0507654321")
	assert.False(t, ok)
}

func TestBuild_FirstPageFailureAborts(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{
		failPages: map[int]error{1: fmt.Errorf("zoko: http 500")},
	}
	cache := New(dir, "971", time.Hour)

	idx, err := cache.Get(context.Background(), false)
	require.Error(t, err)
	assert.Nil(t, idx)
	assert.Contains(t, err.Error(), "page 1")
}

func TestGet_ConcurrentCallersShareOneBuild(t *testing.T) {
	t.Parallel()

	dir := twoPageDirectory()
	dir.delay = 20 * time.Millisecond
	cache := New(dir, "971", time.Hour)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, err := cache.Get(context.Background(), false)
			assert.NoError(t, err)
			assert.Equal(t, 4, idx.Len())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), dir.calls.Load())
}

func TestCache_Lookup(t *testing.T) {
	t.Parallel()

	dir := twoPageDirectory()
	cache := New(dir, "971", time.Hour)

	cust, ok, err := cache.Lookup(context.Background(), "+971 50 123 4567")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Ali Khan", cust.Name)
}

func TestIndex_Lookup(t *testing.T) {
	t.Parallel()

	idx := &Index{
		countryCode: "971",
		entries: map[string]zoko.Customer{
			"501234567":    customer("c1", "Ali Khan", "971501234567"),
			"441234567890": customer("c2", "James Smith", "441234567890"),
		},
	}

	t.Run("exact normalized hit", func(t *testing.T) {
		cust, ok := idx.Lookup("00971501234567")
		require.True(t, ok)
		assert.Equal(t, "Ali Khan", cust.Name)
	})

	t.Run("query longer than key", func(t *testing.T) {
		// A foreign country code survives normalization; suffix matching
		// still finds the local entry.
		cust, ok := idx.Lookup("1441234567890")
		require.True(t, ok)
		assert.Equal(t, "James Smith", cust.Name)
	})

	t.Run("key longer than query", func(t *testing.T) {
		cust, ok := idx.Lookup("1234567890")
		require.True(t, ok)
		assert.Equal(t, "James Smith", cust.Name)
	})

	t.Run("miss", func(t *testing.T) {
		_, ok := idx.Lookup("0559999999")
		assert.False(t, ok)
	})

	t.Run("empty after normalization", func(t *testing.T) {
		_, ok := idx.Lookup("+971")
		assert.False(t, ok)
	})
}

func TestBuild_LaterPageWinsOnCollision(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{
		pages: []*zoko.CustomerPage{
			{Customers: []zoko.Customer{customer("old", "Ali Khan", "971501234567")}, TotalPages: 2, TotalCount: 2},
			{Customers: []zoko.Customer{customer("new", "Ali K.", "0501234567")}, TotalPages: 2, TotalCount: 2},
		},
	}
	cache := New(dir, "971", time.Hour)

	idx, err := cache.Get(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, idx.Len())

	cust, ok := idx.Lookup("501234567")
	require.True(t, ok)
	assert.Equal(t, "new", cust.ID)
}

func TestBuild_SkipsCustomersWithoutUsablePhone(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{
		pages: []*zoko.CustomerPage{
			{
				Customers: []zoko.Customer{
					customer("c1", "Ali Khan", "971501234567"),
					customer("c2", "No Channel", ""),
					customer("c3", "Just Zeros", "000"),
				},
				TotalPages: 1,
				TotalCount: 3,
			},
		},
	}
	cache := New(dir, "971", time.Hour)

	idx, err := cache.Get(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
}

func TestNew_DefaultTTL(t *testing.T) {
	t.Parallel()

	cache := New(&fakeDirectory{}, "971", 0)
	assert.Equal(t, DefaultTTL, cache.ttl)
}
