package listing

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/hackmate/models"
	"github.com/karthikraju391/hackmate/observability"
	"github.com/karthikraju391/hackmate/storage"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCache(t *testing.T) (*Cache, *storage.Memory, *clock) {
	t.Helper()
	store := storage.NewMemory()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewCache(store, WithClock(clk.now), WithLogger(observability.Discard())), store, clk
}

func page(titles ...string) models.HackathonPage {
	p := models.HackathonPage{Success: true, Count: len(titles), Total: len(titles), CurrentPage: 1, TotalPages: 1}
	for i, title := range titles {
		p.Data = append(p.Data, models.Hackathon{ID: string(rune('a' + i)), Title: title, Status: models.HackathonUpcoming})
	}
	return p
}

func TestCacheMissWhenEmpty(t *testing.T) {
	c, _, _ := newTestCache(t)
	_, ok := c.Get(models.HackathonFilters{})
	require.False(t, ok)
}

func TestCacheHitWithinTTL(t *testing.T) {
	c, _, clk := newTestCache(t)
	filters := models.HackathonFilters{Page: 1, Limit: 10, Tags: []string{"ai", "web"}}
	want := page("Hack One", "Hack Two")
	require.NoError(t, c.Put(filters, want))

	for _, d := range []time.Duration{0, time.Second, DefaultTTL - time.Millisecond} {
		clk.t = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(d)
		got, ok := c.Get(models.HackathonFilters{Page: 1, Limit: 10, Tags: []string{"ai", "web"}})
		require.True(t, ok, d.String())
		require.Equal(t, want, got)
	}
}

func TestCacheReturnsPageUnchanged(t *testing.T) {
	c, _, _ := newTestCache(t)
	filters := models.HackathonFilters{Page: 1}
	want := models.HackathonPage{
		Success: true,
		Count:   2,
		Data: []models.Hackathon{
			{ID: "a", Title: "No tags yet", Tags: []string{}},
			{ID: "b", Title: "Untagged", Tags: nil},
		},
	}
	require.NoError(t, c.Put(filters, want))

	got, ok := c.Get(filters)
	require.True(t, ok)
	require.Equal(t, want, got)
	require.NotNil(t, got.Data[0].Tags)
	require.Nil(t, got.Data[1].Tags)

	empty := models.HackathonPage{Success: true, Data: []models.Hackathon{}}
	require.NoError(t, c.Put(filters, empty))
	got, ok = c.Get(filters)
	require.True(t, ok)
	require.Equal(t, empty, got)
}

func TestCacheExpiresAtTTL(t *testing.T) {
	c, _, clk := newTestCache(t)
	filters := models.HackathonFilters{Page: 1}
	require.NoError(t, c.Put(filters, page("Hack")))

	clk.t = clk.t.Add(DefaultTTL)
	_, ok := c.Get(filters)
	require.False(t, ok)
}

func TestCacheSwitchingFiltersMisses(t *testing.T) {
	c, _, _ := newTestCache(t)
	f1 := models.HackathonFilters{Page: 1, Status: "upcoming"}
	f2 := models.HackathonFilters{Page: 2, Status: "upcoming"}

	require.NoError(t, c.Put(f1, page("One")))
	require.NoError(t, c.Put(f2, page("Two")))

	_, ok := c.Get(f1)
	require.False(t, ok, "single slot holds only the last filters")
	got, ok := c.Get(f2)
	require.True(t, ok)
	require.Equal(t, "Two", got.Data[0].Title)
}

func TestCacheFilterEqualityIsStructural(t *testing.T) {
	c, _, _ := newTestCache(t)
	require.NoError(t, c.Put(models.HackathonFilters{Tags: []string{"ai", "web"}}, page("One")))

	_, ok := c.Get(models.HackathonFilters{Tags: []string{"web", "ai"}})
	require.False(t, ok, "tag order is part of the query")

	_, ok = c.Get(models.HackathonFilters{Tags: []string{"ai", "web"}, Search: "x"})
	require.False(t, ok)
}

func TestCacheMalformedEntryIsMiss(t *testing.T) {
	c, store, _ := newTestCache(t)
	require.NoError(t, store.Set(CacheKey, "{not json"))

	_, ok := c.Get(models.HackathonFilters{})
	require.False(t, ok)

	require.NoError(t, c.Put(models.HackathonFilters{}, page("One")))
	_, ok = c.Get(models.HackathonFilters{})
	require.True(t, ok)
}

func TestCachePersistsOriginalShape(t *testing.T) {
	c, store, clk := newTestCache(t)
	require.NoError(t, c.Put(models.HackathonFilters{Page: 3}, page("One")))

	raw, ok, err := store.Get(CacheKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, raw, `"timestamp":`+strconv.FormatInt(clk.t.UnixMilli(), 10))
	require.Contains(t, raw, `"filters":{"page":3}`)
	require.Contains(t, raw, `"data":{"success":true`)
}

func TestCacheSurvivesReopen(t *testing.T) {
	c, store, clk := newTestCache(t)
	require.NoError(t, c.Put(models.HackathonFilters{Page: 1}, page("One")))

	reopened := NewCache(store, WithClock(clk.now), WithLogger(observability.Discard()))
	_, ok := reopened.Get(models.HackathonFilters{Page: 1})
	require.True(t, ok)

	require.NoError(t, reopened.Invalidate())
	_, ok = c.Get(models.HackathonFilters{Page: 1})
	require.False(t, ok)
}

func TestCacheCustomTTL(t *testing.T) {
	store := storage.NewMemory()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewCache(store, WithClock(clk.now), WithTTL(10*time.Second), WithLogger(observability.Discard()))
	require.NoError(t, c.Put(models.HackathonFilters{}, page("One")))

	clk.t = clk.t.Add(9 * time.Second)
	_, ok := c.Get(models.HackathonFilters{})
	require.True(t, ok)

	clk.t = clk.t.Add(time.Second)
	_, ok = c.Get(models.HackathonFilters{})
	require.False(t, ok)
}
