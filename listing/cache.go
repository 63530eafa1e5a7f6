// Package listing serves hackathon listing pages through a single-slot cache
// keyed by the exact filter set and a freshness window.
package listing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/karthikraju391/hackmate/models"
	"github.com/karthikraju391/hackmate/observability"
	"github.com/karthikraju391/hackmate/storage"
)

// CacheKey is the store key of the single cache slot.
const CacheKey = "hackathons_cache"

// DefaultTTL is how long a fetched page stays fresh.
const DefaultTTL = 2 * time.Minute

// entry is the persisted slot: timestamp in unix milliseconds.
type entry struct {
	Timestamp int64                   `json:"timestamp"`
	Data      models.HackathonPage    `json:"data"`
	Filters   models.HackathonFilters `json:"filters"`
}

// Cache holds the last fetched page. Putting a page for other filters
// replaces it, so switching filters always misses.
type Cache struct {
	store  storage.Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type CacheOption func(*Cache)

func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = observability.Component(l, "listing")
	}
}

func NewCache(store storage.Store, opts ...CacheOption) *Cache {
	c := &Cache{
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: observability.Component(nil, "listing"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached page when the slot holds filters equal to filters
// and was written less than the TTL ago. Unreadable or malformed slots are
// misses.
func (c *Cache) Get(filters models.HackathonFilters) (models.HackathonPage, bool) {
	raw, ok, err := c.store.Get(CacheKey)
	if err != nil {
		c.logger.Warn("reading listing cache", "err", err)
		return models.HackathonPage{}, false
	}
	if !ok {
		return models.HackathonPage{}, false
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		c.logger.Warn("malformed listing cache entry", "err", err)
		return models.HackathonPage{}, false
	}
	age := c.now().Sub(time.UnixMilli(e.Timestamp))
	if age < 0 || age >= c.ttl || !e.Filters.Equal(filters) {
		return models.HackathonPage{}, false
	}
	return e.Data, true
}

// Put replaces the slot with page fetched for filters.
func (c *Cache) Put(filters models.HackathonFilters, page models.HackathonPage) error {
	raw, err := json.Marshal(entry{Timestamp: c.now().UnixMilli(), Data: page, Filters: filters})
	if err != nil {
		return fmt.Errorf("listing: encode cache entry: %w", err)
	}
	if err := c.store.Set(CacheKey, string(raw)); err != nil {
		return fmt.Errorf("listing: write cache entry: %w", err)
	}
	return nil
}

// Invalidate empties the slot.
func (c *Cache) Invalidate() error {
	if err := c.store.Remove(CacheKey); err != nil {
		return fmt.Errorf("listing: remove cache entry: %w", err)
	}
	return nil
}
