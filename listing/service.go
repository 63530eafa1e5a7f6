package listing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/karthikraju391/hackmate/models"
	"github.com/karthikraju391/hackmate/observability"
)

// Fetcher is the listing surface of the HTTP client.
type Fetcher interface {
	Hackathons(ctx context.Context, filters models.HackathonFilters) (models.HackathonPage, error)
	Hackathon(ctx context.Context, id string) (models.Hackathon, error)
}

// sharedFetchTimeout bounds a fetch once it no longer follows a caller's
// context.
const sharedFetchTimeout = 30 * time.Second

// Service answers listing queries from the cache, fetching on a miss.
type Service struct {
	cache   *Cache
	fetcher Fetcher
	logger  *slog.Logger
	group   singleflight.Group
}

func NewService(cache *Cache, fetcher Fetcher, logger *slog.Logger) *Service {
	return &Service{cache: cache, fetcher: fetcher, logger: observability.Component(logger, "listing")}
}

// Hackathons returns the page for filters. Concurrent misses for equal
// filters share one fetch, which runs detached from any single caller so that
// one caller giving up does not fail the others. Each caller still returns as
// soon as its own ctx is done. A failed cache write is logged and the fetched
// page still returned.
func (s *Service) Hackathons(ctx context.Context, filters models.HackathonFilters) (models.HackathonPage, error) {
	if page, ok := s.cache.Get(filters); ok {
		return page, nil
	}
	key, err := json.Marshal(filters)
	if err != nil {
		return models.HackathonPage{}, fmt.Errorf("listing: key: %w", err)
	}
	ch := s.group.DoChan(string(key), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()
		page, err := s.fetcher.Hackathons(fetchCtx, filters)
		if err != nil {
			return models.HackathonPage{}, err
		}
		if err := s.cache.Put(filters, page); err != nil {
			s.logger.Warn("caching listing page", "err", err)
		}
		return page, nil
	})
	select {
	case <-ctx.Done():
		return models.HackathonPage{}, fmt.Errorf("listing: fetch hackathons: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return models.HackathonPage{}, fmt.Errorf("listing: fetch hackathons: %w", res.Err)
		}
		if res.Shared {
			s.logger.Debug("shared listing fetch", "key", string(key))
		}
		return res.Val.(models.HackathonPage), nil
	}
}

// Hackathon fetches one event. Single events are not cached.
func (s *Service) Hackathon(ctx context.Context, id string) (models.Hackathon, error) {
	h, err := s.fetcher.Hackathon(ctx, id)
	if err != nil {
		return models.Hackathon{}, fmt.Errorf("listing: fetch hackathon %s: %w", id, err)
	}
	return h, nil
}
