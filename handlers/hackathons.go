package handlers

import (
	"cmp"
	"slices"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"

	"github.com/karthikraju391/hackmate/models"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Catalog is the relay's hackathon listing.
type Catalog struct {
	mu    sync.RWMutex
	items []models.Hackathon
}

func NewCatalog(items ...models.Hackathon) *Catalog {
	return &Catalog{items: slices.Clone(items)}
}

func (cat *Catalog) Add(h models.Hackathon) {
	cat.mu.Lock()
	defer cat.mu.Unlock()
	cat.items = append(cat.items, h)
}

// Query filters, sorts and paginates the listing.
func (cat *Catalog) Query(f models.HackathonFilters) models.HackathonPage {
	cat.mu.RLock()
	matched := make([]models.Hackathon, 0, len(cat.items))
	for _, h := range cat.items {
		if matches(h, f) {
			matched = append(matched, h)
		}
	}
	cat.mu.RUnlock()

	sortHackathons(matched, f.SortBy, f.SortOrder)

	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	page := max(f.Page, 1)

	total := len(matched)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	data := matched[start:end]
	if data == nil {
		data = []models.Hackathon{}
	}
	return models.HackathonPage{
		Success:     true,
		Count:       len(data),
		Total:       total,
		CurrentPage: page,
		TotalPages:  (total + limit - 1) / limit,
		Data:        data,
	}
}

func (cat *Catalog) Get(id string) (models.Hackathon, bool) {
	cat.mu.RLock()
	defer cat.mu.RUnlock()
	for _, h := range cat.items {
		if h.ID == id {
			return h, true
		}
	}
	return models.Hackathon{}, false
}

func matches(h models.Hackathon, f models.HackathonFilters) bool {
	if f.Status != "" && string(h.Status) != f.Status {
		return false
	}
	if f.Mode != "" && !strings.EqualFold(h.Mode, f.Mode) {
		return false
	}
	for _, tag := range f.Tags {
		if !slices.ContainsFunc(h.Tags, func(t string) bool { return strings.EqualFold(t, tag) }) {
			return false
		}
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if !strings.Contains(strings.ToLower(h.Title), q) && !strings.Contains(strings.ToLower(h.Description), q) {
			return false
		}
	}
	return true
}

func sortHackathons(items []models.Hackathon, by, order string) {
	var key func(a, b models.Hackathon) int
	switch by {
	case "title":
		key = func(a, b models.Hackathon) int { return cmp.Compare(a.Title, b.Title) }
	case "participants":
		key = func(a, b models.Hackathon) int { return cmp.Compare(a.Participants, b.Participants) }
	case "endDate":
		key = func(a, b models.Hackathon) int { return cmp.Compare(a.EndDate, b.EndDate) }
	default:
		key = func(a, b models.Hackathon) int { return cmp.Compare(a.StartDate, b.StartDate) }
	}
	if order == "desc" {
		slices.SortStableFunc(items, func(a, b models.Hackathon) int { return key(b, a) })
		return
	}
	slices.SortStableFunc(items, key)
}

// HackathonHandler serves /api/hackathons.
type HackathonHandler struct {
	Catalog *Catalog
}

func (h *HackathonHandler) List(c *fiber.Ctx) error {
	filters := models.FiltersFromValues(queryValues(c))
	return c.JSON(h.Catalog.Query(filters))
}

func (h *HackathonHandler) Get(c *fiber.Ctx) error {
	item, ok := h.Catalog.Get(c.Params("id"))
	if !ok {
		return fail(c, fiber.StatusNotFound, "hackathon not found")
	}
	return c.JSON(fiber.Map{"success": true, "data": item})
}
