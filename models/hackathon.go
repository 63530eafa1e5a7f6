package models

import (
	"net/url"
	"slices"
	"strconv"
	"strings"
)

type HackathonStatus string

const (
	HackathonUpcoming         HackathonStatus = "upcoming"
	HackathonRegistrationOpen HackathonStatus = "registration_open"
	HackathonOngoing          HackathonStatus = "ongoing"
	HackathonCompleted        HackathonStatus = "completed"
)

// Hackathon is a single event listing.
type Hackathon struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Status       HackathonStatus `json:"status"`
	Mode         string          `json:"mode"` // online, offline or hybrid
	Tags         []string        `json:"tags"`
	StartDate    string          `json:"startDate"`
	EndDate      string          `json:"endDate"`
	MaxTeamSize  int             `json:"maxTeamSize,omitempty"`
	Participants int             `json:"participants,omitempty"`
}

// HackathonPage is one page of a listing query.
type HackathonPage struct {
	Success     bool        `json:"success"`
	Count       int         `json:"count"`
	Total       int         `json:"total"`
	CurrentPage int         `json:"currentPage"`
	TotalPages  int         `json:"totalPages"`
	Data        []Hackathon `json:"data"`
}

// HackathonFilters are the query parameters of a listing request. Two filter
// sets address the same page only when Equal reports true.
type HackathonFilters struct {
	Page      int      `json:"page,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Status    string   `json:"status,omitempty"`
	Mode      string   `json:"mode,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Search    string   `json:"search,omitempty"`
	SortBy    string   `json:"sortBy,omitempty"`
	SortOrder string   `json:"sortOrder,omitempty"`
}

// Equal compares every field, tags in order. A nil and an empty tag list are
// the same query.
func (f HackathonFilters) Equal(o HackathonFilters) bool {
	return f.Page == o.Page &&
		f.Limit == o.Limit &&
		f.Status == o.Status &&
		f.Mode == o.Mode &&
		f.Search == o.Search &&
		f.SortBy == o.SortBy &&
		f.SortOrder == o.SortOrder &&
		slices.Equal(f.Tags, o.Tags)
}

// Values encodes the filters as listing query parameters. Zero values are omitted.
func (f HackathonFilters) Values() url.Values {
	q := url.Values{}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Mode != "" {
		q.Set("mode", f.Mode)
	}
	if len(f.Tags) > 0 {
		q.Set("tags", strings.Join(f.Tags, ","))
	}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	if f.SortBy != "" {
		q.Set("sortBy", f.SortBy)
	}
	if f.SortOrder != "" {
		q.Set("sortOrder", f.SortOrder)
	}
	return q
}

// FiltersFromValues is the inverse of Values. Malformed numbers are ignored.
func FiltersFromValues(q url.Values) HackathonFilters {
	f := HackathonFilters{
		Status:    q.Get("status"),
		Mode:      q.Get("mode"),
		Search:    q.Get("search"),
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
	}
	if n, err := strconv.Atoi(q.Get("page")); err == nil {
		f.Page = n
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = n
	}
	if tags := q.Get("tags"); tags != "" {
		f.Tags = strings.Split(tags, ",")
	}
	return f
}
