package nightscout

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCategory is returned for category names outside the catalog.
var ErrUnknownCategory = errors.New("unknown category")

// Category is one kind of data the server exposes at a fixed endpoint.
type Category struct {
	// Name is used in flags, config and output file names.
	Name string
	// Path is the endpoint path relative to the base URL.
	Path string
	// CursorField is the timestamp field used by cursor paging.
	CursorField string
	// Paged reports whether the endpoint honours count/skip. Unpaged
	// endpoints are fetched with a single request.
	Paged bool
	// DefaultPageSize is the page size used when none is configured.
	DefaultPageSize int
}

var catalog = []Category{
	{Name: "entries", Path: "api/v1/entries.json", CursorField: "dateString", Paged: true, DefaultPageSize: 2000},
	{Name: "treatments", Path: "api/v1/treatments.json", CursorField: "created_at", Paged: true, DefaultPageSize: 2000},
	{Name: "devicestatus", Path: "api/v1/devicestatus.json", CursorField: "created_at", Paged: true, DefaultPageSize: 2000},
	{Name: "profile", Path: "api/v1/profile.json", CursorField: "startDate", Paged: false, DefaultPageSize: 100},
	{Name: "food", Path: "api/v1/food.json", CursorField: "created_at", Paged: false, DefaultPageSize: 1000},
}

// CategoryNames returns the catalog names in default export order.
func CategoryNames() []string {
	names := make([]string, len(catalog))
	for i, c := range catalog {
		names[i] = c.Name
	}
	return names
}

// LookupCategory finds a catalog entry by case-insensitive name.
func LookupCategory(name string) (Category, error) {
	for _, c := range catalog {
		if strings.EqualFold(c.Name, strings.TrimSpace(name)) {
			return c, nil
		}
	}
	return Category{}, fmt.Errorf("%w '%s' (known: %s)", ErrUnknownCategory, name, strings.Join(CategoryNames(), ", "))
}
