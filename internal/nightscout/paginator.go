package nightscout

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"nightscout-export/internal/logging"
	"nightscout-export/internal/record"
)

// PagingStrategy selects how successive pages are requested.
type PagingStrategy string

const (
	// PagingOffset requests count=P&skip=N*P.
	PagingOffset PagingStrategy = "offset"
	// PagingCursor requests count=P&find[<field>][$lt]=<last value seen>,
	// walking backwards through time the way the API's own clients do.
	PagingCursor PagingStrategy = "cursor"
)

// DefaultMaxPages bounds the number of full pages fetched for one category.
const DefaultMaxPages = 10000

// ParsePagingStrategy validates a strategy name; empty means offset.
func ParsePagingStrategy(s string) (PagingStrategy, error) {
	switch PagingStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PagingOffset:
		return PagingOffset, nil
	case PagingCursor:
		return PagingCursor, nil
	default:
		return "", fmt.Errorf("invalid paging strategy '%s', must be one of [%s %s]", s, PagingOffset, PagingCursor)
	}
}

// Paginator drains a category endpoint page by page.
type Paginator struct {
	Fetcher Fetcher
	// MaxPages caps the number of full pages; reaching it is an error.
	// Zero means DefaultMaxPages.
	MaxPages int
	// MaxRecords stops the export after this many records. Zero means no limit.
	MaxRecords int
}

// NewPaginator returns a Paginator with the default page cap.
func NewPaginator(f Fetcher) *Paginator {
	return &Paginator{Fetcher: f, MaxPages: DefaultMaxPages}
}

// FetchAll requests pages of pageSize records until a page comes back
// shorter than pageSize, returning every record in the order received.
func (p *Paginator) FetchAll(ctx context.Context, cat Category, pageSize int, strategy PagingStrategy) ([]record.Record, error) {
	if pageSize < 1 {
		return nil, fmt.Errorf("page size must be at least 1, got %d", pageSize)
	}
	if strategy == "" {
		strategy = PagingOffset
	}
	maxPages := p.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	if !cat.Paged {
		page, err := p.Fetcher.Fetch(ctx, cat.Path, map[string]string{"count": strconv.Itoa(pageSize)})
		if err != nil {
			return nil, err
		}
		logging.Categoryf(logging.Info, cat.Name, "Retrieved %d records in a single request", len(page))
		return p.truncate(cat, page), nil
	}

	var all []record.Record
	cursor := ""
	for pageNum := 0; ; pageNum++ {
		if pageNum >= maxPages {
			return nil, &PaginationExhaustedError{Endpoint: cat.Path, Pages: pageNum, Records: len(all)}
		}

		params := map[string]string{"count": strconv.Itoa(pageSize)}
		switch strategy {
		case PagingOffset:
			params["skip"] = strconv.Itoa(pageNum * pageSize)
		case PagingCursor:
			if pageNum > 0 {
				params[cursorParam(cat.CursorField)] = cursor
			}
		default:
			return nil, fmt.Errorf("unsupported paging strategy '%s'", strategy)
		}

		page, err := p.Fetcher.Fetch(ctx, cat.Path, params)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		logging.Categoryf(logging.Info, cat.Name, "Retrieved page %d: %d records%s (total %d)",
			pageNum+1, len(page), pageRange(page, cat.CursorField), len(all))

		if len(page) < pageSize {
			break
		}
		if p.MaxRecords > 0 && len(all) >= p.MaxRecords {
			logging.Categoryf(logging.Info, cat.Name, "Max records (%d) reached, stopping", p.MaxRecords)
			break
		}
		if strategy == PagingCursor {
			next, err := cursorValue(page[len(page)-1], cat.CursorField)
			if err != nil {
				return nil, &ResponseFormatError{Endpoint: cat.Path, Err: err}
			}
			cursor = next
		}
	}

	if all == nil {
		all = []record.Record{}
	}
	return p.truncate(cat, all), nil
}

func (p *Paginator) truncate(cat Category, records []record.Record) []record.Record {
	if p.MaxRecords > 0 && len(records) > p.MaxRecords {
		logging.Categoryf(logging.Debug, cat.Name, "Truncating %d records to max %d", len(records), p.MaxRecords)
		return records[:p.MaxRecords]
	}
	return records
}

func cursorParam(field string) string {
	return "find[" + field + "][$lt]"
}

// cursorValue renders the cursor field of r as a query parameter value:
// strings unquoted, numbers verbatim.
func cursorValue(r record.Record, field string) (string, error) {
	raw, ok := r.Get(field)
	if !ok {
		return "", fmt.Errorf("cannot page by '%s': last record of the page has no such field", field)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("cannot page by '%s': last record has an empty value", field)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("cannot page by '%s': value %s is neither a string nor a number", field, raw)
}

// pageRange describes the cursor field span of a page for progress logs.
func pageRange(page []record.Record, field string) string {
	if len(page) == 0 || field == "" {
		return ""
	}
	first, err1 := cursorValue(page[0], field)
	last, err2 := cursorValue(page[len(page)-1], field)
	if err1 != nil || err2 != nil {
		return ""
	}
	return fmt.Sprintf(" %s - %s", last, first)
}
