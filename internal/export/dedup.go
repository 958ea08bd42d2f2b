package export

import (
	"fmt"
	"strings"

	"nightscout-export/internal/logging"
	"nightscout-export/internal/record"
)

// Dedup strategies.
const (
	DedupFirst = "first"
	DedupLast  = "last"
)

const missingKeyPlaceholder = "<missing>"

// Dedup describes how duplicate records of a category are collapsed.
type Dedup struct {
	// Keys are the fields forming the identity of a record, usually "_id".
	Keys []string
	// Strategy is DedupFirst (default) or DedupLast.
	Strategy string
}

// Enabled reports whether any dedup keys are configured.
func (d Dedup) Enabled() bool { return len(d.Keys) > 0 }

// Apply removes records sharing the same key values. The surviving record
// of each key keeps the position of the key's first occurrence, so output
// order follows input order. Records lacking every key field have no
// identity and are always kept. It returns the remaining records and how
// many were dropped.
func (d Dedup) Apply(category string, records []record.Record) ([]record.Record, int, error) {
	if !d.Enabled() || len(records) == 0 {
		return records, 0, nil
	}
	strategy := strings.ToLower(d.Strategy)
	if strategy == "" {
		strategy = DedupFirst
	}
	if strategy != DedupFirst && strategy != DedupLast {
		return nil, 0, fmt.Errorf("unknown dedup strategy '%s'", d.Strategy)
	}

	position := make(map[string]int, len(records))
	unique := make([]record.Record, 0, len(records))
	keyless := 0
	for i, r := range records {
		key, ok := compositeKey(r, d.Keys)
		if !ok {
			keyless++
			unique = append(unique, r)
			continue
		}
		if pos, seen := position[key]; seen {
			if strategy == DedupLast {
				unique[pos] = r
			}
			logging.Categoryf(logging.Debug, category, "Dedup (%s): record %d duplicates key '%s'", strategy, i, key)
			continue
		}
		position[key] = len(unique)
		unique = append(unique, r)
	}

	if keyless > 0 {
		logging.Categoryf(logging.Debug, category, "Dedup kept %d records without any of the keys %v", keyless, d.Keys)
	}
	dropped := len(records) - len(unique)
	if dropped > 0 {
		logging.Categoryf(logging.Info, category, "Dedup removed %d duplicate records (%d -> %d) on keys %v", dropped, len(records), len(unique), d.Keys)
	}
	return unique, dropped, nil
}

// compositeKey joins the raw JSON of each key field, so 1 and "1" differ.
// ok is false when the record has none of the key fields.
func compositeKey(r record.Record, keys []string) (key string, ok bool) {
	parts := make([]string, len(keys))
	for i, k := range keys {
		raw, present := r.Get(k)
		if !present {
			parts[i] = missingKeyPlaceholder
			continue
		}
		parts[i] = string(raw)
		ok = true
	}
	return strings.Join(parts, "||"), ok
}
