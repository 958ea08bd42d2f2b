// Package record models one JSON object returned by the Nightscout API.
//
// Records have no fixed schema: fields differ between categories, server
// versions and uploaders. A Record therefore keeps the server's field order
// and every value's exact JSON encoding, so the raw export can be written
// back out without reformatting numbers or reordering keys.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Record is an ordered mapping from field name to raw JSON value.
type Record = *orderedmap.OrderedMap[string, json.RawMessage]

// New returns an empty Record.
func New() Record {
	return orderedmap.New[string, json.RawMessage]()
}

// Keys returns the record's field names in order.
func Keys(r Record) []string {
	keys := make([]string, 0, r.Len())
	for pair := r.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// ToMap decodes every field of r into a plain map.
func ToMap(r Record) (map[string]interface{}, error) {
	out := make(map[string]interface{}, r.Len())
	for pair := r.Oldest(); pair != nil; pair = pair.Next() {
		var v interface{}
		if err := json.Unmarshal(pair.Value, &v); err != nil {
			return nil, fmt.Errorf("field '%s' holds invalid JSON: %w", pair.Key, err)
		}
		out[pair.Key] = v
	}
	return out, nil
}

// DecodePage parses one API response body. A JSON array must contain only
// objects; a single top-level object is treated as a one-record page, which
// is how some servers answer the profile endpoint.
func DecodePage(body []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty response body")
	}

	switch trimmed[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		records := make([]Record, 0, len(raw))
		for i, elem := range raw {
			r, err := decodeObject(elem)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			records = append(records, r)
		}
		return records, nil
	case '{':
		r, err := decodeObject(trimmed)
		if err != nil {
			return nil, err
		}
		return []Record{r}, nil
	default:
		return nil, fmt.Errorf("expected a JSON array or object, got %q", firstToken(trimmed))
	}
}

func decodeObject(raw json.RawMessage) (Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("expected a JSON object, got %q", firstToken(trimmed))
	}
	// Validate first: the ordered map's decoder is lenient about trailing garbage.
	if !json.Valid(trimmed) {
		return nil, errors.New("invalid JSON object")
	}
	r := New()
	if err := r.UnmarshalJSON(trimmed); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return r, nil
}

func firstToken(b []byte) string {
	const maxLen = 16
	if len(b) > maxLen {
		return string(b[:maxLen]) + "..."
	}
	return string(b)
}
