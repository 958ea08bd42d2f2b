// Package flatten turns schema-less records into rectangular tables.
package flatten

import (
	"bytes"
	"encoding/json"
	"fmt"

	"nightscout-export/internal/logging"
	"nightscout-export/internal/record"
)

// Table is a rectangular view of a record collection: one column per field
// name seen (first-seen order) and one row per record.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Options tunes flattening.
type Options struct {
	// Expand lists fields whose object values are spread into
	// "<field>_<key>" columns instead of one JSON-text column.
	Expand []string
}

// Flatten builds a Table from records. Column order is the order in which
// keys are first encountered scanning records in sequence; a missing field
// yields an empty cell. Zero records yield zero columns and zero rows.
func Flatten(records []record.Record, opts Options) *Table {
	expand := make(map[string]bool, len(opts.Expand))
	for _, f := range opts.Expand {
		expand[f] = true
	}

	index := make(map[string]int)
	var columns []string
	addColumn := func(name string) int {
		if i, ok := index[name]; ok {
			return i
		}
		index[name] = len(columns)
		columns = append(columns, name)
		return index[name]
	}

	// Top-level keys own their column names. Expanded columns are named
	// around them, so a record holding both "boluscalc_x" and
	// boluscalc.x keeps both values.
	var names *expandedNames
	if len(expand) > 0 {
		names = newExpandedNames(records)
	}

	// Cells are collected sparsely first since later records may add columns.
	sparse := make([]map[int]string, len(records))
	for i, r := range records {
		cells := make(map[int]string, r.Len())
		for pair := r.Oldest(); pair != nil; pair = pair.Next() {
			if expand[pair.Key] {
				if nested, ok := decodeObject(pair.Value); ok {
					for sub := nested.Oldest(); sub != nil; sub = sub.Next() {
						cells[addColumn(names.column(pair.Key, sub.Key))] = CellText(sub.Value)
					}
					continue
				}
			}
			cells[addColumn(pair.Key)] = CellText(pair.Value)
		}
		sparse[i] = cells
	}

	table := &Table{
		Columns: columns,
		Rows:    make([][]string, len(records)),
	}
	if table.Columns == nil {
		table.Columns = []string{}
	}
	for i, cells := range sparse {
		row := make([]string, len(columns))
		for col, text := range cells {
			row[col] = text
		}
		table.Rows[i] = row
	}

	logging.Logf(logging.Debug, "Flattened %d records into %d columns", len(records), len(columns))
	return table
}

// CellText renders one raw JSON value as CSV cell text: strings unquoted,
// numbers and booleans verbatim, null as empty, objects and arrays as
// compact JSON.
func CellText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
		return string(trimmed)
	case 'n':
		if string(trimmed) == "null" {
			return ""
		}
		return string(trimmed)
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err == nil {
			return buf.String()
		}
		return string(trimmed)
	default:
		return string(trimmed)
	}
}

// expandedNames assigns "<field>_<key>" column names to expanded values,
// adding a numeric suffix when the name is already a top-level key or was
// given to a different field/key pair.
type expandedNames struct {
	taken    map[string]bool
	assigned map[[2]string]string
}

func newExpandedNames(records []record.Record) *expandedNames {
	n := &expandedNames{taken: make(map[string]bool), assigned: make(map[[2]string]string)}
	for _, r := range records {
		for _, k := range record.Keys(r) {
			n.taken[k] = true
		}
	}
	return n
}

func (n *expandedNames) column(field, key string) string {
	id := [2]string{field, key}
	if name, ok := n.assigned[id]; ok {
		return name
	}
	base := field + "_" + key
	name := base
	for i := 2; n.taken[name]; i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	if name != base {
		logging.Logf(logging.Debug, "Expanded column '%s' collides with an existing column, using '%s'", base, name)
	}
	n.taken[name] = true
	n.assigned[id] = name
	return name
}

func decodeObject(raw json.RawMessage) (record.Record, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	nested := record.New()
	if err := nested.UnmarshalJSON(trimmed); err != nil {
		return nil, false
	}
	return nested, true
}
