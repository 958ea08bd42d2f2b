package flatten

import (
	"nightscout-export/internal/record"
)

// Group is the subset of a collection sharing one value of the split field.
type Group struct {
	Value   string
	Records []record.Record
}

// SplitBy partitions records by the cell text of field, e.g. treatments by
// eventType. Groups appear in first-seen order and keep record order.
// Records without the field, or with an empty value, belong to no group.
func SplitBy(records []record.Record, field string) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, r := range records {
		raw, ok := r.Get(field)
		if !ok {
			continue
		}
		value := CellText(raw)
		if value == "" {
			continue
		}
		i, seen := index[value]
		if !seen {
			i = len(groups)
			index[value] = i
			groups = append(groups, Group{Value: value})
		}
		groups[i].Records = append(groups[i].Records, r)
	}
	return groups
}
