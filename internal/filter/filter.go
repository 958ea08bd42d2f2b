// Package filter drops records that do not match a boolean expression,
// e.g. `eventType == 'Meal Bolus' && carbs > 0`.
package filter

import (
	"fmt"

	"nightscout-export/internal/logging"
	"nightscout-export/internal/record"

	"github.com/Knetic/govaluate"
)

// evaluator is the part of *govaluate.EvaluableExpression the filter uses.
type evaluator interface {
	Eval(govaluate.Parameters) (interface{}, error)
}

// Filter keeps records for which its expression evaluates to true.
type Filter struct {
	expr string
	eval evaluator
}

// New compiles expr. Field names in the expression refer to top-level
// record fields; use [brackets] for names that are not identifiers.
func New(expr string) (*Filter, error) {
	compiled, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid filter expression '%s': %w", expr, err)
	}
	return &Filter{expr: expr, eval: compiled}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	return f.expr
}

// Apply returns the records that match, in their original order, and the
// number skipped. Records whose evaluation fails or yields a non-boolean are
// skipped with a warning. Fields missing from a record evaluate as nil.
func (f *Filter) Apply(category string, records []record.Record) ([]record.Record, int) {
	kept := make([]record.Record, 0, len(records))
	skipped := 0
	for i, r := range records {
		params, err := record.ToMap(r)
		if err != nil {
			logging.Categoryf(logging.Warning, category, "Filter: record %d could not be decoded, skipping: %v", i, err)
			skipped++
			continue
		}
		result, err := f.eval.Eval(missingAsNil(params))
		if err != nil {
			logging.Categoryf(logging.Warning, category, "Filter: evaluation failed for record %d, skipping: %v", i, err)
			skipped++
			continue
		}
		keep, isBool := result.(bool)
		if !isBool {
			logging.Categoryf(logging.Warning, category, "Filter: expression returned %T (%v) for record %d, skipping", result, result, i)
			skipped++
			continue
		}
		if !keep {
			skipped++
			continue
		}
		kept = append(kept, r)
	}
	logging.Categoryf(logging.Info, category, "Filter '%s' applied: %d kept, %d skipped", f.expr, len(kept), skipped)
	return kept, skipped
}

// missingAsNil wraps a record map so govaluate sees absent fields as nil
// instead of failing with "No parameter found".
type missingAsNil map[string]interface{}

func (m missingAsNil) Get(name string) (interface{}, error) {
	return m[name], nil
}
