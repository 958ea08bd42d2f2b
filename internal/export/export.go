// Package export runs the per-category pipeline: fetch every page, filter
// and flatten the records, then write each configured output format.
package export

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"nightscout-export/internal/filter"
	"nightscout-export/internal/flatten"
	etlio "nightscout-export/internal/io"
	"nightscout-export/internal/logging"
	"nightscout-export/internal/nightscout"
	"nightscout-export/internal/record"
	"nightscout-export/internal/util"
)

// Source retrieves the complete collection of one category.
// *nightscout.Paginator implements it.
type Source interface {
	FetchAll(ctx context.Context, cat nightscout.Category, pageSize int, strategy nightscout.PagingStrategy) ([]record.Record, error)
}

// Options are the per-category processing settings.
type Options struct {
	// Filter, when set, drops non-matching records before anything is written.
	Filter *filter.Filter
	// Dedup collapses duplicate records before filtering.
	Dedup Dedup
	// Expand lists object fields unpacked into <field>_<key> columns.
	Expand []string
	// SplitBy, when set, also writes one file set per distinct value of
	// this field.
	SplitBy string
}

// CategoryJob is one category to export.
type CategoryJob struct {
	Category nightscout.Category
	PageSize int
	Strategy nightscout.PagingStrategy
	Options  Options
}

// Exporter drives the categories of a run through the pipeline.
type Exporter struct {
	Source  Source
	Writers []etlio.OutputWriter
}

// NewExporter creates an Exporter.
func NewExporter(source Source, writers []etlio.OutputWriter) *Exporter {
	return &Exporter{Source: source, Writers: writers}
}

// Result is the outcome of one category.
type Result struct {
	Category string
	State    State
	// FailedIn is the state the category was in when it failed. Only
	// meaningful when State is Failed.
	FailedIn State
	// Fetched is the number of records the server returned.
	Fetched int
	// Records is the number of records written after dedup and filtering.
	Records int
	Files   []string
	Err     error
	Elapsed time.Duration
}

// ErrorKind names the kind of r.Err for reporting.
func (r Result) ErrorKind() string {
	return ErrorKind(r.Err)
}

// Summary collects the results of a run in category order.
type Summary struct {
	Results []Result
	Elapsed time.Duration
}

// OK reports whether every category reached Done.
func (s *Summary) OK() bool {
	for _, r := range s.Results {
		if r.State != Done {
			return false
		}
	}
	return true
}

// Err returns the first category failure, or nil.
func (s *Summary) Err() error {
	for _, r := range s.Results {
		if r.Err != nil {
			return fmt.Errorf("category '%s': %w", r.Category, r.Err)
		}
	}
	return nil
}

// Failed returns the number of categories that did not complete.
func (s *Summary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if r.State != Done {
			n++
		}
	}
	return n
}

// ErrorKind maps an error to the kind name used in logs and the run summary.
func ErrorKind(err error) string {
	var writeErr *etlio.WriteError
	if errors.As(err, &writeErr) {
		return "WriteError"
	}
	return nightscout.KindOf(err)
}

// Run exports the jobs one at a time in the given order. A failing category
// is recorded and logged, and the next one still runs. outputDir must exist.
func (e *Exporter) Run(ctx context.Context, jobs []CategoryJob, outputDir string) *Summary {
	start := time.Now()
	summary := &Summary{Results: make([]Result, 0, len(jobs))}
	for i, job := range jobs {
		logging.Logf(logging.Info, "Exporting category %d/%d: %s", i+1, len(jobs), job.Category.Name)
		res := e.runCategory(ctx, job, outputDir)
		if res.Err != nil {
			logging.Categoryf(logging.Error, res.Category, "Export failed during %s (%s): %v", res.FailedIn, res.ErrorKind(), res.Err)
		} else {
			logging.Categoryf(logging.Info, res.Category, "Export complete: %d records, %d files in %v", res.Records, len(res.Files), res.Elapsed.Round(time.Millisecond))
		}
		summary.Results = append(summary.Results, res)
	}
	summary.Elapsed = time.Since(start)
	return summary
}

func (e *Exporter) runCategory(ctx context.Context, job CategoryJob, outputDir string) (res Result) {
	start := time.Now()
	name := job.Category.Name
	st := newTracker(name)
	res.Category = name
	defer func() {
		res.State = st.state
		res.FailedIn = st.failedIn
		res.Elapsed = time.Since(start)
	}()

	fail := func(err error) Result {
		st.advance(Failed)
		res.Err = err
		return res
	}

	// An interrupted run fails the remaining categories without a request.
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	// --- Fetch ---
	st.advance(Fetching)
	records, err := e.Source.FetchAll(ctx, job.Category, job.PageSize, job.Strategy)
	if err != nil {
		return fail(err)
	}
	res.Fetched = len(records)
	logging.Categoryf(logging.Info, name, "Fetched %d records", len(records))

	// --- Dedup, filter, flatten, split ---
	st.advance(Flattening)
	datasets, err := buildDatasets(name, records, job.Options)
	if err != nil {
		return fail(err)
	}
	res.Records = len(datasets[0].Records)

	// --- Write every dataset in every format ---
	st.advance(Writing)
	for _, ds := range datasets {
		for _, w := range e.Writers {
			path := filepath.Join(outputDir, ds.Name+w.Extension())
			if err := w.Write(ds, path); err != nil {
				return fail(err)
			}
			logging.Categoryf(logging.Debug, name, "Wrote %s (%d records)", path, len(ds.Records))
			res.Files = append(res.Files, path)
		}
	}

	st.advance(Done)
	return res
}

// buildDatasets prepares the combined dataset of a category followed by one
// dataset per split group.
func buildDatasets(category string, records []record.Record, opts Options) ([]etlio.Dataset, error) {
	records, _, err := opts.Dedup.Apply(category, records)
	if err != nil {
		return nil, err
	}
	if opts.Filter != nil {
		records, _ = opts.Filter.Apply(category, records)
	}

	flatOpts := flatten.Options{Expand: opts.Expand}
	table := flatten.Flatten(records, flatOpts)
	logging.Categoryf(logging.Debug, category, "Flattened %d records into %d columns", len(table.Rows), len(table.Columns))
	datasets := []etlio.Dataset{{Name: category, Records: records, Table: table}}

	if opts.SplitBy == "" {
		return datasets, nil
	}
	used := map[string]bool{category: true}
	groups := flatten.SplitBy(records, opts.SplitBy)
	for _, g := range groups {
		datasets = append(datasets, etlio.Dataset{
			Name:    uniqueName(used, category+"_"+util.SanitizeFileName(g.Value)),
			Records: g.Records,
			Table:   flatten.Flatten(g.Records, flatOpts),
		})
	}
	logging.Categoryf(logging.Info, category, "Split by '%s' into %d groups", opts.SplitBy, len(groups))
	return datasets, nil
}

// uniqueName returns name, or name with a numeric suffix if two split
// values sanitize to the same file name.
func uniqueName(used map[string]bool, name string) string {
	candidate := name
	for n := 2; used[candidate]; n++ {
		candidate = fmt.Sprintf("%s_%d", name, n)
	}
	used[candidate] = true
	return candidate
}
