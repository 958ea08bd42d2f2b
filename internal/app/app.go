package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"nightscout-export/internal/config"
	"nightscout-export/internal/export"
	"nightscout-export/internal/filter"
	etlio "nightscout-export/internal/io"
	"nightscout-export/internal/logging"
	"nightscout-export/internal/nightscout"
	"nightscout-export/internal/util"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Define common application-level errors.
var (
	ErrUsage = errors.New("usage error")
	// ErrExportFailed is returned when at least one category did not export.
	ErrExportFailed = errors.New("export incomplete")
)

// --- Factory Variables (Allow Overriding for Testing) ---
var (
	newFetcherFunc = func(opts nightscout.ClientOptions) (nightscout.Fetcher, error) {
		client, err := nightscout.NewClient(opts)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	newOutputWritersFunc = etlio.NewOutputWriters

	osMkdirAllFunc = os.MkdirAll

	// summaryOutput receives the run summary table.
	summaryOutput io.Writer = os.Stdout
)

// AppRunner encapsulates the application's execution logic.
type AppRunner struct{}

// NewAppRunner creates a new instance of the application runner.
func NewAppRunner() *AppRunner {
	return &AppRunner{}
}

// usageText defines the command-line help information.
const usageText = `Usage:
  nightscout-export [options]

Exports the data of a Nightscout site into CSV, JSON and XLSX files.

Options:
  -config string
        Optional YAML configuration file; flags override its settings
  -url string
        Nightscout base URL (default "http://localhost:1337")
  -token string
        Access token, sent as the "token" query parameter
  -api-secret string
        API secret, sent hashed in the "api-secret" header
  -output string
        Output directory, created if missing (default "nightscout-export")
  -categories string
        Comma-separated categories to export, in order
        (default "entries,treatments,devicestatus,profile,food")
  -page-size int
        Records per request for every category (default: per category, 2000 for entries)
  -paging string
        Paging strategy: offset (count/skip) or cursor (count/find[..][$lt]) (default "offset")
  -max-pages int
        Give up on a category after this many full pages (default 10000)
  -max-records int
        Stop each category after this many records (default 0, no limit)
  -formats string
        Comma-separated output formats: csv, json, xlsx (default "csv,json")
  -compress
        Gzip csv and json output files
  -timeout duration
        Timeout of each HTTP request (default 30s)
  -dry-run
        Fetch and process every category without writing files
  -loglevel string
        Logging level (none, error, warn, info, debug) (default "info")
  -help
        Show help

Environment Variables:
  Any VAR          Can be used in the config file's url, token, apiSecret and
                   outputDir via $VAR/${VAR} or %VAR%

Examples:
  nightscout-export -url=https://my-site.example.com -token=reader-0123456789abcdef
  nightscout-export -config=export.yaml -categories=entries,treatments -formats=csv,xlsx
  nightscout-export -url=https://my-site.example.com -paging=cursor -max-records=10000 -compress

Exit status is 0 when every category exported, 1 otherwise.
`

// Usage prints the command-line help information to the specified writer.
func (a *AppRunner) Usage(writer io.Writer) {
	fmt.Fprint(writer, usageText)
}

// Run executes an export with a background context.
func (a *AppRunner) Run(args []string) error {
	return a.RunContext(context.Background(), args)
}

// RunContext parses command-line arguments, builds the configuration and
// exports every requested category. Cancelling ctx stops the run before the
// next request.
func (a *AppRunner) RunContext(ctx context.Context, args []string) error {
	// --- Flag Parsing ---
	fs := flag.NewFlagSet("nightscout-export", flag.ContinueOnError)
	fs.SetOutput(io.Discard) // Usage is printed by the caller on ErrUsage.
	configFile := fs.String("config", "", "YAML configuration file")
	baseURL := fs.String("url", config.DefaultBaseURL, "Nightscout base URL")
	token := fs.String("token", "", "Access token")
	apiSecret := fs.String("api-secret", "", "API secret")
	outputDir := fs.String("output", config.DefaultOutputDir, "Output directory")
	categories := fs.String("categories", strings.Join(nightscout.CategoryNames(), ","), "Categories to export")
	pageSize := fs.Int("page-size", 0, "Records per request")
	paging := fs.String("paging", config.DefaultPaging, "Paging strategy")
	maxPages := fs.Int("max-pages", nightscout.DefaultMaxPages, "Page cap per category")
	maxRecords := fs.Int("max-records", 0, "Record cap per category")
	formats := fs.String("formats", "csv,json", "Output formats")
	compress := fs.Bool("compress", false, "Gzip csv and json output")
	timeout := fs.Duration("timeout", config.DefaultTimeout, "HTTP request timeout")
	dryRun := fs.Bool("dry-run", false, "Do not write files")
	logLevelStr := fs.String("loglevel", config.DefaultLogLevel, "Logging level")
	helpFlag := fs.Bool("help", false, "Show help")

	if err := fs.Parse(args); err != nil {
		// -h is handled by the flag package itself; treat it like -help.
		if errors.Is(err, flag.ErrHelp) {
			a.Usage(os.Stderr)
			return nil
		}
		logging.Logf(logging.Error, "Failed to parse args: %v", err)
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if *helpFlag {
		a.Usage(os.Stderr)
		return nil
	}
	// All input comes from flags; stray arguments are usually a typo.
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %v", ErrUsage, fs.Args())
	}

	// --- Initial Setup & Config Loading ---
	// Apply the log level flag early so config loading can be debugged.
	logging.SetupLogging(*logLevelStr)
	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			logging.Logf(logging.Error, "Error loading/validating config '%s': %v", *configFile, err)
			return err
		}
		cfg = loaded
		// The file's level applies unless -loglevel was given explicitly.
		if !isFlagSet(fs, "loglevel") {
			logging.SetupLogging(cfg.Logging.Level)
		}
	}

	// --- Flag Overrides ---
	// Only flags given on the command line replace file or default values.
	if isFlagSet(fs, "url") {
		cfg.BaseURL = strings.TrimSpace(*baseURL)
	}
	if isFlagSet(fs, "token") {
		cfg.Token = *token
	}
	if isFlagSet(fs, "api-secret") {
		cfg.APISecret = *apiSecret
	}
	if isFlagSet(fs, "output") {
		cfg.OutputDir = *outputDir
	}
	if isFlagSet(fs, "categories") {
		cfg.Categories = splitList(*categories)
	}
	if isFlagSet(fs, "page-size") {
		cfg.PageSize = *pageSize
	}
	if isFlagSet(fs, "paging") {
		cfg.Paging = *paging
	}
	if isFlagSet(fs, "max-pages") {
		cfg.MaxPages = *maxPages
	}
	if isFlagSet(fs, "max-records") {
		cfg.MaxRecords = *maxRecords
	}
	if isFlagSet(fs, "formats") {
		cfg.Formats = splitList(*formats)
	}
	if isFlagSet(fs, "compress") {
		cfg.Compress = *compress
	}
	if isFlagSet(fs, "timeout") {
		cfg.Timeout = *timeout
	}
	if isFlagSet(fs, "loglevel") {
		cfg.Logging.Level = *logLevelStr
	}
	// --- Validate the final configuration (defaults < file < flags) ---
	if err := config.ValidateConfig(cfg); err != nil {
		logging.Logf(logging.Error, "Invalid configuration: %v", err)
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	logging.Logf(logging.Info, "Exporting %s from %s into '%s'", strings.Join(cfg.Categories, ", "), util.MaskURL(cfg.BaseURL), cfg.OutputDir)

	// --- Instantiate Components via Factory Variables ---
	fetcher, err := newFetcherFunc(nightscout.ClientOptions{
		BaseURL:   cfg.BaseURL,
		Token:     cfg.Token,
		APISecret: cfg.APISecret,
		Timeout:   cfg.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create Nightscout client: %w", err)
	}
	// The paginator owns the page and record caps; the client stays a
	// single-request primitive.
	paginator := nightscout.NewPaginator(fetcher)
	paginator.MaxPages = cfg.MaxPages
	paginator.MaxRecords = cfg.MaxRecords

	// Resolve per-category options (page size, filter, dedup, expand, split).
	jobs, err := buildJobs(cfg)
	if err != nil {
		return err
	}

	var writers []etlio.OutputWriter
	if *dryRun {
		logging.Logf(logging.Info, "DRY RUN: records will be fetched and processed but no files written.")
	} else {
		writers, err = newOutputWritersFunc(cfg.Formats, etlio.WriterOptions{Compress: cfg.Compress, CSVDelimiter: cfg.CSVDelimiter})
		if err != nil {
			return fmt.Errorf("failed to create output writers: %w", err)
		}
		if err := osMkdirAllFunc(cfg.OutputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory '%s': %w", cfg.OutputDir, err)
		}
	}

	// --- Execute Export ---
	// Run never stops early on a category failure; the summary says what
	// happened to each one.
	summary := export.NewExporter(paginator, writers).Run(ctx, jobs, cfg.OutputDir)
	renderSummary(summaryOutput, summary)

	// --- Final Status ---

	if !summary.OK() {
		return fmt.Errorf("%w: %d of %d categories failed, first error: %v", ErrExportFailed, summary.Failed(), len(summary.Results), summary.Err())
	}
	logging.Logf(logging.Info, "Export finished: %d categories in %v.", len(summary.Results), summary.Elapsed.Round(time.Millisecond))
	return nil
}

// buildJobs turns the configured categories into export jobs.
func buildJobs(cfg *config.Config) ([]export.CategoryJob, error) {
	strategy, err := nightscout.ParsePagingStrategy(cfg.Paging)
	if err != nil {
		return nil, err
	}
	jobs := make([]export.CategoryJob, 0, len(cfg.Categories))
	for _, name := range cfg.Categories {
		cat, err := nightscout.LookupCategory(name)
		if err != nil {
			return nil, err
		}
		job := export.CategoryJob{Category: cat, PageSize: cfg.PageSizeFor(cat), Strategy: strategy}
		// Categories without an entry in categoryOptions export as-is.
		if opts, ok := cfg.CategoryOptions[cat.Name]; ok {
			job.Options.Expand = opts.Expand
			job.Options.SplitBy = opts.SplitBy
			if opts.Dedup != nil {
				job.Options.Dedup = export.Dedup{Keys: opts.Dedup.Keys, Strategy: opts.Dedup.Strategy}
			}
			if opts.Filter != "" {
				// Already syntax-checked by ValidateConfig; compiled here for use.
				f, err := filter.New(opts.Filter)
				if err != nil {
					return nil, fmt.Errorf("category '%s': %w", cat.Name, err)
				}
				job.Options.Filter = f
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// renderSummary prints one row per category.
func renderSummary(w io.Writer, summary *export.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Category", "Status", "Records", "Files", "Elapsed", "Error"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Records", Align: text.AlignRight},
		{Name: "Files", Align: text.AlignRight},
		{Name: "Error", WidthMax: 60},
	})

	totalRecords, totalFiles := 0, 0
	for _, r := range summary.Results {
		status := r.State.String()
		errText := ""
		// Failed rows show the stage the category died in, e.g. "FAILED (FETCHING)".
		if r.Err != nil {
			status = fmt.Sprintf("%s (%s)", status, r.FailedIn)
			errText = fmt.Sprintf("%s: %v", r.ErrorKind(), r.Err)
		}
		totalRecords += r.Records
		totalFiles += len(r.Files)
		t.AppendRow(table.Row{r.Category, status, r.Records, len(r.Files), r.Elapsed.Round(time.Millisecond), errText})
	}
	t.AppendFooter(table.Row{
		"Total",
		fmt.Sprintf("%d/%d ok", len(summary.Results)-summary.Failed(), len(summary.Results)),
		totalRecords,
		totalFiles,
		summary.Elapsed.Round(time.Millisecond),
		"",
	})
	t.Render()
}

// splitList splits a comma-separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// isFlagSet reports whether the named flag was given on the command line,
// as opposed to holding its default.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
