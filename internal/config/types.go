package config

import (
	"time"

	etlio "nightscout-export/internal/io"
	"nightscout-export/internal/nightscout"
)

// Defaults for settings left unset in the config file and on the command line.
const (
	DefaultBaseURL   = "http://localhost:1337"
	DefaultOutputDir = "nightscout-export"
	DefaultPaging    = string(nightscout.PagingOffset)
	DefaultTimeout   = 30 * time.Second
	DefaultLogLevel  = "info"
)

// Config is the complete export configuration. It is read from an optional
// YAML file, completed with defaults and overridden by command-line flags.
type Config struct {
	// Logging configuration specifies the verbosity level.
	Logging LoggingConfig `yaml:"logging"`
	// BaseURL is the root of the Nightscout site, e.g. https://my-site.example.com.
	// Environment variables are expanded.
	BaseURL string `yaml:"url"`
	// Token is a Nightscout access token, sent as the "token" query parameter.
	Token string `yaml:"token,omitempty"`
	// APISecret is the site's API secret. Only its SHA-1 hash is sent.
	APISecret string `yaml:"apiSecret,omitempty"`
	// OutputDir receives one file per category and format. Created if missing.
	OutputDir string `yaml:"outputDir"`
	// Categories to export, in order. Defaults to the full catalog.
	Categories []string `yaml:"categories"`
	// PageSize overrides every category's default page size when > 0.
	PageSize int `yaml:"pageSize,omitempty"`
	// Paging is "offset" (count/skip) or "cursor" (count/find[..][$lt]).
	Paging string `yaml:"paging"`
	// MaxPages caps full pages per category; 0 means the built-in cap.
	MaxPages int `yaml:"maxPages,omitempty"`
	// MaxRecords stops each category after this many records; 0 means all.
	MaxRecords int `yaml:"maxRecords,omitempty"`
	// Formats lists the output formats: csv, json, xlsx.
	Formats []string `yaml:"formats"`
	// Compress gzips csv and json output files.
	Compress bool `yaml:"compress,omitempty"`
	// CSVDelimiter is the CSV field separator. Defaults to ",".
	CSVDelimiter string `yaml:"csvDelimiter,omitempty"`
	// Timeout bounds every HTTP request, e.g. "45s".
	Timeout time.Duration `yaml:"timeout"`
	// CategoryOptions holds per-category processing settings keyed by category name.
	CategoryOptions map[string]CategoryOptions `yaml:"categoryOptions,omitempty"`
}

// LoggingConfig holds settings related to logging verbosity.
type LoggingConfig struct {
	// Level is one of "none", "error", "warn", "info", "debug".
	Level string `yaml:"level"`
}

// CategoryOptions tune how one category is processed.
type CategoryOptions struct {
	// PageSize overrides the page size for this category only.
	PageSize int `yaml:"pageSize,omitempty"`
	// Expand lists object fields spread into <field>_<key> columns,
	// e.g. ["boluscalc"] for treatments.
	Expand []string `yaml:"expand,omitempty"`
	// SplitBy additionally writes one file per value of this field,
	// e.g. "eventType" for treatments.
	SplitBy string `yaml:"splitBy,omitempty"`
	// Filter is a govaluate expression; only matching records are written.
	// Example: "eventType == 'Meal Bolus' && carbs > 0"
	Filter string `yaml:"filter,omitempty"`
	// Dedup collapses records sharing the same key values.
	Dedup *DedupConfig `yaml:"dedup,omitempty"`
}

// DedupConfig specifies the deduplication keys and strategy.
type DedupConfig struct {
	// Keys are the fields forming a record's identity, e.g. ["_id"].
	Keys []string `yaml:"keys"`
	// Strategy is "first" (default) or "last".
	Strategy string `yaml:"strategy,omitempty"`
}

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	return &Config{
		Logging:    LoggingConfig{Level: DefaultLogLevel},
		BaseURL:    DefaultBaseURL,
		OutputDir:  DefaultOutputDir,
		Categories: nightscout.CategoryNames(),
		Paging:     DefaultPaging,
		MaxPages:   nightscout.DefaultMaxPages,
		Formats:    []string{etlio.FormatCSV, etlio.FormatJSON},
		Timeout:    DefaultTimeout,
	}
}

// PageSizeFor resolves the page size of a category: the category option,
// then the global setting, then the category's built-in default.
func (c *Config) PageSizeFor(cat nightscout.Category) int {
	if opts, ok := c.CategoryOptions[cat.Name]; ok && opts.PageSize > 0 {
		return opts.PageSize
	}
	if c.PageSize > 0 {
		return c.PageSize
	}
	return cat.DefaultPageSize
}
