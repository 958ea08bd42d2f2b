package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	etlio "nightscout-export/internal/io"
	"nightscout-export/internal/logging"
	"nightscout-export/internal/nightscout"

	"github.com/Knetic/govaluate"
)

// Define known valid enum values for configuration fields.
var (
	knownLogLevels       = []string{"none", "off", "error", "warn", "warning", "info", "debug"}
	knownDedupStrategies = []string{"first", "last"}
)

// isValidEnumValue checks if a value is present in a list of allowed string values (case-insensitive).
func isValidEnumValue(value string, allowedValues []string) bool {
	lowerValue := strings.ToLower(strings.TrimSpace(value))
	for _, allowed := range allowedValues {
		if lowerValue == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// ValidateConfig checks the whole configuration and reports every problem
// found in a single error.
func ValidateConfig(cfg *Config) error {
	var allErrors []string

	if !isValidEnumValue(cfg.Logging.Level, knownLogLevels) {
		allErrors = append(allErrors, fmt.Sprintf("- Config.Logging.Level: invalid log level '%s', must be one of %v", cfg.Logging.Level, knownLogLevels))
	}

	// --- Connection ---
	allErrors = append(allErrors, validateBaseURL("Config.URL", cfg.BaseURL)...)

	if strings.TrimSpace(cfg.OutputDir) == "" {
		allErrors = append(allErrors, "- Config.OutputDir: is required")
	}

	// --- Categories and Paging ---
	allErrors = append(allErrors, validateCategories("Config.Categories", cfg.Categories)...)

	if _, err := nightscout.ParsePagingStrategy(cfg.Paging); err != nil {
		allErrors = append(allErrors, fmt.Sprintf("- Config.Paging: %v", err))
	}
	// Zero means "use the default" for each of these.
	if cfg.PageSize < 0 {
		allErrors = append(allErrors, fmt.Sprintf("- Config.PageSize: must not be negative, got %d", cfg.PageSize))
	}
	if cfg.MaxPages < 0 {
		allErrors = append(allErrors, fmt.Sprintf("- Config.MaxPages: must not be negative, got %d", cfg.MaxPages))
	}
	if cfg.MaxRecords < 0 {
		allErrors = append(allErrors, fmt.Sprintf("- Config.MaxRecords: must not be negative, got %d", cfg.MaxRecords))
	}
	if cfg.Timeout <= 0 {
		allErrors = append(allErrors, fmt.Sprintf("- Config.Timeout: must be positive, got %v", cfg.Timeout))
	}

	// --- Output ---
	allErrors = append(allErrors, validateFormats("Config.Formats", cfg.Formats)...)

	if cfg.CSVDelimiter != "" {
		// Reuse the writer's own delimiter rules.
		if _, err := etlio.NewCSVWriter(cfg.CSVDelimiter, false); err != nil {
			allErrors = append(allErrors, fmt.Sprintf("- Config.CSVDelimiter: %v", err))
		}
	}

	// --- Per-Category Options ---
	// Sorted so the error list is stable between runs.
	names := make([]string, 0, len(cfg.CategoryOptions))
	for name := range cfg.CategoryOptions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts := cfg.CategoryOptions[name]
		prefix := fmt.Sprintf("Config.CategoryOptions[%s]", name)
		if _, err := nightscout.LookupCategory(name); err != nil {
			allErrors = append(allErrors, fmt.Sprintf("- %s: %v", prefix, err))
		}
		allErrors = append(allErrors, validateCategoryOptions(prefix, opts)...)
	}

	if len(allErrors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(allErrors, "\n"))
	}
	logging.Logf(logging.Debug, "Configuration validation successful.")
	return nil
}

func validateBaseURL(prefix, raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{fmt.Sprintf("- %s: is required", prefix)}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return []string{fmt.Sprintf("- %s: invalid URL: %v", prefix, err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return []string{fmt.Sprintf("- %s: scheme must be http or https, got '%s'", prefix, u.Scheme)}
	}
	if u.Host == "" {
		return []string{fmt.Sprintf("- %s: host is required", prefix)}
	}
	return nil
}

func validateCategories(prefix string, names []string) []string {
	var errs []string
	if len(names) == 0 {
		return []string{fmt.Sprintf("- %s: at least one category is required", prefix)}
	}
	seen := make(map[string]bool, len(names))
	for i, name := range names {
		cat, err := nightscout.LookupCategory(name)
		if err != nil {
			errs = append(errs, fmt.Sprintf("- %s[%d]: %v", prefix, i, err))
			continue
		}
		if seen[cat.Name] {
			errs = append(errs, fmt.Sprintf("- %s[%d]: duplicate category '%s'", prefix, i, cat.Name))
		}
		seen[cat.Name] = true
	}
	return errs
}

func validateFormats(prefix string, formats []string) []string {
	var errs []string
	if len(formats) == 0 {
		return []string{fmt.Sprintf("- %s: at least one output format is required", prefix)}
	}
	for i, format := range formats {
		if !isValidEnumValue(format, etlio.KnownFormats) {
			errs = append(errs, fmt.Sprintf("- %s[%d]: invalid format '%s', must be one of %v", prefix, i, format, etlio.KnownFormats))
		}
	}
	return errs
}

func validateCategoryOptions(prefix string, opts CategoryOptions) []string {
	var errs []string
	if opts.PageSize < 0 {
		errs = append(errs, fmt.Sprintf("- %s.PageSize: must not be negative, got %d", prefix, opts.PageSize))
	}
	for i, field := range opts.Expand {
		if strings.TrimSpace(field) == "" {
			errs = append(errs, fmt.Sprintf("- %s.Expand[%d]: field name is empty", prefix, i))
		}
	}
	if opts.SplitBy != "" && !utf8.ValidString(opts.SplitBy) {
		errs = append(errs, fmt.Sprintf("- %s.SplitBy: field name is not valid UTF-8", prefix))
	}
	if opts.Filter != "" {
		if _, err := govaluate.NewEvaluableExpression(opts.Filter); err != nil {
			errs = append(errs, fmt.Sprintf("- %s.Filter: invalid expression syntax: %v", prefix, err))
		}
	}
	if opts.Dedup != nil {
		if len(opts.Dedup.Keys) == 0 {
			errs = append(errs, fmt.Sprintf("- %s.Dedup.Keys: at least one key is required", prefix))
		}
		if opts.Dedup.Strategy != "" && !isValidEnumValue(opts.Dedup.Strategy, knownDedupStrategies) {
			errs = append(errs, fmt.Sprintf("- %s.Dedup.Strategy: invalid strategy '%s', must be one of %v", prefix, opts.Dedup.Strategy, knownDedupStrategies))
		}
	}
	return errs
}
