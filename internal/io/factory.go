package io

import (
	"fmt"
	"strings"

	"nightscout-export/internal/logging"
)

// Supported output formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatXLSX = "xlsx"
)

// KnownFormats lists the accepted format names.
var KnownFormats = []string{FormatCSV, FormatJSON, FormatXLSX}

// WriterOptions are the settings shared by all writers of a run.
type WriterOptions struct {
	// Compress gzips csv and json output.
	Compress bool
	// CSVDelimiter is the CSV field separator; empty means ','.
	CSVDelimiter string
}

// NewOutputWriter returns the writer for one format name.
func NewOutputWriter(format string, opts WriterOptions) (OutputWriter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatCSV:
		cw, err := NewCSVWriter(opts.CSVDelimiter, opts.Compress)
		if err != nil {
			return nil, err
		}
		return cw, nil
	case FormatJSON:
		return &JSONWriter{Compress: opts.Compress}, nil
	case FormatXLSX:
		if opts.Compress {
			logging.Logf(logging.Debug, "Compression does not apply to xlsx output (already zipped)")
		}
		return &XLSXWriter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format '%s', must be one of %v", format, KnownFormats)
	}
}

// NewOutputWriters builds one writer per format, in the given order.
// Duplicate formats are written once.
func NewOutputWriters(formats []string, opts WriterOptions) ([]OutputWriter, error) {
	if len(formats) == 0 {
		return nil, fmt.Errorf("at least one output format is required")
	}
	seen := make(map[string]bool, len(formats))
	writers := make([]OutputWriter, 0, len(formats))
	for _, format := range formats {
		w, err := NewOutputWriter(format, opts)
		if err != nil {
			return nil, err
		}
		if seen[w.Format()] {
			continue
		}
		seen[w.Format()] = true
		writers = append(writers, w)
	}
	return writers, nil
}
