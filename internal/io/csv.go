package io

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"unicode/utf8"

	"nightscout-export/internal/flatten"
	"nightscout-export/internal/logging"
)

// CSVWriter writes a flattened table as CSV: a header row with the table's
// columns, then one line per record. Quoting follows encoding/csv.
type CSVWriter struct {
	Delimiter rune
	Compress  bool
}

// NewCSVWriter creates a CSVWriter. An empty delimiter means ','.
func NewCSVWriter(delimiter string, compress bool) (*CSVWriter, error) {
	delim := ','
	if delimiter != "" {
		if utf8.RuneCountInString(delimiter) != 1 {
			return nil, fmt.Errorf("invalid delimiter '%s': must be a single character", delimiter)
		}
		delim = []rune(delimiter)[0]
		if delim == '"' || delim == '\r' || delim == '\n' || delim == utf8.RuneError {
			return nil, fmt.Errorf("invalid delimiter '%s'", delimiter)
		}
	}
	return &CSVWriter{Delimiter: delim, Compress: compress}, nil
}

// Format returns the format name used in configuration.
func (cw *CSVWriter) Format() string { return "csv" }

func (cw *CSVWriter) Extension() string {
	if cw.Compress {
		return ".csv" + gzipExtension
	}
	return ".csv"
}

// Write writes the dataset's flattened table.
func (cw *CSVWriter) Write(ds Dataset, path string) error {
	if ds.Table == nil {
		return writeErr(path, errors.New("no table to write"))
	}
	return cw.WriteTable(ds.Table, path)
}

// WriteTable writes table to path, creating or truncating the file.
func (cw *CSVWriter) WriteTable(table *flatten.Table, path string) error {
	logging.Logf(logging.Debug, "CSVWriter writing %d rows x %d columns to %s", len(table.Rows), len(table.Columns), path)

	out, err := createOutput(path, cw.Compress)
	if err != nil {
		return writeErr(path, err)
	}

	buffered := bufio.NewWriter(out.Writer())
	w := csv.NewWriter(buffered)
	w.Comma = cw.Delimiter

	writeRows := func() error {
		// No records produces an empty file. Records without any field still
		// get a (blank) header and one blank line each, so the line count
		// always tracks the record count.
		if len(table.Columns) == 0 && len(table.Rows) == 0 {
			w.Flush()
			return buffered.Flush()
		}
		if err := w.Write(table.Columns); err != nil {
			return fmt.Errorf("header: %w", err)
		}
		for i, row := range table.Rows {
			if len(row) != len(table.Columns) {
				return fmt.Errorf("row %d has %d cells, header has %d", i+1, len(row), len(table.Columns))
			}
			if err := w.Write(row); err != nil {
				return fmt.Errorf("row %d: %w", i+1, err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		return buffered.Flush()
	}

	if err := writeRows(); err != nil {
		_ = out.Close()
		return writeErr(path, err)
	}
	if err := out.Close(); err != nil {
		return writeErr(path, err)
	}

	logging.Logf(logging.Debug, "CSVWriter wrote %s", path)
	return nil
}
