package io

import (
	"errors"
	"fmt"
	"strings"

	"nightscout-export/internal/flatten"
	"nightscout-export/internal/logging"

	"github.com/xuri/excelize/v2"
)

const (
	defaultSheetName = "Sheet1"
	maxSheetNameLen  = 31
)

// XLSXWriter writes a flattened table into a single-sheet Excel workbook.
// Cells are written as text so values like Nightscout object ids are not
// reinterpreted as numbers.
type XLSXWriter struct{}

func (xw *XLSXWriter) Format() string    { return "xlsx" }
func (xw *XLSXWriter) Extension() string { return ".xlsx" }

func (xw *XLSXWriter) Write(ds Dataset, path string) error {
	if ds.Table == nil {
		return writeErr(path, errors.New("no table to write"))
	}
	return xw.WriteTable(ds.Table, ds.Name, path)
}

// WriteTable writes table to a workbook at path, on a sheet named after
// name (shortened and cleaned to satisfy Excel's sheet name rules).
func (xw *XLSXWriter) WriteTable(table *flatten.Table, name, path string) error {
	sheet := sheetName(name)
	logging.Logf(logging.Debug, "XLSXWriter writing %d rows to %s (sheet '%s')", len(table.Rows), path, sheet)

	// A new workbook always starts with "Sheet1".
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			logging.Logf(logging.Error, "XLSXWriter failed to release workbook for '%s': %v", path, err)
		}
	}()

	if sheet != defaultSheetName {
		if err := f.SetSheetName(defaultSheetName, sheet); err != nil {
			return writeErr(path, fmt.Errorf("rename sheet to '%s': %w", sheet, err))
		}
	}

	// Streamed rows must be written in ascending row order.
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return writeErr(path, fmt.Errorf("open stream writer: %w", err))
	}

	rowNum := 1
	writeRow := func(cells []string) error {
		values := make([]interface{}, len(cells))
		for i, c := range cells {
			values[i] = c
		}
		cell, err := excelize.CoordinatesToCellName(1, rowNum)
		if err != nil {
			return err
		}
		rowNum++
		return sw.SetRow(cell, values)
	}

	// An empty table leaves an empty sheet.
	if len(table.Columns) > 0 {
		if err := writeRow(table.Columns); err != nil {
			return writeErr(path, fmt.Errorf("header row: %w", err))
		}
		for i, row := range table.Rows {
			if err := writeRow(row); err != nil {
				return writeErr(path, fmt.Errorf("data row %d: %w", i+1, err))
			}
		}
	}
	if err := sw.Flush(); err != nil {
		return writeErr(path, fmt.Errorf("flush sheet: %w", err))
	}
	if err := f.SaveAs(path); err != nil {
		return writeErr(path, err)
	}

	logging.Logf(logging.Debug, "XLSXWriter wrote %s", path)
	return nil
}

// sheetName maps a dataset name onto a valid Excel sheet name.
func sheetName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '_'
		}
		return r
	}, strings.Trim(name, "' "))
	if cleaned == "" {
		return defaultSheetName
	}
	if runes := []rune(cleaned); len(runes) > maxSheetNameLen {
		cleaned = string(runes[:maxSheetNameLen])
	}
	return cleaned
}
