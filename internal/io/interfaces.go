package io

import (
	"nightscout-export/internal/flatten"
	"nightscout-export/internal/record"
)

// Dataset is everything a writer may need for one output file: the raw
// collection and its flattened table.
type Dataset struct {
	// Name identifies the dataset, e.g. "treatments" or "treatments_Meal_Bolus".
	// XLSX output uses it as the sheet name.
	Name    string
	Records []record.Record
	Table   *flatten.Table
}

// OutputWriter persists a Dataset in one file format.
type OutputWriter interface {
	// Format is the configuration name of the format, e.g. "csv".
	Format() string
	// Extension is the file suffix including the dot, e.g. ".csv.gz".
	Extension() string
	// Write creates (or truncates) path and writes ds to it. The parent
	// directory must already exist. Failures are returned as *WriteError.
	Write(ds Dataset, path string) error
}
