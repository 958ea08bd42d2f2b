package io

import (
	"bufio"
	"encoding/json"
	"fmt"

	"nightscout-export/internal/logging"
	"nightscout-export/internal/record"
)

// JSONWriter writes the raw collection as a JSON array. Records keep their
// field order and each value's original encoding, so parsing the file gives
// back exactly what the server sent.
type JSONWriter struct {
	Compress bool
}

// Format returns the format name used in configuration.
func (jw *JSONWriter) Format() string { return "json" }

func (jw *JSONWriter) Extension() string {
	if jw.Compress {
		return ".json" + gzipExtension
	}
	return ".json"
}

// Write writes the dataset's raw records; the flattened table is not used.
func (jw *JSONWriter) Write(ds Dataset, path string) error {
	return jw.WriteRecords(ds.Records, path)
}

// WriteRecords writes records to path as an indented JSON array with a
// trailing newline; an empty collection is written as "[]".
func (jw *JSONWriter) WriteRecords(records []record.Record, path string) error {
	logging.Logf(logging.Debug, "JSONWriter writing %d records to %s", len(records), path)

	// Marshal up front so a bad record never leaves a half-written file.
	var data []byte
	if len(records) == 0 {
		data = []byte("[]\n")
	} else {
		var err error
		data, err = json.MarshalIndent(records, "", "  ")
		if err != nil {
			return writeErr(path, fmt.Errorf("marshal records: %w", err))
		}
		data = append(data, '\n')
	}

	out, err := createOutput(path, jw.Compress)
	if err != nil {
		return writeErr(path, err)
	}
	// Write through a buffer into the (possibly gzip) stream.
	buffered := bufio.NewWriter(out.Writer())
	if _, err := buffered.Write(data); err != nil {
		_ = out.Close()
		return writeErr(path, err)
	}
	if err := buffered.Flush(); err != nil {
		_ = out.Close()
		return writeErr(path, err)
	}
	if err := out.Close(); err != nil {
		return writeErr(path, err)
	}

	logging.Logf(logging.Debug, "JSONWriter wrote %s (%d bytes before compression)", path, len(data))
	return nil
}
