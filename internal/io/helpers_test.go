package io

import (
	stdio "io"
	"os"
	"testing"

	"nightscout-export/internal/flatten"
	"nightscout-export/internal/logging"
	"nightscout-export/internal/record"

	"github.com/klauspost/compress/gzip"
)

func init() {
	logging.SetOutput(stdio.Discard)
}

// mustDataset decodes a JSON array into a Dataset with its flattened table.

func mustDataset(t *testing.T, name, body string) Dataset {
	t.Helper()
	records, err := record.DecodePage([]byte(body))
	if err != nil {
		t.Fatalf("Failed to decode test records: %v", err)
	}
	return Dataset{Name: name, Records: records, Table: flatten.Flatten(records, flatten.Options{})}
}

// readFileContent returns the bytes of a written file, transparently
// decompressing gzip output.

func readFileContent(t *testing.T, path string, compressed bool) []byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open output file %s: %v", path, err)
	}
	defer f.Close()

	var r stdio.Reader = f
	if compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			t.Fatalf("Output file %s is not valid gzip: %v", path, err)
		}
		defer gz.Close()
		r = gz
	}
	data, err := stdio.ReadAll(r)
	if err != nil {
		t.Fatalf("Failed to read output file %s: %v", path, err)
	}
	return data
}
