package io

import (
	stdio "io"
	"os"

	"github.com/klauspost/compress/gzip"
)

const gzipExtension = ".gz"

// outputFile is a created output file, optionally gzip-compressed.
type outputFile struct {
	file *os.File
	gz   *gzip.Writer
}

// createOutput creates or truncates path. It never creates directories.
func createOutput(path string, compress bool) (*outputFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	out := &outputFile{file: f}
	if compress {
		out.gz = gzip.NewWriter(f)
	}
	return out, nil
}

// Writer returns the stream callers should write to.
func (o *outputFile) Writer() stdio.Writer {
	if o.gz != nil {
		return o.gz
	}
	return o.file
}

// Close finishes the gzip stream (if any) and closes the file, returning
// the first error.
func (o *outputFile) Close() error {
	var firstErr error
	if o.gz != nil {
		firstErr = o.gz.Close()
	}
	if err := o.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
