package io

import "fmt"

// WriteError reports a filesystem failure while writing an output file.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write '%s': %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func writeErr(path string, err error) error {
	if err == nil {
		return nil
	}
	return &WriteError{Path: path, Err: err}
}
