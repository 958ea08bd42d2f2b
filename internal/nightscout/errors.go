package nightscout

import (
	"errors"
	"fmt"
)

// RemoteError reports a request the server rejected (non-2xx status) or a
// request that never produced a response (StatusCode 0, Err set).
type RemoteError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("request to %s failed: %v", e.Endpoint, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s returned HTTP %d: %s", e.Endpoint, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s returned HTTP %d", e.Endpoint, e.StatusCode)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ResponseFormatError reports a response body that is not the JSON shape
// the endpoint is expected to return.
type ResponseFormatError struct {
	Endpoint string
	Err      error
}

func (e *ResponseFormatError) Error() string {
	return fmt.Sprintf("unexpected response from %s: %v", e.Endpoint, e.Err)
}

func (e *ResponseFormatError) Unwrap() error { return e.Err }

// PaginationExhaustedError is returned when a server keeps returning full
// pages past the configured page cap.
type PaginationExhaustedError struct {
	Endpoint string
	Pages    int
	Records  int
}

func (e *PaginationExhaustedError) Error() string {
	return fmt.Sprintf("%s still returned full pages after %d pages (%d records); giving up, the server is probably ignoring the paging parameters", e.Endpoint, e.Pages, e.Records)
}

// KindOf names the error kind for per-category reporting.
func KindOf(err error) string {
	var remoteErr *RemoteError
	var formatErr *ResponseFormatError
	var exhaustedErr *PaginationExhaustedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &remoteErr):
		return "RemoteError"
	case errors.As(err, &formatErr):
		return "ResponseFormatError"
	case errors.As(err, &exhaustedErr):
		return "PaginationExhaustedError"
	default:
		return "Error"
	}
}
