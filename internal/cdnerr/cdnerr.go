// Package cdnerr defines the error taxonomy shared by the ingestion, retrieval and
// purge paths, and maps each class to the HTTP status the server responds with.
package cdnerr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrStoreUnavailable = errors.New("metadata store unavailable")
	ErrNotFound         = errors.New("object not found")
	ErrGone             = errors.New("object file removed")
	ErrBlockedType      = errors.New("blocked file type")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrMissingField     = errors.New("missing upload field")
	ErrInvalidURL       = errors.New("invalid url")
	ErrAllocation       = errors.New("identifier allocation failed")
	ErrIO               = errors.New("file i/o failure")
	ErrSerialization    = errors.New("corrupt metadata record")
)

// BlockedError names the extension or content type that was rejected.
type BlockedError struct {
	Value string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("'%s' is not allowed", e.Value)
}

func (e *BlockedError) Unwrap() error { return ErrBlockedType }

// TooLargeError carries the limit that was exceeded and the size observed when
// ingestion was aborted.
type TooLargeError struct {
	Limit int64
	Size  int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("upload of at least %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

func (e *TooLargeError) Unwrap() error { return ErrPayloadTooLarge }

// InvalidURLError keeps the rejected input for the diagnostic.
type InvalidURLError struct {
	Input string
	Err   error
}

func (e *InvalidURLError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid url %q: %v", e.Input, e.Err)
	}
	return fmt.Sprintf("invalid url %q", e.Input)
}

func (e *InvalidURLError) Unwrap() error { return ErrInvalidURL }

// NamedError attaches the generated object name to an ingestion failure.
type NamedError struct {
	Name string
	Err  error
}

func (e *NamedError) Error() string { return e.Name + ": " + e.Err.Error() }

func (e *NamedError) Unwrap() error { return e.Err }

// NameOf returns the generated name carried by err, or fallback when there is
// none.
func NameOf(err error, fallback string) string {
	var named *NamedError
	if errors.As(err, &named) && named.Name != "" {
		return named.Name
	}
	return fallback
}

// Status maps an error to its HTTP status code. Unclassified errors are 500.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrGone):
		return http.StatusGone
	case errors.Is(err, ErrBlockedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrMissingField), errors.Is(err, ErrInvalidURL):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
