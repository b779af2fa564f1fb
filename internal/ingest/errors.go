package ingest

import (
	"errors"
	"fmt"
	"net/http"
)

// FailureKind classifies why a source call did not produce records.
type FailureKind string

const (
	KindTransient   FailureKind = "transient"
	KindAuthFailure FailureKind = "auth_failure"
	KindRateLimited FailureKind = "rate_limited"
	KindMalformed   FailureKind = "malformed"
	KindNotFound    FailureKind = "not_found"
)

// SourceError is returned by adapters for every failed fetch.
type SourceError struct {
	Source     string
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (e *SourceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("source %s: %s (status %d): %v", e.Source, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("source %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// KindOf classifies any error returned from a fetch. Errors that are not
// SourceErrors count as transient.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

func kindForStatus(code int) FailureKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuthFailure
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusNotFound || code == http.StatusGone:
		return KindNotFound
	default:
		return KindTransient
	}
}

func statusError(source string, code int, body string) *SourceError {
	return &SourceError{
		Source:     source,
		Kind:       kindForStatus(code),
		StatusCode: code,
		Err:        fmt.Errorf("unexpected status code %d: %s", code, TruncateText(body, 200)),
	}
}

// transportError covers network failures and expired deadlines, all of
// which are worth retrying on the next discovery.
func transportError(source string, err error) *SourceError {
	return &SourceError{Source: source, Kind: KindTransient, Err: err}
}

func malformedError(source string, err error) *SourceError {
	return &SourceError{Source: source, Kind: KindMalformed, Err: err}
}
