package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"changequery/internal/processor"
	"changequery/internal/query"
	"changequery/internal/store"
)

// Class tells a caller whether to fix the request or retry later.
type Class string

const (
	ClassInput       Class = "input"
	ClassOperational Class = "operational"
)

type DomainError struct {
	Status  int
	Code    string
	Class   Class
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	class := ClassInput
	if status >= http.StatusInternalServerError {
		class = ClassOperational
	}
	return &DomainError{
		Status:  status,
		Code:    code,
		Class:   class,
		Message: message,
		Details: details,
	}
}

// ClassOf returns the class of err, or "" for nil and for the caller's own
// cancellation.
func ClassOf(err error) Class {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Class
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}
	return ClassOperational
}

// classify maps errors from the query pipeline onto domain errors. The
// caller's own cancellation is returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var de *DomainError
	if errors.As(err, &de) {
		return err
	}
	var ve *processor.ValidationError
	var out *DomainError
	switch {
	case errors.As(err, &ve):
		out = domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", ve.Error(), map[string]any{"field": ve.Field})
	case errors.Is(err, query.ErrMalformed):
		out = domainError(http.StatusBadRequest, "MALFORMED_QUERY", err.Error(), nil)
	case errors.Is(err, query.ErrTooManyCandidates):
		out = domainError(http.StatusUnprocessableEntity, "TOO_MANY_CANDIDATES", "query selects too many changes; narrow it down", nil)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		out = domainError(http.StatusGatewayTimeout, "TIMEOUT", "query did not finish in time", nil)
	case errors.Is(err, store.ErrNotFound):
		out = domainError(http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, query.ErrCapabilityUnavailable):
		out = domainError(http.StatusServiceUnavailable, "CAPABILITY_UNAVAILABLE", err.Error(), nil)
	default:
		out = domainError(http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
	out.Err = err
	return out
}
