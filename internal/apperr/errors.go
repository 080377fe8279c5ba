// Package apperr holds the error kinds shared by the broadcast engine.
// Callers match them with errors.As; HTTPStatus maps them at the API edge.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrNotFound = errors.New("not found")

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidStateTransition reports an operation attempted in the wrong state.
type InvalidStateTransition struct {
	Entity string
	From   string
	Op     string
}

func (e *InvalidStateTransition) Error() string {
	return fmt.Sprintf("%s: cannot %s from status %q", e.Entity, e.Op, e.From)
}

// CapacityExceededError means a trunk (or the whole pool) has no free channel.
// The scheduler treats it as backpressure.
type CapacityExceededError struct {
	TrunkID string
	Max     int
}

func (e *CapacityExceededError) Error() string {
	if e.TrunkID == "" {
		return "capacity exceeded: no trunk has a free channel"
	}
	return fmt.Sprintf("capacity exceeded: maximum concurrent calls (%d) reached on trunk %s", e.Max, e.TrunkID)
}

// UnknownRecipientError is returned when a phone is not part of a broadcast.
type UnknownRecipientError struct {
	BroadcastID string
	Phone       string
}

func (e *UnknownRecipientError) Error() string {
	return fmt.Sprintf("unknown recipient %s in broadcast %s", e.Phone, e.BroadcastID)
}

// TransportError wraps a failure reported by the telephony collaborator.
type TransportError struct {
	TrunkID string
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s on trunk %s: %v", e.Op, e.TrunkID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		st *InvalidStateTransition
		ce *CapacityExceededError
		ur *UnknownRecipientError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &st):
		return http.StatusConflict
	case errors.As(err, &ce):
		return http.StatusServiceUnavailable
	case errors.As(err, &ur):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
