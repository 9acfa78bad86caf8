// Package services defines the business logic for queue registrations: intake
// validation, persistence and hand-off to the dispatch queue, and
// reconciliation of the outcomes reported by the automation worker.
// This file centralizes service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"
	"sort"
	"strings"
)

// Registration-related errors.
var (
	// ErrRegistrationNotFound indicates that no registration exists for the
	// given id.
	ErrRegistrationNotFound = errors.New("registration not found")

	// ErrInvalidStatus is returned when an outcome report carries a status
	// other than success or failed.
	ErrInvalidStatus = errors.New("status must be success or failed")
)

// ValidationError lists every offending field of a rejected request, keyed
// by its wire name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// AsValidationError unwraps err into a *ValidationError when it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
