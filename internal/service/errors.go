// Package service implements the domain operations of the DCM core on top
// of the Store. Services validate first, mutate inside one unit of work,
// and queue event notifications in the same transaction as the write.
package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dcm/dcm/internal/store"
)

// Sentinel errors mapped to transport-level responses by the HTTP and
// gateway layers.
var (
	ErrNotFound     = store.ErrNotFound
	ErrConflict     = store.ErrConflict
	ErrUnauthorized = errors.New("unauthorized")
	ErrTimeout      = errors.New("operation timed out")
)

// ValidationError carries per-field violations. The HTTP layer renders it
// as a 400 with a {details: {field: [messages]}} body.
type ValidationError struct {
	Details map[string][]string
}

// Error lists the violated fields in a stable order.
func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Details))
	for f := range e.Details {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fmt.Sprintf("validation failed: %s", strings.Join(fields, ", "))
}

// validator accumulates field violations.
type validator struct {
	details map[string][]string
}

func (v *validator) fail(field, message string) {
	if v.details == nil {
		v.details = map[string][]string{}
	}
	v.details[field] = append(v.details[field], message)
}

func (v *validator) requireNonEmpty(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.fail(field, "must not be empty")
	}
}

func (v *validator) err() error {
	if v.details == nil {
		return nil
	}
	return &ValidationError{Details: v.details}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
