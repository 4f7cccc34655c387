package domain

import (
	"errors"
	"fmt"
)

// ValidationError reports a field that violates an entity constraint.
type ValidationError struct {
	Table   Table
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("invalid %s.%s: %s", e.Table, e.Field, e.Message)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidationError returns true if err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func invalid(t Table, field, format string, args ...any) *ValidationError {
	return &ValidationError{Table: t, Field: field, Message: fmt.Sprintf(format, args...)}
}
