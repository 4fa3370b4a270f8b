package meter

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a meter, group or participant does not exist
// or is not visible to the caller.
var ErrNotFound = errors.New("not found")

// ValidationError is a client-correctable error scoped to a single input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// PermissionError is returned when the caller may not perform a mutation,
// for example a non-manager editing a group.
type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string {
	return "permission denied: " + e.Reason
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsPermission reports whether err carries a PermissionError.
func IsPermission(err error) bool {
	var p *PermissionError
	return errors.As(err, &p)
}
