package event

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed or incomplete ingest payload.
type ValidationError struct {
	EventType Type
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s payload: %s", e.EventType, e.Reason)
	}
	return fmt.Sprintf("invalid %s payload: %s %s", e.EventType, e.Field, e.Reason)
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
