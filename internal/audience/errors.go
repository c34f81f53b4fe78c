package audience

import (
	"errors"
	"fmt"

	"github.com/ignite/squeeze/internal/domain"
)

// ErrInvalidRule is wrapped by every rule validation failure.
var ErrInvalidRule = errors.New("invalid audience rule")

// ValidationError describes why a rule was rejected.
type ValidationError struct {
	Rule   domain.Rule
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid audience rule %s %s__%s=%q: %s",
		e.Rule.Method, e.Rule.Field, e.Rule.Lookup, e.Rule.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRule }

func invalid(r domain.Rule, format string, args ...any) error {
	return &ValidationError{Rule: r, Reason: fmt.Sprintf(format, args...)}
}
