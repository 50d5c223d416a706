package errors

import "errors"

// Category classifies an error for exit-code mapping and operator hints.
type Category string

const (
	CategoryInvalidInput    Category = "invalid_input"
	CategoryPhaseViolation  Category = "phase_violation"
	CategorySerialization   Category = "serialization_failed"
	CategoryVerification    Category = "verification_failed"
	CategoryIOFailure       Category = "io_failure"
	CategoryInternalFailure Category = "internal_failure"
)

type classified struct {
	category Category
	code     string
	hint     string
	cause    error
}

func (e *classified) Error() string {
	if e.cause == nil {
		return string(e.category)
	}
	return e.cause.Error()
}

func (e *classified) Unwrap() error { return e.cause }

// Wrap attaches a category, stable code, and operator hint to cause.
// Returns nil when cause is nil so call sites can wrap unconditionally.
func Wrap(cause error, category Category, code, hint string) error {
	if cause == nil {
		return nil
	}
	return &classified{category: category, code: code, hint: hint, cause: cause}
}

func CategoryOf(err error) Category {
	var c *classified
	if errors.As(err, &c) {
		return c.category
	}
	return ""
}

func CodeOf(err error) string {
	var c *classified
	if errors.As(err, &c) {
		return c.code
	}
	return ""
}

func HintOf(err error) string {
	var c *classified
	if errors.As(err, &c) {
		return c.hint
	}
	return ""
}
