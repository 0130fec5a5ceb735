package testcase

import "errors"

// SkipError marks a testcase that decided not to run.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "skipped: " + e.Reason
}

// Skip returns a SkipError; testcases return it to skip themselves.
func Skip(reason string) error {
	return &SkipError{Reason: reason}
}

// IsSkip reports whether err is, or wraps, a SkipError.
func IsSkip(err error) bool {
	var se *SkipError
	return errors.As(err, &se)
}
