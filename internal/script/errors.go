package script

import (
	"errors"
	"fmt"
)

// Sentinel errors for script operations.
var (
	// ErrScriptNotFound indicates that no active script has the given name.
	ErrScriptNotFound = errors.New("script not found")

	// ErrCompile indicates that a script could not be compiled or initialized.
	ErrCompile = errors.New("script compile failed")

	// ErrInvalidExports indicates that a script does not export an object.
	ErrInvalidExports = errors.New("script must export an object")

	// ErrInvalidPathPattern indicates an unparsable pathPattern.
	ErrInvalidPathPattern = errors.New("invalid path pattern")

	// ErrTimeout indicates that a script exceeded its execution budget.
	ErrTimeout = errors.New("script execution timeout")

	// ErrUndefinedResult indicates that a transform function returned nothing.
	ErrUndefinedResult = errors.New("transform returned undefined")

	// ErrUnexpectedResult indicates a result of the wrong shape.
	ErrUnexpectedResult = errors.New("transform returned unexpected type")
)

// Error describes a failure of one script function.
type Error struct {
	Script   string
	Function Function
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Function == "" {
		return fmt.Sprintf("script %s: %v", e.Script, e.Cause)
	}
	return fmt.Sprintf("script %s.%s: %v", e.Script, e.Function, e.Cause)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}
