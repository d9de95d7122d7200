package internal

import (
	"fmt"
	"runtime"
	"strings"
)

// AssertionError is the panic value raised by a failed assertion.
type AssertionError struct {
	Tags      []any
	Locations []string
}

func (e *AssertionError) Error() string {
	var b strings.Builder
	b.WriteString("#ASSERTION_FAILED")
	for _, tag := range e.Tags {
		b.WriteString(" ")
		b.WriteString(fmt.Sprint(tag))
	}
	for _, loc := range e.Locations {
		b.WriteString("\n\t")
		b.WriteString(loc)
	}
	return b.String()
}

// Assert panics with an *AssertionError when condition is false. Used for caller contract violations
// (nil collaborators, nil contexts) that are programming errors rather than runtime conditions.
func Assert(condition bool, tags ...any) {
	if !condition {
		panic(newAssertionError(tags))
	}
}

func AssertFunc(condition func() bool, tags ...any) {
	if !condition() {
		panic(newAssertionError(tags))
	}
}

func newAssertionError(tags []any) *AssertionError {
	err := &AssertionError{Tags: tags}
	// skip 0 is this function and 1 is Assert*, so the failing call site starts at 2.
	for skip := 2; skip <= 3; skip++ {
		if _, file, line, ok := runtime.Caller(skip); ok {
			err.Locations = append(err.Locations, fmt.Sprintf("%v:%v", file, line))
		}
	}
	return err
}
