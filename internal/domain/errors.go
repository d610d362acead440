package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidInput marks errors caused by a malformed request rather than by
// the system. Callers map it to a client error.
var ErrInvalidInput = errors.New("invalid input")

type inputError struct{ msg string }

func (e *inputError) Error() string { return e.msg }
func (e *inputError) Unwrap() error { return ErrInvalidInput }

// Invalidf formats an input error that matches ErrInvalidInput.
func Invalidf(format string, args ...any) error {
	return &inputError{msg: fmt.Sprintf(format, args...)}
}
