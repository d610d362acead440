package tools

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrToolNotFound = errors.New("tool not found")

type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("tool %s not found", e.Name) }
func (e *NotFoundError) Unwrap() error { return ErrToolNotFound }

// ValidationError lists every schema violation for one call.
type ValidationError struct {
	Tool     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid params for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

type UnauthorizedError struct {
	Tool          string
	Reason        string
	Authenticated bool
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("not authorized to use %s: %s", e.Tool, e.Reason)
}

type RateLimitedError struct {
	Tool       string
	UserID     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s; retry in %s", e.Tool, e.RetryAfter.Round(time.Second))
}

// ExecutionError wraps a handler failure.
type ExecutionError struct {
	Tool    string
	Elapsed time.Duration
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed after %s: %v", e.Tool, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Kind names err for metrics and analytics.
func Kind(err error) string {
	var (
		nf   *NotFoundError
		ve   *ValidationError
		ue   *UnauthorizedError
		rl   *RateLimitedError
		exec *ExecutionError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ue):
		return "unauthorized"
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.As(err, &exec):
		return "execution"
	default:
		return "error"
	}
}
