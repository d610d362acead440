// Package safety gates structured data commands issued by the agent. A command
// runs only when its method is not blocklisted and the model/method pair is
// whitelisted; anything unrecognised fails closed.
package safety

import (
	"fmt"
	"strings"
)

type Verdict string

const (
	Allowed       Verdict = "allowed"
	Blocked       Verdict = "blocked"
	UnknownModel  Verdict = "unknown-model"
	UnknownMethod Verdict = "unknown-method"
)

// Command is a typed data operation. It is never rendered into source text.
type Command struct {
	Model  string         `json:"model"`
	Method string         `json:"method"`
	Args   map[string]any `json:"args,omitempty"`
}

var blocklist = []string{
	"delete",
	"deleteMany",
	"updateMany",
	"createMany",
	"$executeRaw",
	"$executeRawUnsafe",
	"$queryRaw",
	"$queryRawUnsafe",
	"$transaction",
	"upsert",
}

var whitelist = map[string][]string{
	"project": {"findMany", "findUnique", "findFirst", "count"},
	"task":    {"findMany", "findUnique", "findFirst", "count"},
	"user":    {"findMany", "findUnique", "count"},
	"update":  {"findMany", "findFirst", "count"},
}

// OperationBlockedError is returned by Check for any verdict but Allowed.
type OperationBlockedError struct {
	Model   string
	Method  string
	Verdict Verdict
}

func (e *OperationBlockedError) Error() string {
	return fmt.Sprintf("operation %s.%s rejected: %s", e.Model, e.Method, e.Verdict)
}

func isBlocklisted(method string) bool {
	m := strings.TrimSpace(method)
	for _, b := range blocklist {
		if m == b || strings.EqualFold(m, b) {
			return true
		}
	}
	return false
}

// Classify returns the verdict for model.method.
func Classify(model, method string) Verdict {
	if isBlocklisted(method) {
		return Blocked
	}
	methods, ok := whitelist[model]
	if !ok {
		return UnknownModel
	}
	for _, m := range methods {
		if m == method {
			return Allowed
		}
	}
	return UnknownMethod
}

func IsSafe(cmd Command) bool {
	return Classify(cmd.Model, cmd.Method) == Allowed
}

func Check(cmd Command) error {
	if v := Classify(cmd.Model, cmd.Method); v != Allowed {
		return &OperationBlockedError{Model: cmd.Model, Method: cmd.Method, Verdict: v}
	}
	return nil
}

// Models lists the whitelisted models with their methods.
func Models() map[string][]string {
	out := make(map[string][]string, len(whitelist))
	for k, v := range whitelist {
		out[k] = append([]string(nil), v...)
	}
	return out
}
