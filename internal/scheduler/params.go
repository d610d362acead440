package scheduler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"opsagent/internal/domain"
)

// refPattern matches ${var} and $results.<step>[.<field>] inside step params.
var refPattern = regexp.MustCompile(`\$\{(\w+)\}|\$results\.([\w-]+)(?:\.(\w+))?`)

const varsKey = "vars"

// refScope is what a step's params may refer to.
type refScope struct {
	vars    map[string]any
	results map[string]any
}

// scopeFor collects the variables and earlier results visible to the current
// step of x. Results are addressable by step name and as step_N.
func (s *Scheduler) scopeFor(wf domain.Workflow, x domain.WorkflowExecution, now time.Time) refScope {
	sc := refScope{vars: map[string]any{}, results: map[string]any{}}
	if vars, ok := x.Context[varsKey].(map[string]any); ok {
		for k, v := range vars {
			sc.vars[k] = v
		}
	}
	if x.ProjectID != nil {
		sc.vars["project_id"] = *x.ProjectID
		sc.vars["projectId"] = *x.ProjectID
	}
	sc.vars["execution_id"] = x.ID
	sc.vars["workflow_id"] = x.WorkflowID
	sc.vars["started_by"] = x.StartedBy
	sc.vars["now"] = now.UTC().Format(time.RFC3339)
	sc.vars["today"] = now.In(s.location()).Format(time.DateOnly)
	sc.vars["yesterday"] = now.In(s.location()).AddDate(0, 0, -1).Format(time.DateOnly)

	for i, st := range wf.Steps {
		v, ok := x.Context[stepKey(i, "result")]
		if !ok {
			if v, ok = x.Context[stepKey(i, "error")]; ok {
				v = map[string]any{"error": v}
			}
		}
		if !ok {
			continue
		}
		sc.results["step_"+strconv.Itoa(i)] = v
		if st.Name != "" {
			sc.results[st.Name] = v
		}
	}
	return sc
}

// resolveParams substitutes references throughout params. A string that is
// exactly one reference takes the referenced value with its type; otherwise
// references are spliced in as text.
func resolveParams(params map[string]any, sc refScope) (map[string]any, error) {
	var problems []string
	out, _ := resolveValue(params, sc, &problems).(map[string]any)
	if len(problems) > 0 {
		return nil, domain.Invalidf("unresolved references: %s", strings.Join(problems, ", "))
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func resolveValue(v any, sc refScope, problems *[]string) any {
	switch t := v.(type) {
	case string:
		return resolveString(t, sc, problems)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = resolveValue(item, sc, problems)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = resolveValue(item, sc, problems)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, sc refScope, problems *[]string) any {
	if loc := refPattern.FindStringIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
		v, ok := sc.lookup(refPattern.FindStringSubmatch(s))
		if !ok {
			*problems = append(*problems, s)
			return s
		}
		return v
	}
	return refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		v, ok := sc.lookup(refPattern.FindStringSubmatch(ref))
		if !ok {
			*problems = append(*problems, ref)
			return ref
		}
		return asText(v)
	})
}

func (sc refScope) lookup(m []string) (any, bool) {
	if m[1] != "" {
		v, ok := sc.vars[m[1]]
		return v, ok
	}
	v, ok := sc.results[m[2]]
	if !ok || m[3] == "" {
		return v, ok
	}
	obj, isMap := plainJSON(v).(map[string]any)
	if !isMap {
		return nil, false
	}
	field, ok := obj[m[3]]
	return field, ok
}

// plainJSON converts tool outputs to the generic shapes JSON decoding gives.
func plainJSON(v any) any {
	switch v.(type) {
	case map[string]any, []any, string, float64, bool, nil:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func asText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	}
	data, err := json.Marshal(plainJSON(v))
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// hasRefs reports whether any string in v carries a reference.
func hasRefs(v any) bool {
	switch t := v.(type) {
	case string:
		return refPattern.MatchString(t)
	case []any:
		for _, item := range t {
			if hasRefs(item) {
				return true
			}
		}
	case map[string]any:
		for _, item := range t {
			if hasRefs(item) {
				return true
			}
		}
	}
	return false
}

// resultRefs lists the step names referenced through $results in v.
func resultRefs(v any) []string {
	var names []string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, m := range refPattern.FindAllStringSubmatch(t, -1) {
				if m[2] != "" {
					names = append(names, m[2])
				}
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		case map[string]any:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(v)
	return names
}
