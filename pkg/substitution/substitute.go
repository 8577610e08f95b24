// Package substitution implements the Parameter Substituter (C5):
// expansion of ${TASK_ID.field1.field2...} references in a task's
// params against completed upstream TaskResults. It is a small,
// explicit scanner rather than a single do-it-all regex, per the
// design note that string-reference DSLs should stay testable at the
// edge cases (a reference embedded in other text vs. an exact match).
package substitution

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/gleitzeit/gleitzeit/pkg/task"
)

var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Resolve returns a deep copy of params with every ${...} reference
// expanded against results (keyed by task id), plus any warnings
// encountered (missing task id or missing field). It never mutates
// params or its nested values, so it is safe to call again on the
// original on a retry.
func Resolve(params map[string]interface{}, results map[string]*task.TaskResult) (map[string]interface{}, []string) {
	var warnings []string
	out := walk(params, results, &warnings).(map[string]interface{})
	return out, warnings
}

func walk(v interface{}, results map[string]*task.TaskResult, warnings *[]string) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, nested := range val {
			out[k] = walk(nested, results, warnings)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, nested := range val {
			out[i] = walk(nested, results, warnings)
		}
		return out
	case string:
		return resolveString(val, results, warnings)
	default:
		return v
	}
}

func resolveString(s string, results map[string]*task.TaskResult, warnings *[]string) interface{} {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// Exact match: the whole string is exactly one reference. Substitute
	// the native resolved value so arrays/objects flow through untouched.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		ref := s[matches[0][2]:matches[0][3]]
		value, resolved := resolveRef(ref, results, warnings)
		if !resolved {
			return s
		}
		return value
	}

	// Embedded references: replace each with its compact JSON serialization.
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		ref := s[m[2]:m[3]]
		value, resolved := resolveRef(ref, results, warnings)
		if !resolved {
			b.WriteString(s[m[0]:m[1]])
		} else {
			encoded, err := json.Marshal(value)
			if err != nil {
				b.WriteString(s[m[0]:m[1]])
			} else {
				b.Write(encoded)
			}
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// resolveRef navigates TASK_ID.field1.field2... against results. On a
// missing task id or field it warns and returns the deepest value it
// could reach along with resolved=false if nothing at all resolved.
func resolveRef(ref string, results map[string]*task.TaskResult, warnings *[]string) (interface{}, bool) {
	parts := strings.Split(ref, ".")
	if len(parts) == 0 || parts[0] == "" {
		return nil, false
	}
	taskID := parts[0]
	result, ok := results[taskID]
	if !ok || result.Status != task.ResultCompleted {
		*warnings = append(*warnings, fmt.Sprintf("substitution: task %q has no completed result", taskID))
		return nil, false
	}

	var current interface{}
	if err := json.Unmarshal(result.Result, &current); err != nil {
		*warnings = append(*warnings, fmt.Sprintf("substitution: task %q result is not valid JSON: %v", taskID, err))
		return nil, false
	}

	lastResolved := current
	anyResolved := true
	for _, field := range parts[1:] {
		m, ok := current.(map[string]interface{})
		if !ok {
			*warnings = append(*warnings, fmt.Sprintf("substitution: %q has no field %q (not an object)", ref, field))
			return lastResolved, anyResolved
		}
		next, present := m[field]
		if !present {
			*warnings = append(*warnings, fmt.Sprintf("substitution: %q has no field %q", ref, field))
			return lastResolved, anyResolved
		}
		current = next
		lastResolved = current
	}
	return current, true
}
