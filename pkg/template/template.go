// Package template provides placeholder substitution for dynamic workflow
// configuration. Placeholders use the {{dotted.path}} form and resolve
// against the execution context; unresolved paths render as empty strings.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pathrun/pathrun/pkg/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([\w.\-]+)\s*\}\}`)

// Resolve substitutes all placeholders in the input string. Inputs without
// placeholders are returned unchanged.
func Resolve(input string, execCtx *models.ExecutionContext) string {
	if !strings.Contains(input, "{{") {
		return input
	}

	return placeholderPattern.ReplaceAllStringFunc(input, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]

		value, ok := execCtx.Lookup(path)
		if !ok || value == nil {
			return ""
		}

		return stringify(value)
	})
}

// ResolveObject recursively resolves string values inside maps and slices.
// Non-string values pass through untouched.
func ResolveObject(input any, execCtx *models.ExecutionContext) any {
	switch v := input.(type) {
	case string:
		return Resolve(v, execCtx)
	case map[string]any:
		resolved := make(map[string]any, len(v))
		for key, value := range v {
			resolved[key] = ResolveObject(value, execCtx)
		}

		return resolved
	case []any:
		resolved := make([]any, len(v))
		for i, value := range v {
			resolved[i] = ResolveObject(value, execCtx)
		}

		return resolved
	default:
		return input
	}
}

// stringify renders composite values as JSON and scalars with default
// formatting.
func stringify(value any) string {
	switch value.(type) {
	case map[string]any, []any:
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}

		return string(encoded)
	default:
		return fmt.Sprintf("%v", value)
	}
}
