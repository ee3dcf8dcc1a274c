package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

var templateToken = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// interpolate replaces {{dotted.path}} tokens with values resolved from the
// variable map. Unresolved tokens are left untouched rather than blanked, so
// a bad path is visible in the output.
func interpolate(template string, vars map[string]any) string {
	return templateToken.ReplaceAllStringFunc(template, func(token string) string {
		path := templateToken.FindStringSubmatch(token)[1]
		value, ok := resolvePath(vars, path)
		if !ok {
			return token
		}
		return stringify(value)
	})
}

// resolvePath walks a dotted path through nested maps.
func resolvePath(vars map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = vars
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing .0.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
