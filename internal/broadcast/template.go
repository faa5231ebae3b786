package broadcast

import (
	"regexp"
	"strings"
)

var varPattern = regexp.MustCompile(`\{\{\s*[\w.-]+\s*\}\}`)

// render substitutes {{variable}} placeholders. Unknown variables are kept.
func render(text string, vars map[string]string) string {
	if text == "" || len(vars) == 0 {
		return text
	}
	return varPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}
