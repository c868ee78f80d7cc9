package workflow

import (
	"fmt"
	"regexp"
)

var placeholderRE = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_-]+)\.result\s*\}\}`)

// Interpolate substitutes {{step_id.result}} placeholders with the named
// step's resolved output. A reference to a failed or absent step resolves to
// a visible marker instead; interpolation never fails.
func Interpolate(text string, results map[string]*StepResult) string {
	return placeholderRE.ReplaceAllStringFunc(text, func(match string) string {
		id := placeholderRE.FindStringSubmatch(match)[1]
		r, ok := results[id]
		if !ok || r.Status != StepSuccess {
			return fmt.Sprintf("[Step %q not available]", id)
		}
		return r.Result
	})
}
