package workflow

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// Parse scans free-form text — typically an agent transcript — for an
// embedded plan. Fenced code blocks are tried first, then the first balanced
// JSON object found by brace counting. Absence of a plan is the common case,
// so any structural failure yields nil rather than an error.
func Parse(text string) *Plan {
	for _, m := range fencedBlock.FindAllStringSubmatch(text, -1) {
		if obj := firstJSONObject(m[1]); obj != "" {
			if p := decodeCandidate(obj); p != nil {
				return p
			}
		}
	}

	if obj := firstJSONObject(text); obj != "" {
		return decodeCandidate(obj)
	}
	return nil
}

// decodeCandidate decodes s and applies the acceptance checks: a non-empty
// name, at least one step, and every step carrying an id, a target agent,
// a prompt, and non-empty dependency ids.
func decodeCandidate(s string) *Plan {
	var p Plan
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil
	}
	if p.Name == "" || len(p.Steps) == 0 {
		return nil
	}
	for _, step := range p.Steps {
		if step.ID == "" || !step.Agent.Valid() || step.Prompt == "" {
			return nil
		}
		for _, dep := range step.DependsOn {
			if strings.TrimSpace(dep) == "" {
				return nil
			}
		}
	}
	return &p
}

// firstJSONObject returns the first balanced {...} span in text, counting
// braces while respecting string literals and escapes. Returns "" when no
// balanced object exists.
func firstJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// structural characters don't count inside strings
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
