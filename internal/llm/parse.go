package llm

import (
	"encoding/json"
	"io"
	"strings"
)

// Model output is advisory: every parser here reports failure through its ok
// result and the call site substitutes a safe default. Parsers never panic and
// never treat malformed text as a transport error.

// ParseStrictJSON decodes content into out, rejecting unknown fields and
// trailing data. Markdown code fences around the object are tolerated.
func ParseStrictJSON(content string, out any) bool {
	content = StripCodeFence(content)

	decoder := json.NewDecoder(strings.NewReader(content))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return false
	}

	var trailing struct{}
	if err := decoder.Decode(&trailing); err != io.EOF {
		return false
	}
	return true
}

// ParseTagged extracts the first <tag>...</tag> span. A missing or empty span
// reports false.
func ParseTagged(content, tag string) (string, bool) {
	open := "<" + tag + ">"
	close := "</" + tag + ">"

	start := strings.Index(content, open)
	if start < 0 {
		return "", false
	}
	rest := content[start+len(open):]
	end := strings.Index(rest, close)
	if end < 0 {
		return "", false
	}
	inner := strings.TrimSpace(rest[:end])
	if inner == "" {
		return "", false
	}
	return inner, true
}

// HasTag reports whether content contains a self-closing or paired tag marker.
func HasTag(content, tag string) bool {
	if strings.Contains(content, "<"+tag+"/>") || strings.Contains(content, "<"+tag+" />") {
		return true
	}
	_, ok := ParseTagged(content, tag)
	return ok
}

// ParseYesNo reads a binary verdict. Only a leading yes/no word counts;
// anything else is unparsable.
func ParseYesNo(content string) (answer, ok bool) {
	fields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !('a' <= r && r <= 'z')
	})
	if len(fields) == 0 {
		return false, false
	}
	switch fields[0] {
	case "yes", "true":
		return true, true
	case "no", "false":
		return false, true
	}
	return false, false
}

// StripCodeFence removes a surrounding ```...``` block if present.
func StripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// drop a language hint like ```json
		first := strings.TrimSpace(trimmed[:idx])
		if len(first) <= 8 && !strings.ContainsAny(first, "{}[]") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
