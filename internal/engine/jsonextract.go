package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// fencePattern matches a markdown code fence with an optional language tag.
var fencePattern = regexp.MustCompile("(?s)```(\\w*)\\s*\\n(.+?)\\n```")

// ExtractJSON pulls a JSON document out of a model reply. Fenced json (or
// untagged) blocks win; otherwise the first balanced object or array in the
// text is used.
func ExtractJSON(reply string) (string, error) {
	for _, m := range fencePattern.FindAllStringSubmatch(reply, -1) {
		lang := strings.ToLower(m[1])
		if lang != "" && lang != "json" {
			continue
		}
		body := strings.TrimSpace(m[2])
		if json.Valid([]byte(body)) {
			return body, nil
		}
	}

	start := strings.IndexAny(reply, "{[")
	if start < 0 {
		return "", fmt.Errorf("no JSON found in reply")
	}
	if doc := balanced(reply[start:]); doc != "" && json.Valid([]byte(doc)) {
		return doc, nil
	}
	return "", fmt.Errorf("no valid JSON found in reply")
}

// balanced returns the prefix of s up to the bracket closing s[0], skipping
// brackets inside strings.
func balanced(s string) string {
	open := s[0]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// decodeReply extracts and unmarshals a JSON reply into v. Failures are
// malformed-response errors.
func decodeReply(reply string, v any) error {
	doc, err := ExtractJSON(reply)
	if err != nil {
		return malformed("%v", err)
	}
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return malformed("decode reply: %v", err)
	}
	return nil
}
