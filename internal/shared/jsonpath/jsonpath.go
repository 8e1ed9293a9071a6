// Package jsonpath resolves dotted paths over parsed JSON trees.
// Resolution is hardened: every segment must exist as an own property of
// an object (or a valid index of an array). There is no truthy/falsey
// coercion, and a missing segment reports how far the walk got.
package jsonpath

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Resolution is the tri-state outcome of a path walk. Found reports
// whether the full path resolved; PartialPath holds the prefix that did
// resolve when it did not.
type Resolution struct {
	Found       bool
	Value       any
	PartialPath string
}

// Resolve walks a dotted path over a generic JSON tree. Numeric segments
// index arrays; bracket syntax (`items[2].name`) is accepted and treated
// the same as a numeric dot segment.
func Resolve(root any, path string) Resolution {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return Resolution{}
	}

	current := root
	for idx, segment := range segments {
		next, ok := step(current, segment)
		if !ok {
			return Resolution{
				Found:       false,
				PartialPath: strings.Join(segments[:idx], "."),
			}
		}
		current = next
	}
	return Resolution{Found: true, Value: current, PartialPath: path}
}

// SplitPath breaks a dotted path into segments, expanding bracket
// indices into their own segments: "a.b[2].c" → ["a","b","2","c"].
func SplitPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	var segments []string
	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		for {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				segments = append(segments, part)
				break
			}
			close := strings.IndexByte(part, ']')
			if close < open {
				// Malformed bracket: keep the raw segment so the walk fails
				// on it rather than silently resolving something else.
				segments = append(segments, part)
				break
			}
			if open > 0 {
				segments = append(segments, part[:open])
			}
			segments = append(segments, part[open+1:close])
			part = part[close+1:]
			if part == "" {
				break
			}
		}
	}
	return segments
}

func step(current any, segment string) (any, bool) {
	switch node := current.(type) {
	case map[string]any:
		value, ok := node[segment]
		return value, ok
	case []any:
		idx, err := strconv.Atoi(segment)
		if err != nil || idx < 0 || idx >= len(node) {
			return nil, false
		}
		return node[idx], true
	default:
		return nil, false
	}
}

// Render substitutes {{ path.to.field }} tokens in a template string.
// Missing paths render as the empty string. Plain substitution only,
// no expressions or filters.
func Render(template string, root any) string {
	var b strings.Builder
	rest := template
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		close := strings.Index(rest[open:], "}}")
		if close < 0 {
			b.WriteString(rest)
			return b.String()
		}
		close += open

		b.WriteString(rest[:open])
		path := strings.TrimSpace(rest[open+2 : close])
		if res := Resolve(root, path); res.Found {
			b.WriteString(Stringify(res.Value))
		}
		rest = rest[close+2:]
	}
}

// Stringify renders a resolved value for template interpolation.
// Scalars use their natural text form; composites fall back to JSON.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
