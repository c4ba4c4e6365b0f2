// Package jsonrepair turns the loosely formatted JSON that language models
// tend to produce into a navigable value. It never returns an error: when
// nothing can be recovered it falls back to a skeleton keyed on the field
// names it can see in the raw text.
package jsonrepair

import (
	"encoding/json"
	"regexp"
	"strings"

	repair "github.com/kaptinlin/jsonrepair"
)

// ParseErrorNote is the placeholder message used in fallback skeletons.
const ParseErrorNote = "解析错误，无法获取完整数据"

var (
	openFence  = regexp.MustCompile("^```(?:json|JSON)?[ \t]*\r?\n")
	closeFence = regexp.MustCompile("\r?\n```\\s*$")
)

// ExtractAndParse strips markdown fences, repairs and parses text. The
// result is always a non-nil object.
func ExtractAndParse(text string) map[string]any {
	if strings.TrimSpace(text) == "" {
		return map[string]any{}
	}

	stripped := StripFences(text)
	if obj, ok := parseObject(stripped); ok {
		return obj
	}

	sanitized := Sanitize(stripped)
	if obj, ok := parseObject(sanitized); ok {
		return obj
	}

	// Prose around the object: cut to the outermost braces, before and
	// after sanitizing.
	for _, candidate := range []string{stripped, sanitized} {
		start := strings.Index(candidate, "{")
		end := strings.LastIndex(candidate, "}")
		if start < 0 || end <= start {
			continue
		}
		if obj, ok := parseObject(Sanitize(candidate[start : end+1])); ok {
			return obj
		}
	}

	if obj, ok := repairObject(stripped); ok {
		return obj
	}
	return Skeleton(text)
}

// knownFields are the keys Skeleton recognizes.
var knownFields = []string{"findings", "isComplete", "title"}

// repairObject hands the outermost braces of text to the general-purpose
// repairer, which also fixes missing commas and Python literals. The result
// is rejected if a known field that text names is missing or null.
func repairObject(text string) (obj map[string]any, ok bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	defer func() {
		if recover() != nil {
			obj, ok = nil, false
		}
	}()

	repaired, err := repair.JSONRepair(text[start : end+1])
	if err != nil {
		return nil, false
	}
	if obj, ok = parseObject(repaired); !ok {
		return nil, false
	}
	for _, field := range knownFields {
		if !strings.Contains(text, `"`+field+`"`) {
			continue
		}
		if v, found := obj[field]; !found || v == nil {
			return nil, false
		}
	}
	return obj, true
}

// StripFences removes a leading ```json (or bare ```) line and a trailing
// ``` line, then trims surrounding whitespace.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	text = openFence.ReplaceAllString(text, "")
	text = closeFence.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// Skeleton returns the minimal object for the first known field name found
// in text, or an empty object.
func Skeleton(text string) map[string]any {
	switch {
	case strings.Contains(text, `"findings"`):
		return map[string]any{"findings": []any{}}
	case strings.Contains(text, `"isComplete"`):
		return map[string]any{
			"isComplete":        false,
			"gaps":              []any{ParseErrorNote},
			"additionalQueries": []any{},
		}
	case strings.Contains(text, `"title"`):
		return map[string]any{
			"title":        "研究报告",
			"introduction": ParseErrorNote,
			"methodology":  "",
			"findings":     []any{},
			"conclusion":   "",
			"references":   []any{},
		}
	case strings.Contains(text, `"queries"`):
		return map[string]any{"queries": []any{}}
	case strings.Contains(text, `"questions"`):
		return map[string]any{"questions": []any{}}
	}
	return map[string]any{}
}

func parseObject(text string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// Sanitize rewrites common model mistakes into valid JSON: control
// characters, single-quoted strings, bare keys, invalid escapes, line
// comments and trailing commas. Unterminated strings and brackets are
// closed at the end of input.
func Sanitize(text string) string {
	return closeDangling(normalize(dropControlChars(text)))
}

func dropControlChars(text string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return ' '
		}
		return r
	}, text)
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isValidEscape(c byte) bool {
	return strings.IndexByte(`"\/bfnrtu`, c) >= 0
}

// lastSignificant returns the last non-whitespace byte written to b.
func lastSignificant(b *strings.Builder) byte {
	s := strings.TrimRight(b.String(), " \t\n\r")
	if s == "" {
		return 0
	}
	return s[len(s)-1]
}

// opensValue reports whether a string literal may start after prev.
func opensValue(prev byte) bool {
	switch prev {
	case 0, '{', '[', ',', ':':
		return true
	}
	return false
}

func skipSpace(text string, i int) int {
	for i < len(text) && strings.IndexByte(" \t\n\r", text[i]) >= 0 {
		i++
	}
	return i
}

// normalize is a single string-aware scan. Outside string literals it
// quotes bare keys and drops // comments; inside them it converts single
// quotes, escapes raw line breaks and removes invalid backslash escapes.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 16)

	var quote byte
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
				switch {
				case isValidEscape(c):
					b.WriteByte('\\')
					b.WriteByte(c)
				case c == '\'':
					b.WriteByte('\'')
				default:
					b.WriteByte(c)
				}
			case c == '\\':
				escaped = true
			case c == quote:
				inString = false
				b.WriteByte('"')
			case c == '"':
				b.WriteString(`\"`)
			case c == '\n':
				b.WriteString(`\n`)
			case c == '\r':
				b.WriteString(`\r`)
			case c == '\t':
				b.WriteString(`\t`)
			default:
				b.WriteByte(c)
			}
			continue
		}

		switch {
		case c == '"' || (c == '\'' && opensValue(lastSignificant(&b))):
			inString = true
			quote = c
			b.WriteByte('"')
		case c == '/' && i+1 < len(text) && text[i+1] == '/':
			for i+1 < len(text) && text[i+1] != '\n' {
				i++
			}
		case isIdentByte(c) && (lastSignificant(&b) == '{' || lastSignificant(&b) == ','):
			j := i
			for j < len(text) && isIdentByte(text[j]) {
				j++
			}
			ident := text[i:j]
			if k := skipSpace(text, j); k < len(text) && text[k] == ':' {
				b.WriteByte('"')
				b.WriteString(ident)
				b.WriteByte('"')
			} else {
				b.WriteString(ident)
			}
			i = j - 1
		default:
			b.WriteByte(c)
		}
	}

	if inString {
		if escaped {
			b.WriteString(`\\`)
		}
		b.WriteByte('"')
	}
	return b.String()
}

// closeDangling tracks bracket depth outside string literals, neutralizes
// any comma that is directly followed by a closing bracket and appends the
// closers of brackets left open at end of input.
func closeDangling(text string) string {
	out := []byte(text)
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(out); i++ {
		c := out[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if n := len(stack); n > 0 && stack[n-1] == c {
				stack = stack[:n-1]
			}
		case ',':
			if k := skipSpace(text, i+1); k == len(out) || out[k] == ']' || out[k] == '}' {
				out[i] = ' '
			}
		}
	}

	if len(stack) == 0 || inString {
		return string(out)
	}

	trimmed := strings.TrimRight(string(out), " \t\r\n")
	var b strings.Builder
	b.WriteString(trimmed)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}
