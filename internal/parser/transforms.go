package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ── 1. fences ────────────────────────────────────────────────────────────────

type stripFences struct{ schema *Schema }

func (stripFences) Name() string { return "strip-fences" }

// Apply removes a surrounding ``` fence. Text with no brace at all is prose;
// it is wrapped as {"<primary>": text} when the schema has a primary field.
func (t stripFences) Apply(in string) (string, error) {
	out := strings.TrimSpace(in)
	if strings.HasPrefix(out, "```") {
		if nl := strings.IndexByte(out, '\n'); nl >= 0 {
			out = out[nl+1:]
		} else {
			out = strings.TrimPrefix(out, "```")
		}
		out = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(out), "```"))
	}
	if out == "" {
		return "", errors.New("empty output")
	}
	if !strings.Contains(out, "{") && t.schema.PrimaryField != "" {
		b, err := json.Marshal(map[string]string{t.schema.PrimaryField: out})
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return out, nil
}

// ── 2. region ────────────────────────────────────────────────────────────────

var fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n(.*?)```")

type extractRegion struct{}

func (extractRegion) Name() string { return "extract-region" }

// Apply keeps the fenced block if one is embedded in prose, otherwise the
// span from the first '{' to the last '}'.
func (extractRegion) Apply(in string) (string, error) {
	if m := fencedBlock.FindStringSubmatch(in); m != nil && strings.Contains(m[1], "{") {
		in = m[1]
	}
	start := strings.IndexByte(in, '{')
	if start < 0 {
		return "", errors.New("no object start")
	}
	end := strings.LastIndexByte(in, '}')
	if end < start {
		// Truncated: keep everything after the start for the repair step.
		return strings.TrimSpace(in[start:]), nil
	}
	return strings.TrimSpace(in[start : end+1]), nil
}

// ── 3. free text ─────────────────────────────────────────────────────────────

type escapeFreeText struct{ schema *Schema }

func (escapeFreeText) Name() string { return "escape-free-text" }

// Apply re-escapes raw quotes and control characters inside the values of
// the schema's free-text fields. A value ends at the first unescaped quote
// that is followed by the next key or by the end of an object or array.
func (t escapeFreeText) Apply(in string) (string, error) {
	out := in
	for _, field := range t.schema.FreeTextFields {
		out = escapeField(out, field)
	}
	return out, nil
}

var nextKey = regexp.MustCompile(`^"[A-Za-z_][\w-]{0,63}"\s*:`)

func escapeField(in, field string) string {
	opener := regexp.MustCompile(`"` + regexp.QuoteMeta(field) + `"\s*:\s*"`)
	var b strings.Builder
	rest := in
	for {
		loc := opener.FindStringIndex(rest)
		if loc == nil {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:loc[1]])
		body := rest[loc[1]:]
		end := closingQuote(body)
		if end < 0 {
			b.WriteString(body)
			return b.String()
		}
		b.WriteString(escapeBody(body[:end]))
		b.WriteByte('"')
		rest = body[end+1:]
	}
}

// closingQuote finds the index of the quote that really ends a string
// value starting at body[0].
func closingQuote(body string) int {
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '\\':
			i++
		case '"':
			if endsValue(body[i+1:]) {
				return i
			}
		}
	}
	return -1
}

func endsValue(after string) bool {
	a := strings.TrimLeft(after, " \t\r\n")
	if a == "" {
		return true
	}
	switch a[0] {
	case '}', ']':
		return true
	case ',':
		a = strings.TrimLeft(a[1:], " \t\r\n")
		if a == "" || a[0] == '{' || a[0] == '}' || a[0] == ']' {
			return true
		}
		return nextKey.MatchString(a)
	}
	return false
}

func escapeBody(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			i++
		case c == '"':
			b.WriteString(`\"`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		case c < 0x20:
			fmt.Fprintf(&b, `\u%04x`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ── 4. structure ─────────────────────────────────────────────────────────────

var (
	missingCommaBeforeKey   = regexp.MustCompile(`(")\s*\n\s*("[\w][^"]*"\s*:)`)
	missingCommaAfterValue  = regexp.MustCompile(`(\d|true|false|null)\s*\n\s*("[\w][^"]*"\s*:)`)
	missingCommaAfterBrace  = regexp.MustCompile(`([}\]])\s*\n?\s*("[\w]|\{)`)
	trailingComma           = regexp.MustCompile(`,\s*([}\]])`)
	singleQuoteKey          = regexp.MustCompile(`([{,]\s*)'(\w+)'(\s*:)`)
	singleQuoteValue        = regexp.MustCompile(`(:\s*)'((?:[^'\\]|\\.)*)'(\s*[,}\]])`)
	unquotedIdentifierValue = regexp.MustCompile(`(:\s*)([a-zA-Z][a-zA-Z0-9_-]*)(\s*[,}\]])`)
)

type repairStructure struct{}

func (repairStructure) Name() string { return "repair-structure" }

// Apply fixes the syntax slips models make most often.
func (repairStructure) Apply(in string) (string, error) {
	out := sanitizeControlChars(in)
	out = missingCommaBeforeKey.ReplaceAllString(out, `$1, $2`)
	out = missingCommaAfterValue.ReplaceAllString(out, `$1, $2`)
	out = missingCommaAfterBrace.ReplaceAllString(out, `$1, $2`)
	out = trailingComma.ReplaceAllString(out, `$1`)
	out = singleQuoteKey.ReplaceAllString(out, `$1"$2"$3`)
	out = singleQuoteValue.ReplaceAllStringFunc(out, func(m string) string {
		p := singleQuoteValue.FindStringSubmatch(m)
		v := strings.ReplaceAll(p[2], `\'`, `'`)
		v = strings.ReplaceAll(v, `"`, `\"`)
		return p[1] + `"` + v + `"` + p[3]
	})
	out = unquotedIdentifierValue.ReplaceAllStringFunc(out, func(m string) string {
		p := unquotedIdentifierValue.FindStringSubmatch(m)
		switch p[2] {
		case "true", "false", "null":
			return m
		}
		return p[1] + `"` + p[2] + `"` + p[3]
	})
	return closeTruncated(out), nil
}

// sanitizeControlChars escapes literal control characters inside strings.
func sanitizeControlChars(in string) string {
	var b strings.Builder
	b.Grow(len(in))
	inString, escaped := false, false
	for i := 0; i < len(in); i++ {
		c := in[i]
		switch {
		case escaped:
			escaped = false
			b.WriteByte(c)
		case c == '\\' && inString:
			escaped = true
			b.WriteByte(c)
		case c == '"':
			inString = !inString
			b.WriteByte(c)
		case inString && c == '\n':
			b.WriteString(`\n`)
		case inString && c == '\r':
			b.WriteString(`\r`)
		case inString && c == '\t':
			b.WriteString(`\t`)
		case inString && c < 0x20:
			fmt.Fprintf(&b, `\u%04x`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// closeTruncated closes an unterminated string and any open arrays and
// objects, innermost first.
func closeTruncated(in string) string {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(in); i++ {
		c := in[i]
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
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) == 0 && !inString {
		return in
	}
	var b strings.Builder
	b.WriteString(in)
	if inString {
		if escaped {
			b.WriteByte('\\')
		}
		b.WriteByte('"')
	}
	trimmed := strings.TrimRight(b.String(), " \t\r\n")
	b.Reset()
	b.WriteString(strings.TrimSuffix(trimmed, ","))
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// ── 5. fields ────────────────────────────────────────────────────────────────

type extractFields struct{ schema *Schema }

func (extractFields) Name() string { return "extract-fields" }

// fromFirst makes the cascade hand this step the output of the first step
// instead of text already rewritten by the structural repairs.
func (extractFields) fromFirst() {}

// Apply pulls known top-level fields out by pattern, accepting both
// "key": value pairs and "Key: value" label lines. The primary field falls
// back to the whole text with label lines removed.
func (t extractFields) Apply(in string) (string, error) {
	s := t.schema
	in = unwrapStub(in, s.PrimaryField)
	out := map[string]any{}
	consumed := map[string]bool{}
	for field, typ := range s.types {
		switch typ {
		case "integer", "number":
			if v, line, ok := findNumber(in, field, typ == "integer"); ok {
				out[field] = v
				consumed[line] = true
			}
		case "string":
			if v, line, ok := findString(in, field); ok {
				out[field] = v
				if line != "" {
					consumed[line] = true
				}
			}
		}
	}
	if p := s.PrimaryField; p != "" {
		if _, ok := out[p]; !ok {
			if text := proseRemainder(in, consumed); text != "" {
				out[p] = text
			}
		}
	}
	if len(out) == 0 {
		return "", errors.New("no known fields found")
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func findNumber(in, field string, integer bool) (any, string, bool) {
	re := regexp.MustCompile(`(?im)^[^\n]*?["']?\b` + regexp.QuoteMeta(field) + `\b["']?\s*[:=]\s*["']?(-?\d+(?:\.\d+)?)[^\n]*$`)
	m := re.FindStringSubmatch(in)
	if m == nil {
		return nil, "", false
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil, "", false
	}
	if integer {
		return int64(f), m[0], true
	}
	return f, m[0], true
}

func findString(in, field string) (string, string, bool) {
	quoted := regexp.MustCompile(`"` + regexp.QuoteMeta(field) + `"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	if m := quoted.FindStringSubmatch(in); m != nil {
		var v string
		if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &v); err == nil {
			return v, "", true
		}
		return m[1], "", true
	}
	label := regexp.MustCompile(`(?im)^\s*\**` + regexp.QuoteMeta(field) + `\**\s*[:：]\s*(.+)$`)
	if m := label.FindStringSubmatch(in); m != nil {
		return strings.TrimSpace(m[1]), m[0], true
	}
	return "", "", false
}

// unwrapStub turns a prose stub back into the prose it wraps.
func unwrapStub(in, primary string) string {
	if primary == "" {
		return in
	}
	var probe map[string]string
	if json.Unmarshal([]byte(in), &probe) != nil || len(probe) != 1 {
		return in
	}
	if v, ok := probe[primary]; ok {
		return v
	}
	return in
}

func proseRemainder(text string, consumed map[string]bool) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if consumed[line] {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
