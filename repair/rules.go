package repair

import (
	"regexp"
	"strings"
)

// A rule is one mechanical text fix. Rules are cheap and order-sensitive:
// fence stripping must run before extraction, literal coercion after quote
// normalization.
type rule struct {
	name  string
	apply func(string) string
}

var ruleSet = []rule{
	{name: "strip_code_fences", apply: stripCodeFences},
	{name: "extract_json", apply: extractJSON},
	{name: "normalize_quotes", apply: normalizeQuotes},
	{name: "quote_bare_keys", apply: quoteBareKeys},
	{name: "coerce_literals", apply: coerceLiterals},
	{name: "remove_trailing_commas", apply: removeTrailingCommas},
}

// stripCodeFences removes markdown fences around the payload, with or without
// a language tag.
func stripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop the language tag line, e.g. "json".
		first := strings.TrimSpace(trimmed[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}[]") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// extractJSON pulls the first balanced object or array out of surrounding
// prose. Models love to say "Here is the JSON you asked for:" first.
func extractJSON(s string) string {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return s
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	// Unbalanced; return from the opener onward and let the parser complain.
	return s[start:]
}

var singleQuotedToken = regexp.MustCompile(`'([^'\\]*(?:\\.[^'\\]*)*)'`)

// normalizeQuotes rewrites single-quoted strings as double-quoted. Applied
// only when the text has no double quotes at all, so valid JSON containing
// apostrophes is never mangled.
func normalizeQuotes(s string) string {
	if strings.Contains(s, `"`) {
		return s
	}
	return singleQuotedToken.ReplaceAllStringFunc(s, func(m string) string {
		inner := m[1 : len(m)-1]
		inner = strings.ReplaceAll(inner, `\'`, `'`)
		inner = strings.ReplaceAll(inner, `"`, `\"`)
		return `"` + inner + `"`
	})
}

var bareKey = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)

// quoteBareKeys wraps unquoted object keys in double quotes.
func quoteBareKeys(s string) string {
	return bareKey.ReplaceAllString(s, `$1"$2":`)
}

var (
	literalTrue  = regexp.MustCompile(`([:,\[\s])True([\s,}\]])`)
	literalFalse = regexp.MustCompile(`([:,\[\s])False([\s,}\]])`)
	literalNone  = regexp.MustCompile(`([:,\[\s])(None|NaN|undefined)([\s,}\]])`)
)

// coerceLiterals maps Python/JS literals onto their JSON forms. NaN has no
// JSON form and becomes null.
func coerceLiterals(s string) string {
	s = literalTrue.ReplaceAllString(s, `${1}true${2}`)
	s = literalFalse.ReplaceAllString(s, `${1}false${2}`)
	s = literalNone.ReplaceAllString(s, `${1}null${3}`)
	return s
}

var trailingComma = regexp.MustCompile(`,(\s*[}\]])`)

// removeTrailingCommas drops commas immediately preceding a closer. Comma
// positions inside strings are protected by masking string spans first.
func removeTrailingCommas(s string) string {
	masked := maskStrings(s)
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, loc := range trailingComma.FindAllStringIndex(masked, -1) {
		b.WriteString(s[last:loc[0]])
		// Skip the comma, keep the whitespace and closer.
		b.WriteString(s[loc[0]+1 : loc[1]])
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// maskStrings replaces every character inside a JSON string literal with 'x'
// so position-based regex passes cannot match inside them.
func maskStrings(s string) string {
	out := []byte(s)
	inString := false
	escaped := false
	for i := 0; i < len(out); i++ {
		c := out[i]
		if escaped {
			escaped = false
			out[i] = 'x'
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
			out[i] = 'x'
		case c == '"':
			inString = !inString
		case inString:
			out[i] = 'x'
		}
	}
	return string(out)
}
