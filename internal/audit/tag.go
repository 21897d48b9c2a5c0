// Package audit implements the record engine for ModSecurity audit logs:
// tag parsing, blank-line record assembly, record predicates and field extraction.
package audit

import "strings"

// FindTag returns the value of the first well-formed `[tag "value"]` in text.
// The value ends at the first unescaped `"` that is directly followed by `]`,
// and never spans a line break. Escape sequences are returned as written.
func FindTag(text, tag string) (string, bool) {
	v, _, ok := findTagFrom(text, tag, 0)
	return v, ok
}

// FindTags returns every well-formed value of tag, in document order.
func FindTags(text, tag string) []string {
	var out []string
	pos := 0
	for {
		v, next, ok := findTagFrom(text, tag, pos)
		if !ok {
			return out
		}
		out = append(out, v)
		pos = next
	}
}

// findTagFrom searches text[from:] and returns the value plus the offset just past
// the closing `"]`.
func findTagFrom(text, tag string, from int) (string, int, bool) {
	if tag == "" {
		return "", 0, false
	}
	open := "[" + tag
	for from < len(text) {
		i := strings.Index(text[from:], open)
		if i < 0 {
			return "", 0, false
		}
		start := from + i + len(open)
		from = from + i + 1

		// at least one blank between the name and the opening quote
		j := start
		for j < len(text) && (text[j] == ' ' || text[j] == '\t') {
			j++
		}
		if j == start || j >= len(text) || text[j] != '"' {
			continue
		}
		if v, end, ok := scanValue(text, j+1); ok {
			return v, end, true
		}
	}
	return "", 0, false
}

// scanValue reads a quoted value starting at text[start] (just after the opening quote).
func scanValue(text string, start int) (string, int, bool) {
	for k := start; k < len(text); k++ {
		switch text[k] {
		case '\n':
			return "", 0, false
		case '\\':
			if k+1 < len(text) && text[k+1] != '\n' {
				k++
			}
		case '"':
			if k+1 < len(text) && text[k+1] == ']' {
				return text[start:k], k + 2, true
			}
		}
	}
	return "", 0, false
}
