// Package naming renders save paths from user-configurable filename
// templates and resolves collisions with already-downloaded files.
package naming

import (
	"strings"
)

// Template is a compiled filename pattern.
//
// Patterns contain tokens of the form `%name%` which are substituted from
// the variable map at render time. Unknown tokens are kept verbatim so a
// pattern written for a newer (or older) release keeps producing usable
// names instead of failing.
type Template struct {
	parts []templatePart
}

type templatePart interface {
	append(dst *strings.Builder, vars map[string]string)
}

type literalPart string

type tokenPart string

func (p literalPart) append(dst *strings.Builder, _ map[string]string) {
	dst.WriteString(string(p))
}

func (p tokenPart) append(dst *strings.Builder, vars map[string]string) {
	if v, ok := vars[string(p)]; ok {
		dst.WriteString(Sanitize(v))
		return
	}
	// Unknown token: emit it verbatim, percent signs included.
	dst.WriteByte('%')
	dst.WriteString(string(p))
	dst.WriteByte('%')
}

// Compile parses a pattern string into a Template.
//
// Compilation never fails: an unterminated `%` is treated as a literal.
func Compile(pattern string) *Template {
	var parts []templatePart
	s := pattern
	for len(s) > 0 {
		open := strings.IndexByte(s, '%')
		if open == -1 {
			parts = append(parts, literalPart(s))
			break
		}
		if open > 0 {
			parts = append(parts, literalPart(s[:open]))
			s = s[open:]
		}

		closeIdx := strings.IndexByte(s[1:], '%')
		if closeIdx == -1 {
			parts = append(parts, literalPart(s))
			break
		}
		parts = append(parts, tokenPart(s[1:closeIdx+1]))
		s = s[closeIdx+2:]
	}
	return &Template{parts: parts}
}

// Apply substitutes vars into the compiled pattern.
func (t *Template) Apply(vars map[string]string) string {
	var b strings.Builder
	for _, part := range t.parts {
		part.append(&b, vars)
	}
	return b.String()
}

// Render is the one-shot form of Compile + Apply.
func Render(pattern string, vars map[string]string) string {
	return Compile(pattern).Apply(vars)
}

// hostileChars are characters that are unsafe in filenames on at least one
// supported filesystem.
const hostileChars = `/\:*?"<>|`

// Sanitize replaces filesystem-hostile characters in a substituted value
// with underscores. Pattern literals are not sanitized; a pattern may
// legitimately contain path separators to create subdirectories.
func Sanitize(v string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(hostileChars, r) {
			return '_'
		}
		return r
	}, v)
}
