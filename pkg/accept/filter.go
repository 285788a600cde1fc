// Package accept evaluates accept-type patterns against resource metadata.
//
// A Filter is configured with glob patterns matched against both the
// resource's MIME type and its filename, so "image/*" and "*.jpg" both
// work as accept rules. An empty Filter accepts everything.
package accept

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalidPattern is returned when a pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid accept pattern")

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Filter holds validated accept patterns.
//
// The Filter is safe for concurrent use after creation.
type Filter struct {
	patterns []string
}

// New creates a Filter from the given patterns.
//
// Patterns are validated eagerly so a bad accept rule fails at job
// creation, not mid-transfer.
func New(patterns []string) (*Filter, error) {
	cleaned := make([]string, 0, len(patterns))
	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		cleaned = append(cleaned, p)
	}
	return &Filter{patterns: cleaned}, nil
}

// Empty reports whether the filter has no patterns and accepts everything.
func (f *Filter) Empty() bool {
	return f == nil || len(f.patterns) == 0
}

// Accepts reports whether a resource with the given MIME type and filename
// passes the filter. Either argument may be empty when unknown; a resource
// is accepted if any pattern matches either field.
func (f *Filter) Accepts(contentType, filename string) bool {
	if f.Empty() {
		return true
	}
	ct := normalizeContentType(contentType)
	name := strings.ToLower(filename)
	for _, p := range f.patterns {
		if ct != "" {
			if ok, _ := doublestar.Match(p, ct); ok {
				return true
			}
		}
		if name != "" {
			if ok, _ := doublestar.Match(p, name); ok {
				return true
			}
		}
	}
	return false
}

// normalizeContentType strips parameters ("; charset=utf-8") and lowercases.
func normalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i != -1 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
