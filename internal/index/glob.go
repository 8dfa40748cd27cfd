// Package index holds the graphite glob matching shared by the index
// components.
package index

import (
	"fmt"
	"path"
	"strings"

	"github.com/xtxerr/metricd/internal/errors"
)

// Pattern is a compiled graphite glob. Each dot separated segment may use
// `*`, `?`, `[...]` and `{a,b}` alternation; wildcards never cross a dot.
type Pattern struct {
	raw      string
	segments [][]string // per segment, the brace expanded alternatives
}

// Compile parses a graphite glob.
func Compile(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern: %w", errors.ErrInvalidPattern)
	}

	parts := splitSegments(pattern)
	p := &Pattern{raw: pattern, segments: make([][]string, len(parts))}
	for i, part := range parts {
		alts, err := expandBraces(part)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		for _, alt := range alts {
			if _, err := path.Match(alt, ""); err != nil {
				return nil, fmt.Errorf("pattern %q: %w", pattern, errors.ErrInvalidPattern)
			}
		}
		p.segments[i] = alts
	}
	return p, nil
}

// String returns the source pattern.
func (p *Pattern) String() string {
	return p.raw
}

// Match reports whether a dotted path matches every segment.
func (p *Pattern) Match(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) != len(p.segments) {
		return false
	}
	for i, part := range parts {
		if !matchAny(p.segments[i], part) {
			return false
		}
	}
	return true
}

// Prefix returns the literal leading segments before the last one, each
// followed by a dot, usable to narrow a candidate scan. It is empty if the
// first segment contains a wildcard.
func (p *Pattern) Prefix() string {
	var b strings.Builder
	for _, alts := range p.segments[:len(p.segments)-1] {
		if len(alts) != 1 || hasMeta(alts[0]) {
			break
		}
		b.WriteString(alts[0])
		b.WriteByte('.')
	}
	return b.String()
}

// Depth returns the number of segments.
func (p *Pattern) Depth() int {
	return len(p.segments)
}

func matchAny(alts []string, s string) bool {
	for _, alt := range alts {
		if ok, _ := path.Match(alt, s); ok {
			return true
		}
	}
	return false
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, `*?[\`)
}

// splitSegments splits on dots outside of braces and brackets.
func splitSegments(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{', '[':
			depth++
		case '}', ']':
			if depth > 0 {
				depth--
			}
		case '.':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// expandBraces turns "a{b,c}d" into ["abd", "acd"]. Nested braces are
// expanded recursively.
func expandBraces(s string) ([]string, error) {
	open := strings.IndexByte(s, '{')
	if open < 0 {
		if strings.IndexByte(s, '}') >= 0 {
			return nil, fmt.Errorf("unbalanced brace: %w", errors.ErrInvalidPattern)
		}
		return []string{s}, nil
	}

	depth, end := 0, -1
	for i := open; i < len(s) && end < 0; i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = i
			}
		}
	}
	if end < 0 {
		return nil, fmt.Errorf("unbalanced brace: %w", errors.ErrInvalidPattern)
	}

	head, body, tail := s[:open], s[open+1:end], s[end+1:]
	tails, err := expandBraces(tail)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, choice := range splitAlternatives(body) {
		mids, err := expandBraces(choice)
		if err != nil {
			return nil, err
		}
		for _, m := range mids {
			for _, t := range tails {
				out = append(out, head+m+t)
			}
		}
	}
	return out, nil
}

// splitAlternatives splits a brace body on top-level commas.
func splitAlternatives(body string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, body[start:i])
				start = i + 1
			}
		}
	}
	return append(out, body[start:])
}
