// Package mask implements file masks and rename rules. A mask list is
// ordered, a leading '!' negates, the first matching mask decides, and a
// file that matches no mask is not distributed.
package mask

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Mask is one compiled file mask.
type Mask struct {
	re       *regexp.Regexp
	original string
	negated  bool
}

// Compile builds a mask from pattern. A leading '!' makes it a negation.
// Wildcards: '*' any run, '?' one character, '[...]' character class with
// '!' negation.
func Compile(pattern string) (*Mask, error) {
	m := &Mask{original: pattern}
	p := pattern
	if strings.HasPrefix(p, "!") {
		m.negated = true
		p = p[1:]
	}
	if p == "" {
		return nil, errors.New("empty file mask")
	}
	re, err := regexp.Compile("^" + globToRegex(p) + "$")
	if err != nil {
		return nil, fmt.Errorf("file mask %q: %w", pattern, err)
	}
	m.re = re
	return m, nil
}

// String returns the source pattern.
func (m *Mask) String() string { return m.original }

// Negated reports whether a match excludes the file.
func (m *Mask) Negated() bool { return m.negated }

// Match tests name against the mask pattern, ignoring negation.
func (m *Mask) Match(name string) bool { return m.re.MatchString(name) }

// Set is an ordered mask list.
type Set struct {
	masks []*Mask
}

// CompileSet builds a set from patterns, preserving order.
func CompileSet(patterns []string) (*Set, error) {
	s := &Set{masks: make([]*Mask, 0, len(patterns))}
	for _, p := range patterns {
		m, err := Compile(p)
		if err != nil {
			return nil, err
		}
		s.masks = append(s.masks, m)
	}
	return s, nil
}

// Empty reports whether the set holds no masks.
func (s *Set) Empty() bool { return len(s.masks) == 0 }

// Match walks the masks in order; the first hit decides. Matching a negated
// mask excludes the file; matching no mask at all also excludes it.
func (s *Set) Match(name string) bool {
	for _, m := range s.masks {
		if m.Match(name) {
			return !m.negated
		}
	}
	return false
}

// globToRegex converts a file-mask glob into a regex. Every wildcard becomes
// a capture group so rename templates can reference the matched text.
func globToRegex(pattern string) string {
	var b strings.Builder
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch c {
		case '*':
			b.WriteString("(.*)")
			i++
		case '?':
			b.WriteString("(.)")
			i++
		case '[':
			// Character class passes through; '!' negation becomes '^'.
			j := i + 1
			if j < len(pattern) && pattern[j] == '!' {
				j++
			}
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j < len(pattern) {
				cls := pattern[i+1 : j]
				if strings.HasPrefix(cls, "!") {
					cls = "^" + cls[1:]
				}
				b.WriteString("([" + cls + "])")
				i = j + 1
			} else {
				b.WriteString(regexp.QuoteMeta(string(c)))
				i++
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	return b.String()
}
