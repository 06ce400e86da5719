package refdb

import (
	"fmt"
	"regexp"
	"strings"
)

// Glob matches full reference names against a shell-style pattern: '*'
// matches any run of characters including '/', '?' matches exactly one
// character, everything else is literal. Matching is anchored at both ends.
type Glob struct {
	pattern string
	re      *regexp.Regexp
}

// CompileGlob compiles pattern. The empty pattern matches every name.
func CompileGlob(pattern string) (*Glob, error) {
	if pattern == "" {
		return &Glob{}, nil
	}
	re, err := regexp.Compile(globToRegex(pattern))
	if err != nil {
		return nil, fmt.Errorf("compile glob %q: %w", pattern, err)
	}
	return &Glob{pattern: pattern, re: re}, nil
}

// MatchGlob reports whether name matches pattern.
func MatchGlob(pattern, name string) bool {
	g, err := CompileGlob(pattern)
	if err != nil {
		return false
	}
	return g.Match(name)
}

func (g *Glob) Match(name string) bool {
	if g == nil || g.re == nil {
		return true
	}
	return g.re.MatchString(name)
}

func (g *Glob) String() string {
	if g == nil {
		return ""
	}
	return g.pattern
}

// Prefix is the literal text before the first wildcard. Every matching
// name starts with it, so ordered stores can seek there instead of scanning.
func (g *Glob) Prefix() string {
	if g == nil {
		return ""
	}
	if i := strings.IndexAny(g.pattern, "*?"); i >= 0 {
		return g.pattern[:i]
	}
	return g.pattern
}

func globToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, ch := range pattern {
		switch ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")
	return b.String()
}
