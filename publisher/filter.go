package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// KeyFilter selects records by glob patterns over their keys. With no
// patterns every key matches.
type KeyFilter struct {
	globs []glob.Glob
}

// NewKeyFilter compiles patterns.
func NewKeyFilter(patterns []string) (*KeyFilter, error) {
	f := &KeyFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid key pattern %q: %w", p, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Match reports whether key matches any pattern.
func (f *KeyFilter) Match(key []byte) bool {
	if len(f.globs) == 0 {
		return true
	}
	s := string(key)
	for _, g := range f.globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
