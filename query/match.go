package query

import (
	"bytes"
	"fmt"

	"github.com/gobwas/glob"
)

type compiledCond struct {
	condition
	keySet map[string]struct{}
	g      glob.Glob
}

// Matcher evaluates a compiled query against records.
type Matcher struct {
	conds []compiledCond
}

// Compile prepares the query for matching.
func (q *Query) Compile() (*Matcher, error) {
	m := &Matcher{}
	if q == nil {
		return m, nil
	}
	for _, c := range q.conds {
		cc := compiledCond{condition: c}
		switch c.kind {
		case condInKeys:
			cc.keySet = make(map[string]struct{}, len(c.keys))
			for _, k := range c.keys {
				cc.keySet[string(k)] = struct{}{}
			}
		case condKeyGlob, condValueGlob:
			g, err := glob.Compile(c.pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: bad pattern %q: %v", ErrInvalidQuery, c.pattern, err)
			}
			cc.g = g
		}
		m.conds = append(m.conds, cc)
	}
	return m, nil
}

// Match reports whether a record satisfies every condition.
func (m *Matcher) Match(key, value []byte) bool {
	for _, c := range m.conds {
		var ok bool
		switch c.kind {
		case condPrefix:
			ok = bytes.HasPrefix(key, c.prefix)
		case condInKeys:
			_, ok = c.keySet[string(key)]
		case condKeyGlob:
			ok = c.g.Match(string(key))
		case condValueGlob:
			ok = c.g.Match(string(value))
		case condValueEqual:
			ok = bytes.Equal(value, c.value)
		}
		if !ok {
			return false
		}
	}
	return true
}
