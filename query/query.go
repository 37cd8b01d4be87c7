// Package query describes the subset of records a peer subscribes to and
// renders it as predicate text that can be shipped inside miss-query items
// and parsed back on the receiving side.
package query

import (
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalidQuery is returned for predicate text or patterns that cannot be used.
var ErrInvalidQuery = errors.New("invalid query")

type condKind int

const (
	condPrefix condKind = iota
	condInKeys
	condKeyGlob
	condValueGlob
	condValueEqual
)

type condition struct {
	kind    condKind
	prefix  []byte
	keys    [][]byte
	pattern string
	value   []byte
}

// Query is a conjunction of conditions over record keys and values.
// The zero value matches every record.
type Query struct {
	conds []condition
}

// Select returns an empty query.
func Select() *Query {
	return &Query{}
}

// PrefixKey restricts keys to those starting with prefix. An empty prefix adds nothing.
func (q *Query) PrefixKey(prefix []byte) *Query {
	if len(prefix) == 0 {
		return q
	}
	q.conds = append(q.conds, condition{kind: condPrefix, prefix: append([]byte{}, prefix...)})
	return q
}

// InKeys restricts keys to the given set.
func (q *Query) InKeys(keys ...[]byte) *Query {
	cp := make([][]byte, 0, len(keys))
	for _, k := range keys {
		cp = append(cp, append([]byte{}, k...))
	}
	q.conds = append(q.conds, condition{kind: condInKeys, keys: cp})
	return q
}

// KeyGlob restricts keys to a glob pattern.
func (q *Query) KeyGlob(pattern string) *Query {
	q.conds = append(q.conds, condition{kind: condKeyGlob, pattern: pattern})
	return q
}

// ValueGlob restricts values to a glob pattern.
func (q *Query) ValueGlob(pattern string) *Query {
	q.conds = append(q.conds, condition{kind: condValueGlob, pattern: pattern})
	return q
}

// ValueEqual restricts values to an exact match.
func (q *Query) ValueEqual(value []byte) *Query {
	q.conds = append(q.conds, condition{kind: condValueEqual, value: append([]byte{}, value...)})
	return q
}

// IsEmpty reports whether the query has no conditions.
func (q *Query) IsEmpty() bool {
	return q == nil || len(q.conds) == 0
}

// IsQueryOnlyByKey reports whether the query filters by key prefix alone.
// Such queries never hide records from a peer, so their results need no
// miss-query markers.
func (q *Query) IsQueryOnlyByKey() bool {
	if q == nil {
		return true
	}
	for _, c := range q.conds {
		if c.kind != condPrefix {
			return false
		}
	}
	return true
}

// String renders the predicate text, empty for an empty query.
func (q *Query) String() string {
	if q.IsEmpty() {
		return ""
	}
	parts := make([]string, 0, len(q.conds))
	for _, c := range q.conds {
		parts = append(parts, c.render())
	}
	return strings.Join(parts, " AND ")
}

func (c condition) render() string {
	switch c.kind {
	case condPrefix:
		return `hex("key") GLOB ` + quote(hexUpper(c.prefix)+"*")
	case condInKeys:
		lits := make([]string, 0, len(c.keys))
		for _, k := range c.keys {
			lits = append(lits, quote(hexUpper(k)))
		}
		return `hex("key") IN (` + strings.Join(lits, ", ") + `)`
	case condKeyGlob:
		return `"key" GLOB ` + quote(c.pattern)
	case condValueGlob:
		return `"value" GLOB ` + quote(c.pattern)
	default:
		return `"value" = ` + quote(string(c.value))
	}
}

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
