package store

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/agentoven/datachat/pkg/models"
)

// compareValues orders two scalar values the way a relational store would
// after coercing a literal to the column type: numerically when both sides
// parse as numbers, chronologically for times, lexically otherwise.
// ok is false when either side is NULL.
func compareValues(a, b interface{}) (cmp int, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if ta, isTime := a.(time.Time); isTime {
		if tb, err := cast.ToTimeE(b); err == nil {
			return ta.Compare(tb), true
		}
	}
	if fa, ok := toNumber(a); ok {
		if fb, ok := toNumber(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	return strings.Compare(stringify(a), stringify(b)), true
}

// toNumber accepts Go numeric kinds and numeric strings. Booleans are not
// numbers here so that "true" compares as text.
func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case bool:
		return 0, false
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := cast.ToFloat64E(s)
		return f, err == nil
	}
	f, err := cast.ToFloat64E(v)
	return f, err == nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

// likeToRegexp translates a LIKE pattern (backslash escapes, % and _
// wildcards) into an anchored, case-insensitive regexp.
func likeToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?is)^")
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		b.WriteString(regexp.QuoteMeta(`\`))
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// matcher evaluates a list of ANDed conditions against rows. LIKE patterns
// are compiled once per selection.
type matcher struct {
	conds    []Condition
	patterns map[int]*regexp.Regexp
}

func newMatcher(conds []Condition) (*matcher, error) {
	m := &matcher{conds: conds, patterns: make(map[int]*regexp.Regexp)}
	for i, c := range conds {
		if c.Op != CmpILike {
			continue
		}
		re, err := likeToRegexp(stringify(c.Value))
		if err != nil {
			return nil, fmt.Errorf("invalid pattern for %s: %w", c.Column, err)
		}
		m.patterns[i] = re
	}
	return m, nil
}

func (m *matcher) match(row models.Row) bool {
	for i, c := range m.conds {
		if !m.matchOne(i, c, row[c.Column]) {
			return false
		}
	}
	return true
}

func (m *matcher) matchOne(i int, c Condition, v interface{}) bool {
	switch c.Op {
	case CmpOwner:
		return v != nil && c.Value != nil && stringify(v) == stringify(c.Value)
	case CmpEq:
		cmp, ok := compareValues(v, c.Value)
		return ok && cmp == 0
	case CmpNeq:
		cmp, ok := compareValues(v, c.Value)
		return ok && cmp != 0
	case CmpGT:
		cmp, ok := compareValues(v, c.Value)
		return ok && cmp > 0
	case CmpGTE:
		cmp, ok := compareValues(v, c.Value)
		return ok && cmp >= 0
	case CmpLT:
		cmp, ok := compareValues(v, c.Value)
		return ok && cmp < 0
	case CmpLTE:
		cmp, ok := compareValues(v, c.Value)
		return ok && cmp <= 0
	case CmpILike:
		if v == nil {
			return false
		}
		return m.patterns[i].MatchString(stringify(v))
	case CmpIn:
		set, _ := c.Value.([]interface{})
		for _, candidate := range set {
			if cmp, ok := compareValues(v, candidate); ok && cmp == 0 {
				return true
			}
		}
		return false
	}
	return false
}

// lessRows orders rows by one column, NULLs last ascending and first descending.
func lessRows(a, b models.Row, o *Order) bool {
	av, bv := a[o.Column], b[o.Column]
	switch {
	case av == nil && bv == nil:
		return false
	case av == nil:
		return o.Desc
	case bv == nil:
		return !o.Desc
	}
	cmp, _ := compareValues(av, bv)
	if o.Desc {
		return cmp > 0
	}
	return cmp < 0
}
