package store

import (
	"fmt"
	"strings"
)

// dialect captures the differences between the SQL backends. Identifiers
// reaching a dialect have already passed identifier validation; quoting is a
// second line of defence, never the first.
type dialect struct {
	name        string
	quote       func(ident string) string
	placeholder func(n int) string
	ilike       func(column, param string) string
	bind        func(v interface{}) interface{}
}

// buildSelect renders a Selection as a parameterized SELECT statement.
// Only identifiers are interpolated; every value is a bound argument.
func buildSelect(d dialect, sel Selection) (string, []interface{}, error) {
	var sb strings.Builder
	var args []interface{}

	next := func(v interface{}) string {
		args = append(args, d.bind(v))
		return d.placeholder(len(args))
	}

	sb.WriteString("SELECT ")
	if len(sel.Columns) == 0 {
		sb.WriteString("*")
	} else {
		cols := make([]string, len(sel.Columns))
		for i, c := range sel.Columns {
			cols[i] = d.quote(c)
		}
		sb.WriteString(strings.Join(cols, ", "))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(d.quote(sel.Table))

	if len(sel.Where) > 0 {
		clauses := make([]string, 0, len(sel.Where))
		for _, c := range sel.Where {
			clause, err := renderCondition(d, c, next)
			if err != nil {
				return "", nil, err
			}
			clauses = append(clauses, clause)
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(clauses, " AND "))
	}

	if sel.OrderBy != nil {
		dir := "ASC NULLS LAST"
		if sel.OrderBy.Desc {
			dir = "DESC NULLS FIRST"
		}
		fmt.Fprintf(&sb, " ORDER BY %s %s", d.quote(sel.OrderBy.Column), dir)
	}

	switch {
	case sel.Limit > 0:
		fmt.Fprintf(&sb, " LIMIT %d", sel.Limit)
	case sel.Offset > 0 && d.name == "sqlite":
		// SQLite only accepts OFFSET after a LIMIT clause.
		sb.WriteString(" LIMIT -1")
	}
	if sel.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", sel.Offset)
	}

	return sb.String(), args, nil
}

func renderCondition(d dialect, c Condition, next func(interface{}) string) (string, error) {
	col := d.quote(c.Column)
	switch c.Op {
	case CmpOwner:
		return "CAST(" + col + " AS TEXT) = " + next(stringify(c.Value)), nil
	case CmpEq:
		return col + " = " + next(c.Value), nil
	case CmpNeq:
		return col + " <> " + next(c.Value), nil
	case CmpGT:
		return col + " > " + next(c.Value), nil
	case CmpGTE:
		return col + " >= " + next(c.Value), nil
	case CmpLT:
		return col + " < " + next(c.Value), nil
	case CmpLTE:
		return col + " <= " + next(c.Value), nil
	case CmpILike:
		return d.ilike(col, next(c.Value)), nil
	case CmpIn:
		set, ok := c.Value.([]interface{})
		if !ok {
			return "", fmt.Errorf("in condition on %s requires a list value", c.Column)
		}
		if len(set) == 0 {
			return "1 = 0", nil
		}
		params := make([]string, len(set))
		for i, v := range set {
			params[i] = next(v)
		}
		return col + " IN (" + strings.Join(params, ", ") + ")", nil
	}
	return "", fmt.Errorf("unsupported comparison %q", c.Op)
}

// buildCount renders SELECT count(*) for the describe-tables path.
func buildCount(d dialect, table string, owner Condition) (string, []interface{}, error) {
	var args []interface{}
	next := func(v interface{}) string {
		args = append(args, d.bind(v))
		return d.placeholder(len(args))
	}
	clause, err := renderCondition(d, owner, next)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", d.quote(table), clause), args, nil
}
