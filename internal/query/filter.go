package query

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/agentoven/datachat/internal/store"
	"github.com/agentoven/datachat/pkg/models"
)

// DefaultOwnerColumn is the column every user table scopes rows by.
const DefaultOwnerColumn = "user_id"

// Predicate is a compiled, ANDed condition list. The owner condition is
// always its first element.
type Predicate []store.Condition

// CompileFilters validates filters and maps each operator onto the store's
// native comparison. The owner equality is prepended unconditionally, so no
// caller-supplied filter can widen the scope. Filters combine with AND only;
// OR and nesting are not expressible.
func CompileFilters(ownerColumn, owner string, filters []models.Filter) (Predicate, error) {
	pred := make(Predicate, 0, len(filters)+1)
	pred = append(pred, store.Condition{Column: ownerColumn, Op: store.CmpOwner, Value: owner})

	for i, f := range filters {
		field := fmt.Sprintf("filters[%d].column", i)
		if err := ValidateIdentifier(field, f.Column); err != nil {
			return nil, err
		}
		cond, err := compileFilter(f)
		if err != nil {
			return nil, err
		}
		pred = append(pred, cond)
	}
	return pred, nil
}

func compileFilter(f models.Filter) (store.Condition, error) {
	cond := store.Condition{Column: f.Column}
	switch f.Operator {
	case models.OpEquals:
		cond.Op = store.CmpEq
	case models.OpNotEquals:
		cond.Op = store.CmpNeq
	case models.OpGT:
		cond.Op = store.CmpGT
	case models.OpGTE:
		cond.Op = store.CmpGTE
	case models.OpLT:
		cond.Op = store.CmpLT
	case models.OpLTE:
		cond.Op = store.CmpLTE
	case models.OpContains:
		if !isScalar(f.Value) {
			return cond, &ValidationError{Field: f.Column, Reason: "contains requires a scalar value"}
		}
		cond.Op = store.CmpILike
		cond.Value = "%" + EscapeLike(fmt.Sprint(f.Value)) + "%"
		return cond, nil
	case models.OpIn:
		set, ok := toList(f.Value)
		if !ok || len(set) == 0 {
			return cond, &ValidationError{Field: f.Column, Reason: "in requires a non-empty array value"}
		}
		for _, v := range set {
			if !isScalar(v) {
				return cond, &ValidationError{Field: f.Column, Reason: "in values must be scalars"}
			}
		}
		cond.Op = store.CmpIn
		cond.Value = set
		return cond, nil
	default:
		return cond, &UnsupportedOperatorError{Column: f.Column, Operator: string(f.Operator)}
	}

	if !isScalar(f.Value) {
		return cond, &ValidationError{Field: f.Column, Reason: fmt.Sprintf("%s requires a scalar value", f.Operator)}
	}
	cond.Value = f.Value
	return cond, nil
}

// EscapeLike escapes LIKE wildcards so a value matches literally.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func isScalar(v interface{}) bool {
	if v == nil {
		return false
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Func, reflect.Chan, reflect.Pointer:
		_, isStringer := v.(fmt.Stringer)
		return isStringer
	}
	return true
}

// toList accepts any slice, including the []interface{} produced by
// encoding/json.
func toList(v interface{}) ([]interface{}, bool) {
	if l, ok := v.([]interface{}); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
