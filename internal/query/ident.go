// Package query validates structured query descriptions and runs them
// against a row store, always scoped to the caller's own rows.
package query

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// IsValidIdentifier reports whether s is safe to use as a table or column
// name. Tables are user-defined, so names cannot be allow-listed; this
// structural check is what keeps them out of the SQL grammar.
func IsValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// ValidateIdentifier returns a ValidationError naming field when s is not a
// valid identifier.
func ValidateIdentifier(field, s string) error {
	if IsValidIdentifier(s) {
		return nil
	}
	return &ValidationError{Field: field, Value: s, Reason: "must match ^[a-z_][a-z0-9_]*$"}
}

// ── Request shape ───────────────────────────────────────────

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CheckShape runs struct-tag validation and reports the first failure as a
// ValidationError.
func CheckShape(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return &ValidationError{Field: "request", Reason: err.Error()}
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	return &ValidationError{Field: field, Value: valueString(fe.Value()), Reason: describeTag(fe)}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gte":
		return "must be >= " + fe.Param()
	}
	return "failed " + fe.Tag() + " check"
}

func valueString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.String {
		return rv.String()
	}
	return ""
}
