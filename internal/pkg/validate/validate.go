package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// v is the package-level singleton validator. It is initialised once at
// package load time. Any custom type registrations must be made during init()
// before the first call to Struct.
var v = validator.New()

// Violation is a single failed rule on a struct field.
type Violation struct {
	Field string
	Tag   string
}

// Struct validates the given struct using its validate tags.
// Returns a human-readable error string or nil.
func Struct(s interface{}) error {
	violations, err := Violations(s)
	if err != nil {
		return err
	}
	if len(violations) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(violations))
	for _, fv := range violations {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fv.Field, fv.Tag))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// Violations returns every failed rule in field order. The error is non-nil
// only when s could not be validated at all (e.g. it is not a struct).
func Violations(s interface{}) ([]Violation, error) {
	err := v.Struct(s)
	if err == nil {
		return nil, nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil, err
	}
	out := make([]Violation, 0, len(ve))
	for _, fe := range ve {
		out = append(out, Violation{Field: fe.Field(), Tag: fe.Tag()})
	}
	return out, nil
}
