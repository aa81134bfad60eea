// Package utils wraps validator/v10 so request and field rules fail with
// VALIDATION AppErrors named after the JSON fields clients send.
package utils

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "graphcollab/pkg/errors"
)

// RFC3339Layout is the datetime rule parameter matching time.RFC3339
const RFC3339Layout = "2006-01-02T15:04:05Z07:00"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	return v
}

// ValidateStruct checks s against its validate tags
func ValidateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		return toAppError(err, "")
	}
	return nil
}

// ValidateVar checks one named value against a rule, e.g.
// ValidateVar("published", v, "required,datetime="+RFC3339Layout). A value
// whose type the rule cannot handle is reported as invalid.
func ValidateVar(field string, value interface{}, tag string) (err error) {
	if tag == "" {
		return nil
	}
	// validator panics on type mismatches such as datetime on an int
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewValidationError(field + " is invalid")
		}
	}()
	if verr := validate.Var(value, tag); verr != nil {
		return toAppError(verr, field)
	}
	return nil
}

func toAppError(err error, field string) error {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperrors.NewValidationError(err.Error())
	}
	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		name := field
		if name == "" {
			name = fe.Field()
		}
		messages = append(messages, describe(fe, name))
	}
	return apperrors.NewValidationError(strings.Join(messages, "; "))
}

func describe(fe validator.FieldError, name string) string {
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "min", "max":
		bound := "at least"
		if fe.Tag() == "max" {
			bound = "at most"
		}
		switch fe.Kind() {
		case reflect.String:
			return fmt.Sprintf("%s must be %s %s characters", name, bound, fe.Param())
		case reflect.Slice, reflect.Map:
			return fmt.Sprintf("%s must have %s %s items", name, bound, fe.Param())
		}
		return fmt.Sprintf("%s must be %s %s", name, bound, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", name, fe.Param())
	case "datetime":
		return name + " must be a date"
	default:
		return name + " is invalid"
	}
}
