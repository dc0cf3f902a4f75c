package planner

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/yangwenmai/cadence/internal/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// checkRequest validates struct tags and reports the first failure as a
// *model.ValidationError.
func checkRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return model.Invalid("", "%v", err)
	}
	e := verrs[0]
	field := e.Field()
	switch e.Tag() {
	case "required":
		return model.Invalid(field, "required")
	case "oneof":
		return model.Invalid(field, "must be one of [%s], got %v", e.Param(), e.Value())
	case "datetime":
		return model.Invalid(field, "expected YYYY-MM-DD, got %v", e.Value())
	case "max":
		return model.Invalid(field, "must be at most %s", e.Param())
	default:
		return model.Invalid(field, "failed %s validation", e.Tag())
	}
}
