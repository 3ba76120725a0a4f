package sequence

import (
	"errors"
	"reflect"
	"strings"

	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// ValidateStruct checks validate tags on s and reports failures as a
// validation error with one entry per offending field.
func ValidateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return models.NewValidationError(err.Error(), nil)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		param := fe.Param()
		switch fe.Tag() {
		case "required", "required_without", "required_if":
			fields[field] = "is required"
		case "min", "gte":
			fields[field] = "must be at least " + param
		case "max", "lte":
			fields[field] = "must be at most " + param
		case "oneof":
			fields[field] = "must be one of: " + param
		case "email":
			fields[field] = "must be a valid email"
		default:
			fields[field] = "is invalid"
		}
	}
	return models.NewValidationError("Validation failed", fields)
}
