package httpx

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return strings.ToLower(field.Name)
		}
		return name
	})
	_ = v.RegisterValidation("nonul", func(fl validator.FieldLevel) bool {
		return !strings.ContainsRune(fl.Field().String(), 0)
	})
	return v
}

// validateStruct returns field -> message for every failed rule, or nil.
func validateStruct(payload any) map[string]string {
	err := validate.Struct(payload)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return map[string]string{"body": "The request body is invalid."}
	}
	fields := make(map[string]string, len(validationErrors))
	for _, fe := range validationErrors {
		name := fe.Field()
		switch fe.Tag() {
		case "required":
			fields[name] = fmt.Sprintf("The %s field is required.", name)
		case "min":
			if fe.Param() == "1" {
				fields[name] = fmt.Sprintf("The %s field must not be blank.", name)
			} else {
				fields[name] = fmt.Sprintf("The %s must be at least %s characters.", name, fe.Param())
			}
		case "max":
			fields[name] = fmt.Sprintf("The %s may not be greater than %s characters.", name, fe.Param())
		case "nonul":
			fields[name] = fmt.Sprintf("The %s must not contain NUL characters.", name)
		default:
			fields[name] = fmt.Sprintf("The %s field is invalid.", name)
		}
	}
	return fields
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
