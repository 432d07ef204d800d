package handlers

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError describes the first field that failed validation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// RequestValidator validates request bodies with struct tags
type RequestValidator struct {
	validator *validator.Validate
}

// NewRequestValidator creates a validator that reports JSON field names and
// knows the jobname tag
func NewRequestValidator() *RequestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// jobname accepts folder paths (a/b) but no empty, "." or ".." segments
	_ = v.RegisterValidation("jobname", func(fl validator.FieldLevel) bool {
		for _, segment := range strings.Split(fl.Field().String(), "/") {
			if strings.TrimSpace(segment) == "" || segment == "." || segment == ".." {
				return false
			}
		}
		return true
	})
	return &RequestValidator{validator: v}
}

// Validate validates a struct using go-playground/validator tags
func (v *RequestValidator) Validate(i any) error {
	err := v.validator.Struct(i)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
		fe := validationErrors[0]
		return &ValidationError{
			Field:   fe.Field(),
			Message: fmt.Sprintf("failed on '%s' validation", fe.Tag()),
		}
	}
	return err
}
