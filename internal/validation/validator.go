// Package validation provides input validation for memosync using the validator/v10 library.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	domainerrors "github.com/animemo/memosync/internal/errors"
)

// Validator wraps go-playground/validator with domain error conversion.
type Validator struct {
	v *validator.Validate
}

// New creates a validator configured for our domain.
func New() *Validator {
	v := validator.New()

	// Report fields by their JSON names, which is what callers send.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get("json")
		if name == "" {
			return fld.Name
		}
		if i := strings.IndexByte(name, ','); i >= 0 {
			name = name[:i]
		}
		if name == "-" {
			return fld.Name
		}
		return name
	})

	// notblank: non-empty after trimming surrounding whitespace.
	//nolint:errcheck // Registration only fails for empty tags.
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})

	return &Validator{v: v}
}

// Validate validates a struct and returns a domain error.
func (v *Validator) Validate(s any) error {
	if err := v.v.Struct(s); err != nil {
		return v.formatError(err)
	}
	return nil
}

// formatError converts validator errors to domain errors.
func (v *Validator) formatError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	fieldErrors := make(map[string]string, len(validationErrs))
	for _, e := range validationErrs {
		fieldErrors[e.Field()] = v.friendlyMessage(e)
	}

	return domainerrors.ValidationWithDetails("validation failed", fieldErrors)
}

// messages maps a validator tag to a user-facing message. The tag's
// parameter is passed as the only format argument when the message has one.
var messages = map[string]string{
	"required": "is required",
	"notblank": "must not be blank",
	"min":      "must be at least %s characters",
	"max":      "must not exceed %s characters",
	"url":      "must be a valid URL",
	"gte":      "must be %s or more",
	"lte":      "must be %s or less",
	"oneof":    "must be one of: %s",
}

func (v *Validator) friendlyMessage(e validator.FieldError) string {
	msg, ok := messages[e.Tag()]
	if !ok {
		return "is invalid"
	}
	if strings.Contains(msg, "%s") {
		return fmt.Sprintf(msg, e.Param())
	}
	return msg
}

// FieldErrors extracts the per-field messages from a validation error.
// Returns nil when err carries none.
func FieldErrors(err error) map[string]string {
	var domainErr *domainerrors.Error
	if !errors.As(err, &domainErr) {
		return nil
	}
	fields, _ := domainErr.Details.(map[string]string)
	return fields
}
