package service

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// NewValidator reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationError carries the field errors of a rejected request, keyed by
// JSON field path.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Messages(), "; ")
}

// Messages flattens Fields in field order.
func (e *ValidationError) Messages() []string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		out = append(out, e.Fields[k]...)
	}
	return out
}

// FieldErrors converts a validator error into a ValidationError. It returns
// nil for a nil error.
func FieldErrors(err error) *ValidationError {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: map[string][]string{"request": {err.Error()}}}
	}
	out := &ValidationError{Fields: map[string][]string{}}
	for _, fe := range verrs {
		key := fieldPath(fe)
		out.Fields[key] = append(out.Fields[key], validationMessage(fe))
	}
	return out
}

// fieldPath drops the top-level struct name: "SendEmailRequest.archivos[0].nombre"
// becomes "archivos[0].nombre".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func validationMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return err.Field() + " is required"
	case "email":
		return "Invalid email format"
	case "max":
		return err.Field() + " must be at most " + err.Param() + " characters"
	case "len":
		return err.Field() + " must be exactly " + err.Param() + " characters"
	case "oneof":
		return err.Field() + " must be one of: " + err.Param()
	case "numeric":
		return err.Field() + " must contain only numbers"
	case "startswith":
		return fmt.Sprintf("%s must start with %s", err.Field(), err.Param())
	case "base64":
		return err.Field() + " must be base64 encoded"
	default:
		return err.Field() + " is invalid"
	}
}
