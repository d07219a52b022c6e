package schema

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"EzMMLab/registry"

	"github.com/go-playground/validator/v10"
)

// ErrValidation marks user-supplied configuration that failed type or range checks.
var ErrValidation = errors.New("schema validation failed")

var (
	validateOnce sync.Once
	validate     *validator.Validate
	models       = registry.Default()
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})
		_ = v.RegisterValidation("modelname", func(fl validator.FieldLevel) bool {
			return models.Contains(fl.Field().String())
		})
		validate = v
	})
	return validate
}

func check(s any) error {
	err := validatorInstance().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s: %w", ErrValidation, strings.Join(msgs, "; "), verrs)
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s (got %v)", field, fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be at least %s (got %v)", field, fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got %v)", field, fe.Param(), fe.Value())
	case "modelname":
		return fmt.Sprintf("%s %q is not a supported model; supported models: %s",
			field, fe.Value(), strings.Join(models.Names(), ", "))
	}
	return fmt.Sprintf("%s failed %q check", field, fe.Tag())
}
