package server

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/apperr"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/models"
)

// serverValidator adapts validator/v10 to echo's Validator interface.
type serverValidator struct {
	validate *validator.Validate
}

func newValidator() *serverValidator {
	v := validator.New()

	// Report json names, not Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := v.RegisterValidation("ticker", func(fl validator.FieldLevel) bool {
		return models.ValidTicker(fl.Field().String())
	}); err != nil {
		panic(err)
	}

	return &serverValidator{validate: v}
}

func (sv *serverValidator) Validate(i any) error {
	if err := sv.validate.Struct(i); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, err, "invalid request")
	}
	return nil
}
