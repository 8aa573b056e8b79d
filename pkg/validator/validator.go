package validator

import (
	"context"
	"errors"
	"regexp"

	"github.com/go-playground/validator"
)

var (
	global *validator.Validate
	// Kenyan mobile subscriber number: optional +254/254/0 prefix
	// followed by a 7xx or 1xx local part.
	msisdnRegex = regexp.MustCompile(`^(?:\+?254|0)?[17]\d{8}$`)
)

const (
	ErrInvalidFormat      = "Invalid format"
	ErrFieldRequired      = "Field is required"
	ErrFieldExceedsMaxLen = "Field exceeds maximum length"
	ErrFieldBelowMinLen   = "Field is below minimum length"
	ErrUnknownValidation  = "Unknown validation error"
)

func init() {
	SetValidator(New())
}

func New() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("msisdn", validateMSISDN)
	return v
}

func SetValidator(v *validator.Validate) {
	global = v
}

func Validator() *validator.Validate {
	return global
}

func validateMSISDN(fl validator.FieldLevel) bool {
	return msisdnRegex.MatchString(fl.Field().String())
}

func Validate(ctx context.Context, structure any) error {
	return parseValidationErrors(Validator().StructCtx(ctx, structure))
}

func parseValidationErrors(err error) error {
	if err == nil {
		return nil
	}
	vErrors, ok := err.(validator.ValidationErrors)
	if !ok || len(vErrors) == 0 {
		return nil
	}
	ve := vErrors[0]
	var msg string
	switch ve.Tag() {
	case "required":
		msg = ErrFieldRequired
	case "max":
		msg = ErrFieldExceedsMaxLen
	case "min":
		msg = ErrFieldBelowMinLen
	case "email":
		msg = ErrInvalidFormat
	case "msisdn":
		msg = "Invalid phone number"
	default:
		msg = ErrUnknownValidation
	}
	return errors.New(msg + ": " + ve.Namespace())
}
