package services

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/go-playground/validator/v10"
)

// IdentificationPolicy decides what the username field holds and how it is
// normalized before lookup and rate-limit keying
type IdentificationPolicy interface {
	Field() string
	Normalize(identifier string) (string, error)
}

var handlePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
		return handlePattern.MatchString(fl.Field().String())
	})
	return v
}

// EmailIdentification identifies principals by email address
type EmailIdentification struct {
	validate *validator.Validate
}

func NewEmailIdentification() *EmailIdentification {
	return &EmailIdentification{validate: newValidator()}
}

func (p *EmailIdentification) Field() string { return "email" }

func (p *EmailIdentification) Normalize(identifier string) (string, error) {
	value := strings.ToLower(strings.TrimSpace(identifier))
	if err := p.validate.Var(value, "required,email,max=255"); err != nil {
		return "", fieldError(p.Field(), err)
	}
	return value, nil
}

// UsernameIdentification identifies principals by a case-insensitive handle
type UsernameIdentification struct {
	validate *validator.Validate
}

func NewUsernameIdentification() *UsernameIdentification {
	return &UsernameIdentification{validate: newValidator()}
}

func (p *UsernameIdentification) Field() string { return "username" }

func (p *UsernameIdentification) Normalize(identifier string) (string, error) {
	value := strings.ToLower(strings.TrimSpace(identifier))
	if err := p.validate.Var(value, "required,min=3,max=64,handle"); err != nil {
		return "", fieldError(p.Field(), err)
	}
	return value, nil
}

// NewIdentificationPolicy maps a configured flavor to a policy
func NewIdentificationPolicy(flavor string) (IdentificationPolicy, error) {
	switch flavor {
	case "", "email":
		return NewEmailIdentification(), nil
	case "username":
		return NewUsernameIdentification(), nil
	default:
		return nil, fmt.Errorf("unknown identification flavor %q", flavor)
	}
}

// fieldError converts a validator failure to a *models.ValidationError
func fieldError(field string, err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return &models.ValidationError{Field: field, Message: validationMessage(ve[0])}
	}
	return &models.ValidationError{Field: field, Message: "is invalid"}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must have a minimum of %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must have a maximum of %s characters", fe.Param())
	case "handle":
		return "may only contain letters, digits, dots, dashes and underscores"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
