package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/go-webauthn/webauthn/protocol"
)

// maxBodyBytes bounds request bodies; attestation objects are the largest payload
const maxBodyBytes = 64 << 10

// Global validator instance (reused across all handlers)
var validate = newRequestValidator()

func newRequestValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names instead of Go struct field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// WebAuthn credentials arrive as library types without validate tags
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		cred := sl.Current().Interface().(protocol.Credential)
		if cred.ID == "" {
			sl.ReportError(cred.ID, "id", "ID", "required", "")
		}
		if cred.Type == "" {
			sl.ReportError(cred.Type, "type", "Type", "required", "")
		}
	}, protocol.Credential{})
	return v
}

// ValidateRequest validates a request struct using go-playground/validator.
// The first failing field is returned as a *models.ValidationError.
func ValidateRequest(req interface{}) error {
	if err := validate.Struct(req); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return &models.ValidationError{
				Field:   ve[0].Field(),
				Message: formatValidationError(ve[0]),
			}
		}
		return &models.ValidationError{Message: err.Error()}
	}
	return nil
}

// decodeJSON reads a bounded JSON body into dst and validates it
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &models.ValidationError{Message: "request body is required"}
		}
		return fmt.Errorf("%w: invalid request body", models.ErrBadRequest)
	}
	return ValidateRequest(dst)
}

// formatValidationError converts a validator FieldError to a user-friendly message
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must have a minimum of %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must have a maximum of %s characters", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "numeric":
		return "must contain only digits"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
