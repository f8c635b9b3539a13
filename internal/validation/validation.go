// Package validation provides input validation for routing requests.
// Struct rules live in `validate` tags and run through go-playground's
// validator; the chainable checks cover what tags cannot express.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/bufala/bufala-llm/pkg/api"
)

// MaxPromptRunes bounds the composed prompt accepted from callers.
const MaxPromptRunes = 32000

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult holds the result of validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validator provides chainable validation
type Validator struct {
	errors []ValidationError
}

// New creates a new Validator
func New() *Validator {
	return &Validator{errors: []ValidationError{}}
}

func (v *Validator) add(field, format string, args ...any) *Validator {
	v.errors = append(v.errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	return v
}

// Struct runs the tag rules of s and records each failure under its
// namespaced field.
func (v *Validator) Struct(s any) *Validator {
	err := structValidator.Struct(s)
	if err == nil {
		return v
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return v.add("", "%v", err)
	}
	for _, fe := range verrs {
		v.add(fieldName(fe), "%s", describe(fe))
	}
	return v
}

// fieldName drops the root type from the namespace: Request.Decoding.TopP
// becomes Decoding.TopP.
func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	name := fieldName(fe)
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", name)
	case "gte":
		return fmt.Sprintf("%s must be at least %s", name, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", name, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", name, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", name, fe.Param())
	default:
		return fmt.Sprintf("%s failed %q", name, fe.Tag())
	}
}

// Required validates that a field is not empty
func (v *Validator) Required(field, value string) *Validator {
	if strings.TrimSpace(value) == "" {
		return v.add(field, "%s is required", field)
	}
	return v
}

// MaxLength validates maximum string length
func (v *Validator) MaxLength(field, value string, max int) *Validator {
	if utf8.RuneCountInString(value) > max {
		return v.add(field, "%s must be at most %d characters", field, max)
	}
	return v
}

// OneOf validates value is one of allowed values
func (v *Validator) OneOf(field, value string, allowed []string) *Validator {
	if value == "" {
		return v
	}
	for _, a := range allowed {
		if value == a {
			return v
		}
	}
	return v.add(field, "%s must be one of: %s", field, strings.Join(allowed, ", "))
}

// ModelID validates a runtime model identifier when one is given.
func (v *Validator) ModelID(field, value string) *Validator {
	if value == "" {
		return v
	}
	if !IsValidModelID(value) {
		return v.add(field, "%s is not a valid model identifier", field)
	}
	return v
}

// Request validates everything a caller can put in an api.Request.
func Request(req *api.Request) *Validator {
	v := New().Struct(req)
	if strings.TrimSpace(req.ComposedPrompt) == "" && len(v.errors) == 0 {
		v.add("ComposedPrompt", "ComposedPrompt is required")
	}
	v.MaxLength("ComposedPrompt", req.ComposedPrompt, MaxPromptRunes)
	if req.DomainHint != nil && !req.DomainHint.Valid() {
		v.add("DomainHint", "DomainHint %q is not a known context", *req.DomainHint)
	}
	if req.CriticalityHint != nil && !req.CriticalityHint.Valid() {
		v.add("CriticalityHint", "CriticalityHint %d is out of range", int(*req.CriticalityHint))
	}
	return v.ModelID("ForcedModel", req.ForcedModel)
}

// Valid returns true if there are no validation errors
func (v *Validator) Valid() bool {
	return len(v.errors) == 0
}

// Errors returns the recorded failures.
func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// Result returns the validation result
func (v *Validator) Result() ValidationResult {
	return ValidationResult{
		Valid:  len(v.errors) == 0,
		Errors: v.errors,
	}
}

// Err returns nil when valid, otherwise an error joining every message.
func (v *Validator) Err() error {
	if v.Valid() {
		return nil
	}
	msgs := make([]string, len(v.errors))
	for i, e := range v.errors {
		msgs[i] = e.Message
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Abort writes validation errors as a 400 JSON response and stops the
// handler chain.
func (v *Validator) Abort(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": "Request validation failed",
		"details": v.errors,
	})
}

// FirstError returns the first error message, or empty string if valid
func (v *Validator) FirstError() string {
	if len(v.errors) > 0 {
		return v.errors[0].Message
	}
	return ""
}

// IsValidModelID checks if a model ID looks valid (basic sanity check)
func IsValidModelID(modelID string) bool {
	if modelID == "" || len(modelID) > 256 {
		return false
	}
	if strings.Contains(modelID, "..") || strings.ContainsAny(modelID, " \t\n\\") {
		return false
	}
	return true
}
