package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidProxy prefixes every credential validation error.
const ErrInvalidProxy = "invalid proxy configuration"

// ValidationResult is returned by ValidateProxy.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func credentialValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("proxytype", func(fl validator.FieldLevel) bool {
			_, ok := ParseProxyType(fl.Field().String())
			return ok && fl.Field().String() != ""
		})
	})
	return validate
}

// ValidateProxy checks a credential before any network call is attempted.
func ValidateProxy(p ProxyCredential) ValidationResult {
	if err := p.Validate(); err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	return ValidationResult{Valid: true}
}

// Validate returns nil when p can be tested. p is checked as given: a
// host with surrounding spaces is invalid, see Normalized.
func (p ProxyCredential) Validate() error {
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("%s: host is required", ErrInvalidProxy)
	}
	err := credentialValidator().Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%s: %s fails %q", ErrInvalidProxy, strings.ToLower(fe.Field()), fe.Tag())
	}
	return fmt.Errorf("%s: %w", ErrInvalidProxy, err)
}
