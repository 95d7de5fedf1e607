package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openctrol/openctrol-agent/internal/domain/auth"
)

// RegisterCustomValidators registers agent-specific validation rules.
// Must be called before validating AgentConfig.
func RegisterCustomValidators(v *validator.Validate) error {
	rules := map[string]validator.Func{
		"duration":        validateDuration,
		"revocation_mode": validateRevocationMode,
		"key_hash":        validateKeyHash,
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateDuration accepts positive Go durations ("90s", "15m").
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

func validateRevocationMode(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "bounded", "timed":
		return true
	default:
		return false
	}
}

func validateKeyHash(fl validator.FieldLevel) bool {
	return auth.DetectHashType(fl.Field().String()) != auth.HashUnknown
}

// Validate validates the AgentConfig using struct tags and cross-field rules.
// Returns an error with actionable messages if validation fails.
func (c *AgentConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateTTLBounds(); err != nil {
		return err
	}

	return c.validateUniqueKeyNames()
}

// validateTTLBounds ensures the default ttl fits under the max ttl.
func (c *AgentConfig) validateTTLBounds() error {
	if Duration(c.Sessions.DefaultTTL) > Duration(c.Sessions.MaxTTL) {
		return fmt.Errorf("sessions: default_ttl %s exceeds max_ttl %s",
			c.Sessions.DefaultTTL, c.Sessions.MaxTTL)
	}
	return nil
}

func (c *AgentConfig) validateUniqueKeyNames() error {
	seen := make(map[string]struct{}, len(c.Auth.APIKeys))
	for i, k := range c.Auth.APIKeys {
		if _, dup := seen[k.Name]; dup {
			return fmt.Errorf("auth.api_keys[%d]: duplicate name %q", i, k.Name)
		}
		seen[k.Name] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration such as \"90s\" or \"15m\"", field)
	case "revocation_mode":
		return fmt.Sprintf("%s must be 'bounded' or 'timed'", field)
	case "key_hash":
		return fmt.Sprintf("%s must be 'sha256:<hex>' or an argon2id hash (see hash-key)", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
