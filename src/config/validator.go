package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validator validates configuration values using go-playground/validator.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a configuration validator with the custom field rules
// registered.
func NewValidator() *Validator {
	v := validator.New()

	v.RegisterValidation("storage_backend", validateStorageBackend)
	v.RegisterValidation("chat_mode", validateChatMode)
	v.RegisterValidation("log_level", validateLogLevel)
	v.RegisterValidation("log_format", validateLogFormat)

	return &Validator{validate: v}
}

// Validate validates a complete configuration.
func (v *Validator) Validate(config *Config) error {
	if config.Version == "" {
		config.Version = "1.0"
	}

	if err := v.validate.Struct(config); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			for _, e := range validationErrors {
				return ValidationError{
					Field:   e.Field(),
					Message: fmt.Sprintf("validation failed on tag '%s' with value '%v'", e.Tag(), e.Value()),
					Value:   e.Value(),
				}
			}
		}
		return err
	}
	return nil
}

func validateStorageBackend(fl validator.FieldLevel) bool {
	return contains([]string{BackendSqlite, BackendRedis, BackendFile}, fl.Field().String())
}

func validateChatMode(fl validator.FieldLevel) bool {
	return contains([]string{"chat", "agent"}, fl.Field().String())
}

func validateLogLevel(fl validator.FieldLevel) bool {
	return contains([]string{"debug", "info", "warn", "error"}, fl.Field().String())
}

func validateLogFormat(fl validator.FieldLevel) bool {
	return contains([]string{"json", "text"}, fl.Field().String())
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
