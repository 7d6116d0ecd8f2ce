package errors

import (
	"fmt"
	"strings"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  " + e.Suggestion
	}

	return msg
}

// KeySourceError enhances key-source errors with context
func KeySourceError(source string, operation string, err error) error {
	return UserError{
		Message:    fmt.Sprintf("%s key source error during %s", source, operation),
		Suggestion: getKeySourceSuggestion(source, err),
		Err:        err,
	}
}

// getKeySourceSuggestion returns helpful suggestions based on key source and error
func getKeySourceSuggestion(source string, err error) string {
	errStr := err.Error()

	switch source {
	case "keyring":
		if strings.Contains(errStr, "not found") {
			return "Store the key with your OS keyring under the configured service and account"
		}
		if strings.Contains(errStr, "dbus") || strings.Contains(errStr, "org.freedesktop.secrets") {
			return "No Secret Service is running. Use encryption.source=env on headless hosts"
		}

	case "aws-secretsmanager":
		if strings.Contains(errStr, "credentials") || strings.Contains(errStr, "authorization") {
			return "Configure AWS credentials: 'aws configure' or set AWS_PROFILE"
		}
		if strings.Contains(errStr, "AccessDenied") {
			return "Check IAM permissions for secretsmanager:GetSecretValue"
		}
		if strings.Contains(errStr, "ResourceNotFoundException") {
			return "Verify the secret name and region"
		}

	case "gcp-secretmanager":
		if strings.Contains(errStr, "PermissionDenied") {
			return "Grant secretmanager.versions.access on the secret"
		}
		if strings.Contains(errStr, "NotFound") {
			return "Use a full resource name: projects/<p>/secrets/<s>/versions/latest"
		}

	case "azure-keyvault":
		if strings.Contains(errStr, "Forbidden") {
			return "Grant the identity 'get' permission on secrets in the vault"
		}
		if strings.Contains(errStr, "SecretNotFound") {
			return "Verify the secret name in the configured vault"
		}
	}

	if strings.Contains(errStr, "timeout") {
		return "The operation timed out. Check your network connection and try again"
	}
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") {
		return "Unable to connect. Check your network and key source configuration"
	}

	return ""
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"database is locked",
		"too many connections",
		"rate limit",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
