package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if error belongs to a specific category.
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// Unauthorized wraps a message as an authentication failure.
func Unauthorized(message string) error {
	return fmt.Errorf("%s: %w", message, ErrUnauthorized)
}

// InvalidInput wraps a message as a validation failure.
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// NotFound wraps a message as not found.
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// Conflict wraps a message as a scheduling conflict.
func Conflict(message string) error {
	return fmt.Errorf("%s: %w", message, ErrConflict)
}

// Delivery wraps a message as a platform delivery failure.
func Delivery(message string) error {
	return fmt.Errorf("%s: %w", message, ErrDelivery)
}

// Infrastructure wraps a message as an infrastructure failure.
func Infrastructure(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInfrastructure)
}

// Security wraps a message as a webhook security rejection.
func Security(message string) error {
	return fmt.Errorf("%s: %w", message, ErrSecurity)
}

// Internal wraps a message as an internal error.
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// IsRetryable reports whether the caller may safely retry the operation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrDelivery) || errors.Is(err, ErrInfrastructure)
}
