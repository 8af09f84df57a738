// Package kernelerr defines the kernel's abstract error kinds as
// sentinel errors, wrapped with context via fmt.Errorf("...: %w", ...)
// and unwrapped by callers with errors.Is/errors.As.
package kernelerr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Every kernel-raised error wraps exactly one of these.
var (
	ErrValidation        = errors.New("validation_error")
	ErrNotFound          = errors.New("not_found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrTimeout           = errors.New("timeout")
	ErrCancelled         = errors.New("cancelled")
	ErrUnavailable       = errors.New("unavailable")
	ErrEscalated         = errors.New("escalated")
)

// Wrap annotates a sentinel kind with a message, preserving errors.Is/As.
func Wrap(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// Is reports whether err ultimately wraps kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}

// Retryable reports whether the propagation policy treats err as
// auto-retryable by the Error Handler within max_retries.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}
