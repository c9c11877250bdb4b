// Package faults maps raw provider, transport, and storage errors onto the
// platform's closed error taxonomy. The retry combinator and the sync
// engine branch on categories, never on provider-specific error strings.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Category is the closed error taxonomy.
type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryPermission Category = "permission"
	CategoryThrottle   Category = "throttle"
	CategoryNotFound   Category = "not-found"
	CategoryConflict   Category = "conflict"
	CategoryValidation Category = "validation"
	CategoryLimit      Category = "limit"
	CategoryNetwork    Category = "network"
	CategoryService    Category = "service"
	CategoryUnknown    Category = "unknown"
)

// retryableCategories are safe to retry: the condition is transient and a
// later identical call may succeed.
var retryableCategories = map[Category]bool{
	CategoryThrottle: true,
	CategoryNetwork:  true,
	CategoryService:  true,
}

// Fault is a classified error. It wraps the original error so errors.Is
// and errors.As keep working through it.
type Fault struct {
	Category   Category
	Code       string
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (f *Fault) Error() string {
	if f.Code != "" {
		return fmt.Sprintf("%s (%s): %s", f.Category, f.Code, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Category, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// New builds a fault from scratch, for errors this codebase originates
// (limit breaches, validation failures) rather than classifies.
func New(category Category, code, format string, args ...any) *Fault {
	return &Fault{
		Category:  category,
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryableCategories[category],
	}
}

// Wrap classifies err but forces the given category, keeping the original
// error in the chain.
func Wrap(err error, category Category, message string) *Fault {
	return &Fault{
		Category:  category,
		Message:   message,
		Retryable: retryableCategories[category],
		Err:       err,
	}
}

// CategoryOf classifies err and returns its category.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	return Classify(err).Category
}

// IsRetryable reports whether the error's category is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}

// RetryAfter returns the provider-suggested delay, if any.
func RetryAfter(err error) (time.Duration, bool) {
	f := Classify(err)
	if f == nil || f.RetryAfter <= 0 {
		return 0, false
	}
	return f.RetryAfter, true
}

// As extracts a *Fault from an error chain.
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
