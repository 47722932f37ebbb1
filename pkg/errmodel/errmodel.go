// Package errmodel defines the compact error values used across the fetch and
// cache subsystem. Every failure carries a category from the orchestration
// taxonomy so callers can decide, without string matching, whether to retry,
// surface, or swallow it.
package errmodel

import (
	"encoding/json"
	"errors"
	"strings"
)

// Category values for compact errors.
const (
	// CategoryInterval marks a selection the dataset's validity predicate
	// rejected. Not a failure: fetchers turn it into an idle state.
	CategoryInterval = "interval"
	// CategoryTransport marks network or HTTP-level failures.
	CategoryTransport = "transport"
	// CategoryApplication marks a success:false envelope from the API.
	CategoryApplication = "application"
	// CategoryDataShape marks a response missing required fields.
	CategoryDataShape = "data_shape"
	// CategoryStorage marks session-store serialization or quota failures.
	// Always non-fatal: cache is an optimization, never a dependency.
	CategoryStorage = "storage"
	// CategorySystem is the fallback for errors of unknown origin.
	CategorySystem = "system"
)

// Error is the compact error payload used internally and surfaced to widget
// consumers. It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error,
// it's returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Category: CategorySystem, Code: "internal", Message: truncate(err.Error(), 512)}
}

// Convenience constructors.

func IntervalRejected(code, message string, ctx map[string]any) *Error {
	return New(CategoryInterval, code, message, ctx)
}

func Transport(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategoryTransport, code, message, ctx, cause)
	}
	return New(CategoryTransport, code, message, ctx)
}

func Application(code, message string, ctx map[string]any) *Error {
	return New(CategoryApplication, code, message, ctx)
}

func DataShape(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategoryDataShape, code, message, ctx, cause)
	}
	return New(CategoryDataShape, code, message, ctx)
}

func Storage(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategoryStorage, code, message, ctx, cause)
	}
	return New(CategoryStorage, code, message, ctx)
}

// Retryable reports whether automatic retry with backoff is worthwhile.
// Transport, application, and data-shape failures are retried up to the
// policy ceiling; interval rejections and storage failures never are.
func Retryable(err error) bool {
	ce := From(err)
	if ce == nil {
		return false
	}
	switch ce.Category {
	case CategoryTransport, CategoryApplication, CategoryDataShape:
		return true
	default:
		return false
	}
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		default:
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				s := string(b)
				if len(s) > 256 {
					s = truncate(s, 256)
				}
				out[k] = s
			} else {
				out[k] = t
			}
		}
	}
	return out
}
