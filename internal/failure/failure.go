// Package failure classifies errors from the record store, the completion
// engine, and tool execution into the small set of categories the agent
// loop uses to decide between retrying, failing, and answering politely.
package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/nugget/counselor-agent/internal/llm"
	"github.com/nugget/counselor-agent/internal/records"
)

// Category is a coarse error class.
type Category string

// Error categories.
const (
	Authentication    Category = "authentication"
	DatabaseIntegrity Category = "database_integrity"
	Transient         Category = "transient"
	ToolValidation    Category = "tool_validation"
	NotFound          Category = "not_found"
	Unknown           Category = "unknown"
)

// Retryable reports whether errors of this category may succeed on a
// later attempt. tool_validation is retryable at most once; the caller
// enforces the budget.
func (c Category) Retryable() bool {
	return c == Transient || c == ToolValidation
}

// UserMessage is the text shown to a counselor when a turn fails with
// this category and nothing more specific is available.
func (c Category) UserMessage() string {
	switch c {
	case Authentication:
		return "Your session has expired. Please sign in again."
	case DatabaseIntegrity:
		return "That change conflicts with existing records and was not saved."
	case Transient:
		return "The assistant is temporarily unavailable. Please try again in a moment."
	case ToolValidation:
		return "The assistant produced an invalid request. Please rephrase and try again."
	case NotFound:
		return "I couldn't find any matching records."
	default:
		return "Something went wrong while processing your request."
	}
}

// Error carries a classified failure across package boundaries.
type Error struct {
	Category Category
	Message  string
	Cause    error
}

// New returns a classified error.
func New(cat Category, msg string, cause error) *Error {
	return &Error{Category: cat, Message: msg, Cause: cause}
}

// Wrap classifies err and returns it as an *Error. An err that is
// already an *Error is returned unchanged. Wrap(nil) is nil.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	cat := Classify(err)
	return &Error{Category: cat, Message: cat.UserMessage(), Cause: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the error's category permits a retry.
func (e *Error) Retryable() bool { return e.Category.Retryable() }

// FailureCategory lets *Error satisfy the same self-reporting contract
// as other typed errors.
func (e *Error) FailureCategory() Category { return e.Category }

// categorizer is implemented by errors that know their own category,
// such as the tool executor's validation errors.
type categorizer interface {
	FailureCategory() Category
}

// transientMarkers are substrings of error text that indicate a
// temporary condition in a backend we do not have typed errors for.
var transientMarkers = []string{
	"rate limit",
	"too many requests",
	"timeout",
	"timed out",
	"lock",
	"checkpoint",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"overloaded",
}

// Classify maps err onto a [Category]. Classify(nil) is "".
func Classify(err error) Category {
	if err == nil {
		return ""
	}

	var c categorizer
	if errors.As(err, &c) {
		return c.FailureCategory()
	}

	switch {
	case errors.Is(err, records.ErrNotFound):
		return NotFound
	case errors.Is(err, records.ErrConstraint):
		return DatabaseIntegrity
	case errors.Is(err, records.ErrTimeout):
		return Transient
	case errors.Is(err, records.ErrInvalidColumn):
		return Unknown
	case errors.Is(err, context.DeadlineExceeded):
		return Transient
	case errors.Is(err, context.Canceled):
		return Unknown
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Transient
	}

	var he *llm.HTTPError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode == http.StatusUnauthorized, he.StatusCode == http.StatusForbidden:
			return Authentication
		case he.StatusCode == http.StatusTooManyRequests,
			he.StatusCode == http.StatusRequestTimeout,
			he.StatusCode >= 500:
			return Transient
		case he.StatusCode == http.StatusBadRequest, he.StatusCode == http.StatusUnprocessableEntity:
			return ToolValidation
		case he.StatusCode == http.StatusNotFound:
			return NotFound
		}
		return Unknown
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return Transient
		}
	}
	return Unknown
}
