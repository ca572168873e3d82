package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nugget/counselor-agent/internal/llm"
	"github.com/nugget/counselor-agent/internal/records"
)

type selfReported struct{}

func (selfReported) Error() string { return "bad args" }
func (selfReported) FailureCategory() Category { return ToolValidation }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, ""},
		{"not found", fmt.Errorf("get essay: %w", records.ErrNotFound), NotFound},
		{"constraint", fmt.Errorf("insert: %w", records.ErrConstraint), DatabaseIntegrity},
		{"store timeout", fmt.Errorf("select: %w", records.ErrTimeout), Transient},
		{"deadline", context.DeadlineExceeded, Transient},
		{"canceled", context.Canceled, Unknown},
		{"http 401", &llm.HTTPError{StatusCode: 401}, Authentication},
		{"http 403", &llm.HTTPError{StatusCode: 403}, Authentication},
		{"http 429", &llm.HTTPError{StatusCode: 429}, Transient},
		{"http 503", fmt.Errorf("stream: %w", &llm.HTTPError{StatusCode: 503}), Transient},
		{"http 400", &llm.HTTPError{StatusCode: 400}, ToolValidation},
		{"lock message", errors.New("database table is locked"), Transient},
		{"checkpoint message", errors.New("could not complete checkpoint"), Transient},
		{"self reported", fmt.Errorf("wrapped: %w", selfReported{}), ToolValidation},
		{"classified", New(DatabaseIntegrity, "dup", nil), DatabaseIntegrity},
		{"plain", errors.New("kaboom"), Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	retryable := map[Category]bool{
		Authentication:    false,
		DatabaseIntegrity: false,
		Transient:         true,
		ToolValidation:    true,
		NotFound:          false,
		Unknown:           false,
	}
	for cat, want := range retryable {
		if got := cat.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", cat, got, want)
		}
		if cat.UserMessage() == "" {
			t.Errorf("%s has no user message", cat)
		}
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}

	cause := fmt.Errorf("update: %w", records.ErrConstraint)
	fe := Wrap(cause)
	if fe.Category != DatabaseIntegrity {
		t.Errorf("category = %q, want database_integrity", fe.Category)
	}
	if !errors.Is(fe, records.ErrConstraint) {
		t.Error("wrapped error lost its cause")
	}

	orig := New(Transient, "busy", nil)
	if Wrap(fmt.Errorf("ctx: %w", orig)) != orig {
		t.Error("Wrap should return an existing *Error unchanged")
	}
}
