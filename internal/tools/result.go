package tools

import (
	"encoding/json"
	"errors"

	"github.com/nugget/counselor-agent/internal/failure"
)

// Status is the outcome of a single tool call.
type Status string

// Tool call outcomes.
const (
	StatusOK                  Status = "ok"
	StatusError               Status = "error"
	StatusPendingConfirmation Status = "pending_confirmation"
)

// Result is the normalized outcome of one tool call. It is paired 1:1
// with the call by ToolCallID.
type Result struct {
	ToolCallID string     `json:"tool_call_id"`
	Name       string     `json:"name"`
	Status     Status     `json:"status"`
	Data       any        `json:"data,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is the model- and client-visible description of a failed call.
type ErrorInfo struct {
	Category  failure.Category `json:"category"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`

	err error
}

// Err returns the underlying Go error, if the result carries one.
func (e *ErrorInfo) Err() error {
	if e == nil {
		return nil
	}
	return e.err
}

// PendingConfirmation is returned by every mutating tool. Nothing has
// been written; the counselor must confirm the token first.
type PendingConfirmation struct {
	Status            Status         `json:"status"`
	Action            string         `json:"action"`
	Entity            string         `json:"entity"`
	ID                string         `json:"id,omitempty"`
	Data              map[string]any `json:"data,omitempty"`
	Message           string         `json:"message"`
	ConfirmationToken string         `json:"confirmationToken"`
}

// OK reports whether the call succeeded (including pending confirmation).
func (r Result) OK() bool { return r.Status != StatusError }

// Pending returns the confirmation request, if the result is one.
func (r Result) Pending() (*PendingConfirmation, bool) {
	p, ok := r.Data.(*PendingConfirmation)
	return p, ok && r.Status == StatusPendingConfirmation
}

// Content is the JSON text persisted as the tool message and sent back
// to the model.
func (r Result) Content() string {
	var payload any
	switch r.Status {
	case StatusPendingConfirmation:
		payload = r.Data
	case StatusError:
		payload = struct {
			Status Status     `json:"status"`
			Error  *ErrorInfo `json:"error"`
		}{r.Status, r.Error}
	default:
		payload = struct {
			Status Status `json:"status"`
			Data   any    `json:"data"`
		}{r.Status, r.Data}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return `{"status":"error","error":{"category":"unknown","message":"result could not be encoded","retryable":false}}`
	}
	return string(data)
}

func errorResult(callID, name string, err error) Result {
	cat := failure.Classify(err)
	msg := err.Error()
	// Store-level detail is not useful to the model for these.
	switch cat {
	case failure.NotFound:
		msg = "No matching record was found for this counselor."
	case failure.DatabaseIntegrity, failure.Transient, failure.Authentication:
		msg = cat.UserMessage()
	}
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Message != "" {
		msg = fe.Message
	}
	return Result{
		ToolCallID: callID,
		Name:       name,
		Status:     StatusError,
		Error:      &ErrorInfo{Category: cat, Message: msg, Retryable: cat.Retryable(), err: err},
	}
}
