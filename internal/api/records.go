package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nugget/counselor-agent/internal/confirm"
	"github.com/nugget/counselor-agent/internal/conversation"
	"github.com/nugget/counselor-agent/internal/failure"
	"github.com/nugget/counselor-agent/internal/insights"
)

// ConfirmRequest is the body of POST /v1/confirm.
type ConfirmRequest struct {
	Token string `json:"confirmationToken"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, failure.Unknown, "invalid request body")
		return
	}
	if req.Token == "" {
		s.errorResponse(w, http.StatusBadRequest, failure.Unknown, "confirmationToken is required")
		return
	}

	c, err := s.executor.Confirm(r.Context(), req.Token, counselorFrom(r.Context()).ID)
	if err != nil {
		s.failed(w, err)
		return
	}
	s.ok(w, c)
}

func (s *Server) handleConfirmationList(w http.ResponseWriter, r *http.Request) {
	list, err := s.executor.Confirmations(r.Context(), counselorFrom(r.Context()).ID, parseIntParam(r, "limit", 50))
	if err != nil {
		s.failed(w, err)
		return
	}
	if list == nil {
		list = []confirm.Intent{}
	}
	s.ok(w, list)
}

// conversationDetail is a conversation with its messages.
type conversationDetail struct {
	*conversation.Conversation
	Messages []conversation.Message `json:"messages"`
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	convs, err := s.conversations.List(r.Context(), counselorFrom(r.Context()).ID, parseIntParam(r, "limit", 50))
	if err != nil {
		s.failed(w, err)
		return
	}
	if convs == nil {
		convs = []conversation.Conversation{}
	}
	s.ok(w, convs)
}

func (s *Server) conversationDetail(r *http.Request) (*conversationDetail, error) {
	conv, err := s.conversations.Get(r.Context(), counselorFrom(r.Context()).ID, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, failure.New(failure.NotFound, "That conversation could not be found.", err)
		}
		return nil, err
	}
	msgs, err := s.conversations.Messages(r.Context(), conv.ID)
	if err != nil {
		return nil, err
	}
	return &conversationDetail{Conversation: conv, Messages: msgs}, nil
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	d, err := s.conversationDetail(r)
	if err != nil {
		s.failed(w, err)
		return
	}
	s.ok(w, d)
}

// handleConversationExport downloads a transcript.
// GET /v1/conversations/{id}/export?format=markdown|html|json
func (s *Server) handleConversationExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "markdown"
	}

	d, err := s.conversationDetail(r)
	if err != nil {
		s.failed(w, err)
		return
	}
	short := d.ID
	if len(short) > 8 {
		short = short[:8]
	}

	switch format {
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"conversation-%s.md\"", short))
		fmt.Fprint(w, transcriptMarkdown(d.Conversation, d.Messages))

	case "html":
		page, err := transcriptHTML(d.Conversation, d.Messages)
		if err != nil {
			s.failed(w, fmt.Errorf("render transcript: %w", err))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"conversation-%s.html\"", short))
		fmt.Fprint(w, page)

	case "json":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"conversation-%s.json\"", short))
		writeJSON(w, d, s.logger)

	default:
		s.errorResponse(w, http.StatusBadRequest, failure.Unknown, "unsupported format: "+format+" (use markdown, html or json)")
	}
}

func (s *Server) handleInsightList(w http.ResponseWriter, r *http.Request) {
	priority := strings.ToLower(r.URL.Query().Get("priority"))
	switch priority {
	case "", "high", "medium", "low":
	default:
		s.errorResponse(w, http.StatusBadRequest, failure.Unknown, "priority must be high, medium or low")
		return
	}
	list, err := s.insights.List(r.Context(), counselorFrom(r.Context()).ID, insights.ListOptions{
		Priority: priority,
		Limit:    parseIntParam(r, "limit", 20),
	})
	if err != nil {
		s.failed(w, err)
		return
	}
	if list == nil {
		list = []insights.Insight{}
	}
	s.ok(w, list)
}

func (s *Server) handleInsightDismiss(w http.ResponseWriter, r *http.Request) {
	in, err := s.insights.Dismiss(r.Context(), counselorFrom(r.Context()).ID, r.PathValue("id"))
	if err != nil {
		s.failed(w, err)
		return
	}
	s.ok(w, in)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	list, err := s.runs.List(r.Context(), counselorFrom(r.Context()).ID, parseIntParam(r, "limit", 20))
	if err != nil {
		s.failed(w, err)
		return
	}
	s.ok(w, list)
}
