package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/counselor-agent/internal/agent"
	"github.com/nugget/counselor-agent/internal/failure"
)

// streamWriteDeadline bounds each streamed write. It is extended after
// every frame so long tool loops do not hit the server's WriteTimeout.
const streamWriteDeadline = 120 * time.Second

// ChatRequest is the body of the chat endpoints and of each WebSocket
// message.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	Model          string `json:"model,omitempty"`
}

func (s *Server) agentRequest(r *http.Request, req ChatRequest) agent.Request {
	c := counselorFrom(r.Context())
	return agent.Request{
		OwnerID:        c.ID,
		OwnerName:      c.Name,
		ConversationID: req.ConversationID,
		Message:        strings.TrimSpace(req.Message),
		Model:          req.Model,
	}
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		return req, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return req, errors.New("message is required")
	}
	return req, nil
}

// handleChat runs one non-streaming turn.
// POST /v1/chat {"message": "What is Maya's GPA?"}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(w, r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, failure.Unknown, "Please enter a message.")
		return
	}

	reply, err := s.chat.Ask(r.Context(), s.agentRequest(r, req))
	if err != nil {
		partial := ""
		if reply != nil && reply.Partial {
			partial = reply.Message
		}
		s.failedWith(w, err, partial)
		return
	}
	s.ok(w, reply)
}

// handleChatStream runs one turn as server-sent events.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(w, r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, failure.Unknown, "Please enter a message.")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	sink := newSSESink(w, s)
	if _, err := s.chat.Stream(r.Context(), s.agentRequest(r, req), sink.write); err != nil {
		s.logger.Debug("streamed turn ended with error", "error", err)
	}
}

// sseSink writes events as SSE frames. The first failed write latches it
// closed; the turn keeps running and persisting without a reader.
type sseSink struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	s      *Server
	closed bool
}

func newSSESink(w http.ResponseWriter, s *Server) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w), s: s}
}

func (k *sseSink) write(e agent.Event) {
	if k.closed {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		k.s.logger.Error("failed to marshal stream event", "type", e.Type, "error", err)
		return
	}
	if err := k.rc.SetWriteDeadline(time.Now().Add(streamWriteDeadline)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		k.s.logger.Debug("failed to reset write deadline", "error", err)
	}
	if _, err := fmt.Fprintf(k.w, "data: %s\n\n", data); err != nil {
		k.close(err)
		return
	}
	if err := k.rc.Flush(); err != nil {
		k.close(err)
	}
}

func (k *sseSink) close(err error) {
	k.closed = true
	k.s.logger.Info("stream client went away, turn continues", "error", err)
}
