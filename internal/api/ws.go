package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nugget/counselor-agent/internal/agent"
	"github.com/nugget/counselor-agent/internal/failure"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsReadLimit  = 64 << 10

	// feedBuffer is the per-subscriber buffer of the ops feed. A slow
	// reader misses events rather than stalling publishers.
	feedBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleChatWS carries chat turns over one WebSocket. Each text message
// from the client is a [ChatRequest]; the server answers with the same
// event frames as the SSE endpoint, one JSON message per event. A
// message without a conversation id continues the socket's current
// conversation.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	// The request context is not canceled when a hijacked connection
	// drops, so the reader cancels it when the client goes away. A turn
	// in flight then ends the way an SSE turn does on disconnect.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	reqs := make(chan ChatRequest)
	go func() {
		defer close(reqs)
		defer cancel()
		for {
			var req ChatRequest
			if err := conn.ReadJSON(&req); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("chat websocket read ended", "error", err)
				}
				return
			}
			select {
			case reqs <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	sink := &wsSink{conn: conn, s: s}
	current := ""
	for req := range reqs {
		if req.ConversationID == "" {
			req.ConversationID = current
		}
		if strings.TrimSpace(req.Message) == "" {
			sink.write(agent.Event{Type: agent.EventError, Error: &agent.ErrorInfo{
				Category: failure.Unknown,
				Message:  "Please enter a message.",
			}})
			continue
		}

		res, err := s.chat.Stream(ctx, s.agentRequest(r, req), sink.write)
		if res != nil && res.ConversationID != "" {
			current = res.ConversationID
		}
		if err != nil {
			s.logger.Debug("websocket turn ended with error", "error", err)
		}
		if sink.closed || ctx.Err() != nil {
			return
		}
	}
}

// wsSink writes events as WebSocket text messages and latches closed on
// the first failed write.
type wsSink struct {
	conn   *websocket.Conn
	s      *Server
	closed bool
}

func (k *wsSink) write(e agent.Event) {
	if k.closed {
		return
	}
	_ = k.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := k.conn.WriteJSON(e); err != nil {
		k.closed = true
		k.s.logger.Info("websocket client went away", "error", err)
	}
}

// handleEventFeed streams operational events from the bus until the
// client disconnects.
func (s *Server) handleEventFeed(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, failure.Transient, "The event feed is not enabled.")
		return
	}
	ch := s.bus.Subscribe(feedBuffer)
	defer s.bus.Unsubscribe(ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so control messages are processed and a close
	// is noticed.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("event feed subscriber connected", "counselor", counselorFrom(r.Context()).ID)
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
