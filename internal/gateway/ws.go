package gateway

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/EduMMorenolp/argenteia/internal/agent"
	"github.com/EduMMorenolp/argenteia/internal/llm"
)

// Frame is the JSON envelope for every WebSocket message in both
// directions. The client sends type "chat"; the server answers with a
// sequence of chunk/typing/action frames followed by one done or error
// frame.
type Frame struct {
	Type           string `json:"type"` // chat, chunk, typing, action, done, error
	ConversationID string `json:"conversation_id,omitempty"`
	Expert         string `json:"expert,omitempty"`
	Text           string `json:"text,omitempty"`
	HTML           string `json:"html,omitempty"`
	Model          string `json:"model,omitempty"`
	Active         bool   `json:"active,omitempty"`
	LatencyMS      int64  `json:"latency_ms,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// the gateway serves its own UI, same-origin; local setups connect
	// from file:// and localhost variants
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn serializes writes: gorilla connections allow one concurrent
// writer, and chunk callbacks arrive from the loop goroutine.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &wsConn{conn: conn}
	s.logger.Info("websocket client connected", "remote", r.RemoteAddr)

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if frame.Type != "chat" {
			c.send(Frame{Type: "error", Text: "unsupported frame type: " + frame.Type})
			continue
		}
		if frame.Text == "" {
			c.send(Frame{Type: "error", Text: "empty message"})
			continue
		}
		s.handleChat(r, c, frame)
	}
}

// handleChat runs one turn. A disconnected client stops receiving
// frames (sends fail silently) while the turn runs to completion
// server-side; the request context is deliberately not tied to the
// socket.
func (s *Server) handleChat(r *http.Request, c *wsConn, frame Frame) {
	convID := frame.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	s.persist(convID, "user", frame.Text)

	cb := &agent.Callbacks{
		OnChunk: func(delta string) {
			c.send(Frame{Type: "chunk", ConversationID: convID, Text: delta})
		},
		OnTyping: func(active bool) {
			c.send(Frame{Type: "typing", ConversationID: convID, Active: active})
		},
		OnAction: func(note string) {
			c.send(Frame{Type: "action", ConversationID: convID, Text: note})
		},
	}

	resp, err := s.runner.Run(r.Context(), &agent.Request{
		ConversationID: convID,
		Text:           frame.Text,
		Origin:         "web",
		Expert:         frame.Expert,
	}, cb)
	if err != nil {
		s.logger.Error("turn failed", "conversation", convID, "error", err)
		c.send(Frame{
			Type:           "error",
			ConversationID: convID,
			Text:           agent.Apology,
			HTML:           renderHTML(agent.Apology),
		})
		return
	}

	s.persistTurn(convID, resp.Messages)

	text := resp.Text
	if text == "" {
		text = "No tengo una respuesta para eso ahora mismo."
	}

	c.send(Frame{
		Type:           "done",
		ConversationID: convID,
		Text:           text,
		HTML:           renderHTML(text),
		Model:          resp.Model,
		Expert:         resp.Expert,
		LatencyMS:      resp.Latency.Milliseconds(),
	})
}

func (s *Server) persist(convID, role, content string) {
	if s.durable == nil {
		return
	}
	if err := s.durable.Persist(convID, "", role, content, "web"); err != nil {
		s.logger.Warn("could not persist message", "conversation", convID, "role", role, "error", err)
	}
}

// persistTurn logs every message the turn committed, tool exchanges
// included, so the durable history mirrors what the model saw.
func (s *Server) persistTurn(convID string, msgs []llm.Message) {
	if s.durable == nil {
		return
	}
	for _, m := range msgs {
		if err := s.durable.PersistMessage(convID, "", "web", m); err != nil {
			s.logger.Warn("could not persist message", "conversation", convID, "role", m.Role, "error", err)
		}
	}
}
