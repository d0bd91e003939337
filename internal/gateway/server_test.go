package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/EduMMorenolp/argenteia/internal/agent"
	"github.com/EduMMorenolp/argenteia/internal/llm"
	"github.com/EduMMorenolp/argenteia/internal/memory"
)

type stubRunner struct {
	resp   *agent.Response
	err    error
	active []string
	gotReq *agent.Request
	chunks []string
}

func (s *stubRunner) Run(ctx context.Context, req *agent.Request, cb *agent.Callbacks) (*agent.Response, error) {
	s.gotReq = req
	if cb != nil {
		if cb.OnTyping != nil {
			cb.OnTyping(true)
		}
		for _, c := range s.chunks {
			if cb.OnChunk != nil {
				cb.OnChunk(c)
			}
		}
		if cb.OnTyping != nil {
			cb.OnTyping(false)
		}
	}
	return s.resp, s.err
}

func (s *stubRunner) ActiveConversations() []string {
	return s.active
}

func newTestServer(t *testing.T, runner Runner, durable *memory.SQLiteStore) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewServer("", 0, runner, durable, nil, logger).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &stubRunner{}, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestActiveConversations(t *testing.T) {
	srv := newTestServer(t, &stubRunner{active: []string{"c1", "c2"}}, nil)

	resp, err := http.Get(srv.URL + "/api/active")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Active []string `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Active) != 2 || body.Active[0] != "c1" {
		t.Errorf("active = %v", body.Active)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	durable, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer durable.Close()
	if err := durable.Persist("c1", "", "user", "hola", "web"); err != nil {
		t.Fatal(err)
	}
	if err := durable.Persist("c1", "", "assistant", "¡Hola! ¿En qué te ayudo?", "web"); err != nil {
		t.Fatal(err)
	}

	srv := newTestServer(t, &stubRunner{}, durable)

	resp, err := http.Get(srv.URL + "/api/history/c1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		ConversationID string                 `json:"conversation_id"`
		Messages       []memory.LoggedMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.ConversationID != "c1" || len(body.Messages) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.Messages[0].Role != "user" || body.Messages[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", body.Messages[0].Role, body.Messages[1].Role)
	}
}

func TestConversationsEndpoint(t *testing.T) {
	durable, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer durable.Close()
	if err := durable.Persist("c1", "", "user", "hola", "web"); err != nil {
		t.Fatal(err)
	}
	if err := durable.Persist("c2", "", "user", "buenas", "bot"); err != nil {
		t.Fatal(err)
	}

	srv := newTestServer(t, &stubRunner{}, durable)

	resp, err := http.Get(srv.URL + "/api/conversations")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Conversations []string `json:"conversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Conversations) != 2 {
		t.Errorf("conversations = %v, want both ids", body.Conversations)
	}
}

func TestWSPersistsToolTurns(t *testing.T) {
	durable, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer durable.Close()

	runner := &stubRunner{resp: &agent.Response{
		Text: "En Madrid hace 22 grados.",
		Messages: []llm.Message{
			{Role: "assistant", ToolCalls: []llm.ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: llm.FunctionCall{Name: "get_weather", Arguments: `{"location":"Madrid"}`},
			}}},
			{Role: "tool", ToolCallID: "call_1", Content: "22 grados, despejado"},
			{Role: "assistant", Content: "En Madrid hace 22 grados."},
		},
	}}
	srv := newTestServer(t, runner, durable)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(Frame{Type: "chat", ConversationID: "c1", Text: "¿Qué tiempo hace en Madrid?"}); err != nil {
		t.Fatal(err)
	}
	for {
		if f := readFrame(t, conn); f.Type == "done" {
			break
		}
	}

	msgs, err := durable.History("c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("logged %d messages, want user + assistant + tool + assistant", len(msgs))
	}
	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "call_1" {
		t.Errorf("tool turn = %+v, want the tool result with its call id", msgs[2])
	}
}

func TestHistoryWithoutDurableStore(t *testing.T) {
	srv := newTestServer(t, &stubRunner{}, nil)

	resp, err := http.Get(srv.URL + "/api/history/c1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestWSChatFlow(t *testing.T) {
	runner := &stubRunner{
		chunks: []string{"Hola, ", "Edu."},
		resp: &agent.Response{
			Text:    "Hola, **Edu**.",
			Model:   "model-a",
			Latency: 120 * time.Millisecond,
		},
	}
	srv := newTestServer(t, runner, nil)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(Frame{Type: "chat", ConversationID: "c1", Text: "hola"}); err != nil {
		t.Fatal(err)
	}

	var types []string
	var done Frame
	for {
		f := readFrame(t, conn)
		types = append(types, f.Type)
		if f.Type == "done" || f.Type == "error" {
			done = f
			break
		}
	}

	if done.Type != "done" {
		t.Fatalf("final frame = %+v", done)
	}
	if done.Text != "Hola, **Edu**." || done.Model != "model-a" {
		t.Errorf("done = %+v", done)
	}
	if !strings.Contains(done.HTML, "<strong>Edu</strong>") {
		t.Errorf("HTML = %q, want rendered markdown", done.HTML)
	}
	joined := strings.Join(types, ",")
	if !strings.Contains(joined, "chunk") || !strings.Contains(joined, "typing") {
		t.Errorf("frame sequence = %v, want chunks and typing toggles", types)
	}
	if runner.gotReq.Origin != "web" || runner.gotReq.ConversationID != "c1" {
		t.Errorf("request = %+v", runner.gotReq)
	}
}

func TestWSAssignsConversationID(t *testing.T) {
	runner := &stubRunner{resp: &agent.Response{Text: "hola"}}
	srv := newTestServer(t, runner, nil)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(Frame{Type: "chat", Text: "hola"}); err != nil {
		t.Fatal(err)
	}
	for {
		f := readFrame(t, conn)
		if f.Type == "done" {
			if f.ConversationID == "" {
				t.Error("done frame must carry the assigned conversation id")
			}
			break
		}
	}
	if runner.gotReq.ConversationID == "" {
		t.Error("loop must receive a generated conversation id")
	}
}

func TestWSExhaustedRendersApology(t *testing.T) {
	runner := &stubRunner{err: agent.ErrAllModelsExhausted}
	srv := newTestServer(t, runner, nil)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(Frame{Type: "chat", ConversationID: "c1", Text: "hola"}); err != nil {
		t.Fatal(err)
	}
	for {
		f := readFrame(t, conn)
		if f.Type == "error" {
			if !strings.Contains(f.Text, "intenta de nuevo") {
				t.Errorf("error text = %q, want the apology", f.Text)
			}
			return
		}
		if f.Type == "done" {
			t.Fatal("expected an error frame, got done")
		}
	}
}

func TestWSRejectsUnknownFrameType(t *testing.T) {
	srv := newTestServer(t, &stubRunner{}, nil)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(Frame{Type: "ping"}); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, conn)
	if f.Type != "error" {
		t.Errorf("frame = %+v, want error", f)
	}
}

func TestRenderHTML(t *testing.T) {
	html := renderHTML("**negrita** y `código`")
	if !strings.Contains(html, "<strong>negrita</strong>") || !strings.Contains(html, "<code>código</code>") {
		t.Errorf("html = %q", html)
	}
}
