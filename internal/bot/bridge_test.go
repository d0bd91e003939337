package bot

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EduMMorenolp/argenteia/internal/agent"
	"github.com/EduMMorenolp/argenteia/internal/llm"
	"github.com/EduMMorenolp/argenteia/internal/memory"
)

type fakeAPI struct {
	mu      sync.Mutex
	batches [][]Update
	cancel  context.CancelFunc // called once all batches are consumed
	sent    []string
	sentTo  []int64
	typing  int
}

func (f *fakeAPI) GetUpdates(ctx context.Context) ([]Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		if f.cancel != nil {
			f.cancel()
		}
		return nil, context.Canceled
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.sentTo = append(f.sentTo, chatID)
	return nil
}

func (f *fakeAPI) SendTyping(ctx context.Context, chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeAPI) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

type recordingRunner struct {
	mu   sync.Mutex
	reqs []*agent.Request
	resp *agent.Response
	err  error
}

func (r *recordingRunner) Run(ctx context.Context, req *agent.Request, cb *agent.Callbacks) (*agent.Response, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return r.resp, r.err
}

func (r *recordingRunner) requests() []*agent.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*agent.Request, len(r.reqs))
	copy(out, r.reqs)
	return out
}

func textUpdate(id, chatID int64, text string) Update {
	return Update{
		UpdateID: id,
		Message: &IncomingMessage{
			MessageID: id,
			From:      &User{ID: chatID},
			Chat:      Chat{ID: chatID, Type: "private"},
			Text:      text,
		},
	}
}

// runBridge drives the bridge until the fake runs out of batches and
// cancels the context.
func runBridge(t *testing.T, b *Bridge, api *fakeAPI) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	api.cancel = cancel

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Start(ctx)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func newTestBridge(api API, runner AgentRunner, rateLimit int, allowed []string) *Bridge {
	return NewBridge(BridgeConfig{
		Client:       api,
		Runner:       runner,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		RateLimit:    rateLimit,
		AllowedChats: allowed,
	})
}

func TestBridgeRepliesWithFinalText(t *testing.T) {
	api := &fakeAPI{batches: [][]Update{{textUpdate(1, 42, "¿Qué hora es?")}}}
	runner := &recordingRunner{resp: &agent.Response{Text: "Son las tres.", Model: "model-a"}}
	b := newTestBridge(api, runner, 0, nil)

	runBridge(t, b, api)

	reqs := runner.requests()
	if len(reqs) != 1 {
		t.Fatalf("runner calls = %d, want 1", len(reqs))
	}
	if reqs[0].Origin != "bot" || reqs[0].ConversationID != "bot-42" || reqs[0].ChatID != "42" {
		t.Errorf("request = %+v", reqs[0])
	}

	sent := api.messages()
	if len(sent) != 1 || sent[0] != "Son las tres." {
		t.Errorf("sent = %v, want one final message", sent)
	}
	if api.typing == 0 {
		t.Error("typing action never sent")
	}
}

func TestBridgeIgnoresNonText(t *testing.T) {
	api := &fakeAPI{batches: [][]Update{{
		{UpdateID: 1, Message: &IncomingMessage{Chat: Chat{ID: 1}}}, // no text
		{UpdateID: 2},                                               // no message
	}}}
	runner := &recordingRunner{resp: &agent.Response{Text: "hola"}}
	b := newTestBridge(api, runner, 0, nil)

	runBridge(t, b, api)

	if len(runner.requests()) != 0 {
		t.Error("non-text updates must not reach the loop")
	}
}

func TestBridgeAllowedChats(t *testing.T) {
	api := &fakeAPI{batches: [][]Update{{
		textUpdate(1, 42, "hola"),
		textUpdate(2, 99, "hola"),
	}}}
	runner := &recordingRunner{resp: &agent.Response{Text: "hola"}}
	b := newTestBridge(api, runner, 0, []string{"42"})

	runBridge(t, b, api)

	reqs := runner.requests()
	if len(reqs) != 1 || reqs[0].ChatID != "42" {
		t.Errorf("requests = %+v, want only chat 42", reqs)
	}
}

func TestBridgeRateLimit(t *testing.T) {
	var batch []Update
	for i := int64(1); i <= 5; i++ {
		batch = append(batch, textUpdate(i, 42, "hola"))
	}
	api := &fakeAPI{batches: [][]Update{batch}}
	runner := &recordingRunner{resp: &agent.Response{Text: "hola"}}
	b := newTestBridge(api, runner, 2, nil)

	runBridge(t, b, api)

	if got := len(runner.requests()); got != 2 {
		t.Errorf("processed = %d, want the 2 within the rate limit", got)
	}
}

func TestBridgeSendsApologyOnExhaustion(t *testing.T) {
	api := &fakeAPI{batches: [][]Update{{textUpdate(1, 42, "hola")}}}
	runner := &recordingRunner{err: agent.ErrAllModelsExhausted}
	b := newTestBridge(api, runner, 0, nil)

	runBridge(t, b, api)

	sent := api.messages()
	if len(sent) != 1 || !strings.Contains(sent[0], "intenta de nuevo") {
		t.Errorf("sent = %v, want the apology", sent)
	}
}

func TestBridgeStaysSilentOnEmptyAnswer(t *testing.T) {
	api := &fakeAPI{batches: [][]Update{{textUpdate(1, 42, "hola")}}}
	runner := &recordingRunner{resp: &agent.Response{Text: ""}}
	b := newTestBridge(api, runner, 0, nil)

	runBridge(t, b, api)

	if got := api.messages(); len(got) != 0 {
		t.Errorf("sent = %v, want silence for an empty answer", got)
	}
}

func TestBridgePersistsToolTurns(t *testing.T) {
	durable, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer durable.Close()

	api := &fakeAPI{batches: [][]Update{{textUpdate(1, 42, "¿Qué tiempo hace?")}}}
	runner := &recordingRunner{resp: &agent.Response{
		Text: "Hace sol.",
		Messages: []llm.Message{
			{Role: "assistant", ToolCalls: []llm.ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: llm.FunctionCall{Name: "get_weather", Arguments: `{"location":"Madrid"}`},
			}}},
			{Role: "tool", ToolCallID: "call_1", Content: "soleado"},
			{Role: "assistant", Content: "Hace sol."},
		},
	}}
	b := NewBridge(BridgeConfig{
		Client:  api,
		Runner:  runner,
		Durable: durable,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	runBridge(t, b, api)

	msgs, err := durable.History("bot-42", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("logged %d messages, want user + assistant + tool + assistant", len(msgs))
	}
	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "call_1" {
		t.Errorf("tool turn = %+v", msgs[2])
	}
}

// gateRunner blocks every turn until released, so a test can observe
// overlapping handling.
type gateRunner struct {
	arrived chan struct{}
	release chan struct{}
}

func (r *gateRunner) Run(ctx context.Context, req *agent.Request, cb *agent.Callbacks) (*agent.Response, error) {
	r.arrived <- struct{}{}
	<-r.release
	return &agent.Response{Text: "hola"}, nil
}

func TestBridgeHandlesChatsConcurrently(t *testing.T) {
	api := &fakeAPI{batches: [][]Update{{
		textUpdate(1, 1, "hola"),
		textUpdate(2, 2, "hola"),
	}}}
	runner := &gateRunner{arrived: make(chan struct{}, 2), release: make(chan struct{})}
	b := newTestBridge(api, runner, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	api.cancel = cancel

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Start(ctx)
	}()

	// both turns must be in flight while neither has finished
	for i := 0; i < 2; i++ {
		select {
		case <-runner.arrived:
		case <-time.After(2 * time.Second):
			t.Fatal("second chat blocked behind the first")
		}
	}
	close(runner.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}

	if got := api.messages(); len(got) != 2 {
		t.Errorf("sent = %v, want both replies", got)
	}
}

func TestAllowSenderSlidingWindow(t *testing.T) {
	b := newTestBridge(&fakeAPI{}, &recordingRunner{}, 2, nil)

	if !b.allowSender("a") || !b.allowSender("a") {
		t.Fatal("first two messages must pass")
	}
	if b.allowSender("a") {
		t.Error("third message within the window must be limited")
	}
	if !b.allowSender("b") {
		t.Error("limits are per sender")
	}

	// age the window out and the sender recovers
	b.mu.Lock()
	for i := range b.senderTimes["a"] {
		b.senderTimes["a"][i] = time.Now().Add(-2 * rateWindow)
	}
	b.mu.Unlock()
	if !b.allowSender("a") {
		t.Error("expired timestamps must not count against the limit")
	}
}
