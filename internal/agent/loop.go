// Package agent implements the core conversation loop: bounded
// request/response/tool-execution rounds against a model provider, with
// provider fallback, rate-limit backoff, and streaming to caller sinks.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EduMMorenolp/argenteia/internal/config"
	"github.com/EduMMorenolp/argenteia/internal/experts"
	"github.com/EduMMorenolp/argenteia/internal/llm"
	"github.com/EduMMorenolp/argenteia/internal/memory"
	"github.com/EduMMorenolp/argenteia/internal/tools"
)

// ErrAllModelsExhausted is the only error Run surfaces to its caller:
// every candidate model failed. Callers render it as a user-facing
// apology rather than a raw failure.
var ErrAllModelsExhausted = errors.New("all models exhausted")

// Apology is the fixed user-facing text callers send when the loop
// reports ErrAllModelsExhausted.
const Apology = "Lo siento, no pude procesar tu mensaje en este momento. Por favor, intenta de nuevo en unos minutos."

// defaultTemperature applies when no expert profile sets one.
const defaultTemperature = 0.7

// Request is one user turn submitted by a channel (gateway or bot).
type Request struct {
	ConversationID string
	Text           string
	Origin         string // "web" or "bot"
	Expert         string // profile name; empty selects the default profile
	ChatID         string // channel routing hint forwarded to tools
}

// Callbacks are fire-and-forget observer sinks. They never influence
// control flow and every field may be nil.
type Callbacks struct {
	// OnChunk receives each streamed text delta verbatim.
	OnChunk func(delta string)
	// OnTyping toggles a typing indicator around model requests.
	OnTyping func(active bool)
	// OnAction receives short notes about tool executions.
	OnAction func(note string)
}

func (c *Callbacks) chunk(delta string) {
	if c != nil && c.OnChunk != nil {
		c.OnChunk(delta)
	}
}

func (c *Callbacks) typing(active bool) {
	if c != nil && c.OnTyping != nil {
		c.OnTyping(active)
	}
}

func (c *Callbacks) action(note string) {
	if c != nil && c.OnAction != nil {
		c.OnAction(note)
	}
}

// Response is the completed turn handed back to the caller. Run always
// produces one unless every model candidate failed.
type Response struct {
	Text         string
	Model        string
	Expert       string
	Rounds       int
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
	// Messages are the assistant and tool messages this turn committed
	// to the session history, in order. Callers that keep a durable log
	// persist these rather than just Text, so tool exchanges survive.
	Messages []llm.Message
}

// ClientFactory resolves a model key into a provider client without
// performing network I/O. *llm.Resolver satisfies it.
type ClientFactory interface {
	NewClient(model string) (llm.Client, error)
}

// Loop drives conversations. All collaborators are injected at
// construction; registration and wiring complete before any traffic.
type Loop struct {
	cfg      *config.Config
	logger   *slog.Logger
	history  memory.HistoryStore
	registry *tools.Registry
	profiles experts.Lookup // optional
	clients  ClientFactory

	// advisory set of conversation ids currently being processed;
	// observability only, never used for mutual exclusion
	active sync.Map

	retryBase  time.Duration
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewLoop creates a conversation loop.
func NewLoop(cfg *config.Config, logger *slog.Logger, history memory.HistoryStore, registry *tools.Registry, profiles experts.Lookup, clients ClientFactory) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:        cfg,
		logger:     logger,
		history:    history,
		registry:   registry,
		profiles:   profiles,
		clients:    clients,
		retryBase:  2 * time.Second,
		maxRetries: 3,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ActiveConversations returns the ids currently being processed, in no
// particular order.
func (l *Loop) ActiveConversations() []string {
	var ids []string
	l.active.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

// Run executes one conversation turn. It appends the user message and
// the resulting assistant messages to the bounded history and returns
// the final response. The only error it returns is ErrAllModelsExhausted;
// everything else is handled internally by retry, fallback, or textual
// synthesis.
func (l *Loop) Run(ctx context.Context, req *Request, cb *Callbacks) (resp *Response, err error) {
	start := time.Now()

	l.active.Store(req.ConversationID, struct{}{})
	defer l.active.Delete(req.ConversationID)

	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("conversation loop panicked", "conversation", req.ConversationID, "panic", rec)
			resp = nil
			err = fmt.Errorf("%w: internal failure: %v", ErrAllModelsExhausted, rec)
		}
	}()

	cb.typing(true)
	defer cb.typing(false)

	// An expert binding is sticky: once a turn names one, later turns in
	// the same conversation reuse it until overridden.
	expert := req.Expert
	if expert == "" {
		_, expert = l.history.Meta(req.ConversationID)
	}
	l.history.SetMeta(req.ConversationID, req.Origin, expert)

	profile := l.resolveProfile(expert)

	primary := l.cfg.Models.Default
	if profile != nil && profile.Model != "" {
		primary = profile.Model
	}
	candidates := append([]string{primary}, l.cfg.FallbackModels(primary)...)

	temperature := defaultTemperature
	if profile != nil && profile.Temperature > 0 {
		temperature = profile.Temperature
	}

	var filter map[string]bool
	if profile != nil {
		filter = profile.ToolFilter()
	}
	schemas := l.registry.List(filter)

	l.history.Append(req.ConversationID, llm.Message{Role: "user", Content: req.Text})
	history := l.history.GetHistory(req.ConversationID)

	system := l.composePrompt(profile, req.Origin, schemas)
	base := make([]llm.Message, 0, len(history)+1)
	base = append(base, llm.Message{Role: "system", Content: system})
	base = append(base, history...)

	l.logger.Info("turn started",
		"conversation", req.ConversationID,
		"origin", req.Origin,
		"primary", primary,
		"candidates", len(candidates),
		"tools", len(schemas),
	)

	toolCtx := tools.WithConversationID(ctx, req.ConversationID)
	toolCtx = tools.WithHints(toolCtx, map[string]string{
		"origin":  req.Origin,
		"chat_id": req.ChatID,
	})

	var lastErr error
	for _, model := range candidates {
		out, cerr := l.runCandidate(toolCtx, model, base, schemas, temperature, cb)
		if cerr == nil {
			for _, m := range out.appended {
				l.history.Append(req.ConversationID, m)
			}
			resp := &Response{
				Text:         out.text,
				Model:        model,
				Rounds:       out.rounds,
				InputTokens:  out.inputTokens,
				OutputTokens: out.outputTokens,
				Latency:      time.Since(start),
				Messages:     out.appended,
			}
			if profile != nil {
				resp.Expert = profile.Name
			}
			l.logger.Info("turn completed",
				"conversation", req.ConversationID,
				"model", model,
				"rounds", out.rounds,
				"latency", resp.Latency,
			)
			return resp, nil
		}

		lastErr = cerr
		disposition, reason := llm.Classify(cerr)
		if disposition == llm.DispositionFatal {
			l.logger.Error("turn aborted", "conversation", req.ConversationID, "model", model, "error", cerr)
			break
		}
		l.logger.Warn("model failed, trying next candidate",
			"conversation", req.ConversationID,
			"model", model,
			"reason", reason,
			"error", cerr,
		)
	}

	return nil, fmt.Errorf("%w: %v", ErrAllModelsExhausted, lastErr)
}

// candidateResult is the outcome of one model candidate's round loop.
type candidateResult struct {
	text         string
	rounds       int
	inputTokens  int
	outputTokens int
	appended     []llm.Message // messages to commit to history, in order
}

// runCandidate drives the round loop for a single model. Any returned
// error is fallback-eligible unless Classify says otherwise.
func (l *Loop) runCandidate(ctx context.Context, model string, base []llm.Message, schemas []llm.ToolSchema, temperature float64, cb *Callbacks) (*candidateResult, error) {
	client, err := l.clients.NewClient(model)
	if err != nil {
		return nil, err
	}

	local := make([]llm.Message, len(base))
	copy(local, base)
	result := &candidateResult{}

	for round := 1; round <= l.cfg.Agent.MaxRounds; round++ {
		result.rounds = round
		resp, err := l.complete(ctx, client, llm.ChatRequest{
			Model:       model,
			Messages:    local,
			Tools:       schemas,
			Temperature: temperature,
			MaxTokens:   l.cfg.Agent.MaxTokens,
		}, cb)
		if err != nil {
			return nil, err
		}
		result.inputTokens += resp.InputTokens
		result.outputTokens += resp.OutputTokens

		assistant := resp.Message
		local = append(local, assistant)

		if len(assistant.ToolCalls) == 0 {
			if assistant.Content != "" {
				result.text = assistant.Content
				result.appended = append(result.appended, assistant)
				return result, nil
			}
			// no tool calls and no text: nudge once below
			break
		}
		result.appended = append(result.appended, assistant)

		toolMsgs := l.executeToolCalls(ctx, assistant.ToolCalls, cb)
		local = append(local, toolMsgs...)
		result.appended = append(result.appended, toolMsgs...)
	}

	// Round budget spent (or the model went silent). One final request
	// without tools, returning whatever text comes back.
	local = append(local, llm.Message{
		Role:    "system",
		Content: "No llames más herramientas. Responde al usuario ahora con la información que ya tienes.",
	})
	resp, err := l.complete(ctx, client, llm.ChatRequest{
		Model:       model,
		Messages:    local,
		Temperature: temperature,
		MaxTokens:   l.cfg.Agent.MaxTokens,
	}, cb)
	if err != nil {
		return nil, err
	}
	result.rounds++
	result.inputTokens += resp.InputTokens
	result.outputTokens += resp.OutputTokens
	result.text = resp.Message.Content
	if result.text != "" {
		result.appended = append(result.appended, llm.Message{Role: "assistant", Content: result.text})
	}
	return result, nil
}

// complete issues one streaming request, retrying rate limits in place
// with doubling backoff. Any other failure is returned for candidate
// fallback.
func (l *Loop) complete(ctx context.Context, client llm.Client, req llm.ChatRequest, cb *Callbacks) (*llm.ChatResponse, error) {
	backoff := l.retryBase
	var lastErr error

	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		resp, err := client.ChatStream(ctx, req, cb.chunk)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		disposition, reason := llm.Classify(err)
		if disposition != llm.DispositionRetry || attempt == l.maxRetries {
			return nil, err
		}

		l.logger.Warn("rate limited, backing off",
			"model", req.Model,
			"attempt", attempt+1,
			"backoff", backoff,
			"reason", reason,
		)
		if err := l.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
	return nil, lastErr
}

// executeToolCalls fans out all calls concurrently and collects one
// tool-role message per call in the calls' original order. Failures
// become tool output text; a failing tool never cancels its siblings.
func (l *Loop) executeToolCalls(ctx context.Context, calls []llm.ToolCall, cb *Callbacks) []llm.Message {
	results := make([]llm.Message, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()

			name := call.Function.Name
			cb.action("Ejecutando " + name)
			l.logger.Debug("executing tool", "tool", name, "call_id", call.ID)

			out, err := l.registry.Execute(ctx, name, call.Function.ParseArguments())
			if err != nil {
				// unknown or disabled tool: report as tool output so the
				// model can recover instead of aborting the round
				out = fmt.Sprintf("Error: la herramienta %s no está disponible (%v)", name, err)
			}
			results[i] = llm.Message{Role: "tool", ToolCallID: call.ID, Content: out}
		}(i, call)
	}
	wg.Wait()
	return results
}

// resolveProfile maps a requested expert name to a profile. An empty
// name selects the default profile when one exists; a missing lookup or
// missing profile leaves configuration defaults in force.
func (l *Loop) resolveProfile(name string) *experts.Profile {
	if l.profiles == nil {
		return nil
	}
	if name == "" {
		name = experts.DefaultProfileName
	}
	p, ok := l.profiles.GetProfile(name)
	if !ok {
		if name != experts.DefaultProfileName {
			l.logger.Warn("expert profile not found, using defaults", "expert", name)
		}
		return nil
	}
	return p
}
