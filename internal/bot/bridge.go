package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EduMMorenolp/argenteia/internal/agent"
	"github.com/EduMMorenolp/argenteia/internal/llm"
	"github.com/EduMMorenolp/argenteia/internal/memory"
)

// AgentRunner abstracts the conversation loop for testability. The real
// implementation is *agent.Loop.
type AgentRunner interface {
	Run(ctx context.Context, req *agent.Request, cb *agent.Callbacks) (*agent.Response, error)
}

// API is the bot client surface the bridge needs.
type API interface {
	GetUpdates(ctx context.Context) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendTyping(ctx context.Context, chatID int64) error
}

// handleTimeout bounds how long one inbound message may be processed.
const handleTimeout = 5 * time.Minute

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// pollBackoff is how long the bridge waits after a failed poll before
// trying again.
const pollBackoff = 5 * time.Second

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client       API
	Runner       AgentRunner
	Durable      *memory.SQLiteStore // optional message log
	Logger       *slog.Logger
	RateLimit    int      // messages per sender per minute; 0 = unlimited
	AllowedChats []string // chat ids the bridge answers; empty = all
}

// Bridge long-polls the bot API, routes text messages through the
// conversation loop, and sends each answer back as one message.
type Bridge struct {
	client       API
	runner       AgentRunner
	durable      *memory.SQLiteStore
	logger       *slog.Logger
	rateLimit    int
	allowedChats map[string]bool

	mu          sync.Mutex
	senderTimes map[string][]time.Time

	handlers sync.WaitGroup
}

// NewBridge creates a bot message bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var allowed map[string]bool
	if len(cfg.AllowedChats) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedChats))
		for _, id := range cfg.AllowedChats {
			allowed[id] = true
		}
	}
	return &Bridge{
		client:       cfg.Client,
		runner:       cfg.Runner,
		durable:      cfg.Durable,
		logger:       logger,
		rateLimit:    cfg.RateLimit,
		allowedChats: allowed,
		senderTimes:  make(map[string][]time.Time),
	}
}

// Start polls for updates until ctx is cancelled, then waits for
// in-flight handlers to finish.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("bot bridge started")
	defer b.handlers.Wait()

	for {
		if ctx.Err() != nil {
			b.logger.Info("bot bridge shutting down")
			return
		}

		updates, err := b.client.GetUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("bot bridge shutting down")
				return
			}
			b.logger.Warn("bot poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollBackoff):
			}
			continue
		}

		for _, u := range updates {
			b.dispatch(ctx, u)
		}
	}
}

// dispatch filters one update and hands it to the handler.
func (b *Bridge) dispatch(ctx context.Context, u Update) {
	msg := u.Message
	if msg == nil || msg.Text == "" {
		b.logger.Debug("bot ignoring non-text update", "update", u.UpdateID)
		return
	}

	chatID := ChatIDString(msg.Chat.ID)
	if b.allowedChats != nil && !b.allowedChats[chatID] {
		b.logger.Warn("bot message from unlisted chat ignored", "chat", chatID)
		return
	}

	sender := chatID
	if msg.From != nil {
		sender = ChatIDString(msg.From.ID)
	}
	if !b.allowSender(sender) {
		b.logger.Warn("bot message rate-limited", "sender", sender)
		return
	}

	// Handle off the poll loop: one slow turn must not stall replies to
	// other senders waiting in the same batch.
	b.handlers.Add(1)
	go func() {
		defer b.handlers.Done()
		b.handleMessage(ctx, msg)
	}()
}

// handleMessage runs one inbound message through the loop and replies
// with a single message. Streaming chunks are not forwarded: the bot
// channel has no incremental rendering, so only the final text goes out.
func (b *Bridge) handleMessage(ctx context.Context, msg *IncomingMessage) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	chatID := msg.Chat.ID
	convID := fmt.Sprintf("bot-%s", ChatIDString(chatID))

	b.logger.Info("bot message received",
		"chat", chatID,
		"conversation", convID,
		"message_len", len(msg.Text),
	)

	if err := b.client.SendTyping(ctx, chatID); err != nil {
		b.logger.Debug("bot typing indicator failed", "error", err)
	}

	b.persist(convID, msg, "user", msg.Text)

	resp, err := b.runner.Run(ctx, &agent.Request{
		ConversationID: convID,
		Text:           msg.Text,
		Origin:         "bot",
		ChatID:         ChatIDString(chatID),
	}, &agent.Callbacks{
		// keep the indicator alive through long tool rounds
		OnAction: func(string) { b.client.SendTyping(ctx, chatID) },
	})
	if err != nil {
		b.logger.Error("bot turn failed", "conversation", convID, "error", err)
		if sendErr := b.client.SendMessage(ctx, chatID, agent.Apology); sendErr != nil {
			b.logger.Error("bot apology send failed", "conversation", convID, "error", sendErr)
		}
		return
	}

	b.persistTurn(convID, resp.Messages)

	text := resp.Text
	if text == "" {
		b.logger.Info("bot turn produced no text, staying silent", "conversation", convID)
		return
	}

	if err := b.client.SendMessage(ctx, chatID, text); err != nil {
		b.logger.Error("bot reply send failed", "conversation", convID, "error", err)
		return
	}
	b.logger.Info("bot reply sent",
		"conversation", convID,
		"model", resp.Model,
		"response_len", len(text),
	)
}

func (b *Bridge) persist(convID string, msg *IncomingMessage, role, content string) {
	if b.durable == nil {
		return
	}
	userID := ""
	if msg.From != nil {
		userID = ChatIDString(msg.From.ID)
	}
	if err := b.durable.Persist(convID, userID, role, content, "bot"); err != nil {
		b.logger.Warn("could not persist bot message", "conversation", convID, "error", err)
	}
}

// persistTurn logs the turn's assistant and tool messages, so the durable
// history keeps the tool exchanges the single outgoing message omits.
func (b *Bridge) persistTurn(convID string, msgs []llm.Message) {
	if b.durable == nil {
		return
	}
	for _, m := range msgs {
		if err := b.durable.PersistMessage(convID, "", "bot", m); err != nil {
			b.logger.Warn("could not persist bot message", "conversation", convID, "error", err)
		}
	}
}

// allowSender checks the per-minute sliding-window rate limit.
func (b *Bridge) allowSender(sender string) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	timestamps := b.senderTimes[sender]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.rateLimit {
		b.senderTimes[sender] = valid
		return false
	}

	b.senderTimes[sender] = append(valid, now)
	return true
}
