// Argente is a personal assistant gateway.
//
// It serves a WebSocket chat endpoint with a small HTTP API, and
// optionally bridges a messaging-bot channel, routing every message
// through a tool-calling conversation loop with model fallback.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	argente serve            Start the gateway
//	argente init [dir]       Write a starter config and data directory
//	argente version          Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/EduMMorenolp/argenteia/internal/agent"
	"github.com/EduMMorenolp/argenteia/internal/bot"
	"github.com/EduMMorenolp/argenteia/internal/buildinfo"
	"github.com/EduMMorenolp/argenteia/internal/config"
	"github.com/EduMMorenolp/argenteia/internal/experts"
	"github.com/EduMMorenolp/argenteia/internal/gateway"
	"github.com/EduMMorenolp/argenteia/internal/llm"
	"github.com/EduMMorenolp/argenteia/internal/memory"
	"github.com/EduMMorenolp/argenteia/internal/scheduler"
	"github.com/EduMMorenolp/argenteia/internal/tools"
)

// main constructs the OS-level environment and delegates to run, which
// keeps os.Exit and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer, args []string) error {
	var configPath string
	command := "serve"
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		default:
			command = args[i]
			cmdArgs = args[i+1:]
			i = len(args)
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	default:
		return fmt.Errorf("unknown command %q (try: serve, init, version)", command)
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Argente", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"models", len(cfg.Models.Entries),
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Stores ---
	// The durable log mirrors every turn; the bounded in-memory store is
	// the working set the loop actually reads.
	durable, err := memory.NewSQLiteStore(filepath.Join(cfg.DataDir, "argente.db"))
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	defer durable.Close()

	sessions := memory.NewStore(cfg.Agent.MaxHistory)

	expertStore, err := experts.NewStore(filepath.Join(cfg.DataDir, "experts.db"), logger)
	if err != nil {
		return fmt.Errorf("open experts database: %w", err)
	}
	defer expertStore.Close()

	// --- Scheduler ---
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		taskStore, err := scheduler.NewStore(filepath.Join(cfg.DataDir, "tasks.db"))
		if err != nil {
			return fmt.Errorf("open task database: %w", err)
		}
		defer taskStore.Close()
		sched = scheduler.New(taskStore, nil, logger)
	}

	// --- Tools ---
	registry := tools.NewRegistry(logger)
	tools.RegisterBuiltins(registry, tools.BuiltinDeps{
		Config:    cfg,
		Scheduler: sched,
	})
	logger.Info("tools registered", "names", registry.Names())

	// --- Loop ---
	resolver := llm.NewResolver(cfg, expertStore, logger)
	loop := agent.NewLoop(cfg, logger, sessions, registry, expertStore, resolver)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Bot channel ---
	var botSend func(ctx context.Context, chatID string, text string)
	if cfg.Bot.Enabled {
		botSend = startBot(ctx, cfg, loop, durable, logger)
	}

	// Fired tasks re-enter the loop as if the owner had typed the task
	// message on the channel the task came from.
	if sched != nil {
		sched.SetWakeFunc(func(wctx context.Context, task *scheduler.Task) {
			resp, err := loop.Run(wctx, &agent.Request{
				ConversationID: task.ConversationID,
				Text:           task.Message,
				Origin:         task.Origin,
				ChatID:         task.ChatID,
			}, nil)
			if err != nil {
				logger.Error("scheduled task run failed", "task", task.ID, "error", err)
				return
			}
			if task.Origin == "bot" && task.ChatID != "" && botSend != nil {
				botSend(wctx, task.ChatID, resp.Text)
			}
		})
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	// --- Gateway ---
	server := gateway.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, durable, expertStore, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("gateway failed: %w", err)
		}
	}

	logger.Info("Argente stopped")
	return nil
}

// startBot wires the bot bridge and returns a sender usable by the
// scheduler wake path for bot-originated reminders.
func startBot(ctx context.Context, cfg *config.Config, loop *agent.Loop, durable *memory.SQLiteStore, logger *slog.Logger) func(ctx context.Context, chatID string, text string) {
	client := bot.NewClient(cfg.Bot.Token, cfg.Bot.BaseURL, logger)
	bridge := bot.NewBridge(bot.BridgeConfig{
		Client:       client,
		Runner:       loop,
		Durable:      durable,
		Logger:       logger,
		RateLimit:    cfg.Bot.RateLimit,
		AllowedChats: cfg.Bot.AllowedChats,
	})
	go bridge.Start(ctx)

	return func(sctx context.Context, chatID string, text string) {
		id, err := bot.ParseChatID(chatID)
		if err != nil {
			logger.Warn("bad chat id on scheduled task", "chat_id", chatID, "error", err)
			return
		}
		if text == "" {
			return
		}
		if err := client.SendMessage(sctx, id, text); err != nil {
			logger.Error("scheduled reminder send failed", "chat_id", chatID, "error", err)
		}
	}
}

const starterConfig = `# Argente configuration
listen:
  port: 8080

agent:
  assistant_name: Argente
  owner_name: ""
  system_prompt: ""
  max_rounds: 6
  max_tokens: 4096
  max_history: 40

models:
  default: "qwen3:4b"
  ollama_url: "http://localhost:11434"
  entries: []
  # entries:
  #   - name: gpt-4o-mini
  #     api_key: ${OPENAI_API_KEY}
  #   - name: claude-3-5-haiku-latest
  #     api_key: ${ANTHROPIC_API_KEY}

bot:
  enabled: false
  token: ""
  rate_limit: 10

scheduler:
  enabled: true

weather:
  enabled: true

data_dir: data
log_level: info
`

func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0755); err != nil {
		return err
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0644); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}
