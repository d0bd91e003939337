package llm

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/EduMMorenolp/argenteia/internal/config"
)

// Family identifies the provider protocol family for a model key.
type Family string

const (
	// FamilyOpenAI covers the hosted OpenAI-protocol brands (OpenAI and
	// DeepSeek share the protocol, differing only in endpoint).
	FamilyOpenAI Family = "openai"
	// FamilyAnthropic is the distinct Messages-API protocol.
	FamilyAnthropic Family = "anthropic"
	// FamilyOpenRouter is the proxy aggregator: vendor-prefixed model keys
	// served over the OpenAI protocol through one endpoint.
	FamilyOpenRouter Family = "openrouter"
	// FamilyOllama is the local/offline family. Any key that matches no
	// hosted family is assumed to be a local model.
	FamilyOllama Family = "ollama"
)

// Default endpoints per family or sub-brand, used when neither the runtime
// store nor static configuration provides a base URL.
const (
	openAIBaseURL     = "https://api.openai.com/v1"
	deepSeekBaseURL   = "https://api.deepseek.com/v1"
	openRouterBaseURL = "https://openrouter.ai/api/v1"
)

// DetectFamily classifies a model key into its provider family by prefix.
// Classification is pure string matching; adding a family touches only
// this function and NewClient.
func DetectFamily(model string) Family {
	switch {
	case strings.HasPrefix(model, "claude-"):
		return FamilyAnthropic
	case strings.Contains(model, "/"):
		// Vendor-prefixed keys (e.g. "meta-llama/llama-3.3-70b") are
		// aggregator routes.
		return FamilyOpenRouter
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"),
		strings.HasPrefix(model, "chatgpt-"),
		strings.HasPrefix(model, "deepseek"):
		return FamilyOpenAI
	default:
		return FamilyOllama
	}
}

// Credentials is a resolved endpoint/key pair for one model.
type Credentials struct {
	Family  Family
	APIKey  string
	BaseURL string
}

// EntryStore is the runtime model-entry source. Entries stored at runtime
// override static configuration. A nil store is valid.
type EntryStore interface {
	ModelEntry(name string) (config.ModelEntry, bool)
}

// Resolver resolves model keys to provider credentials and transports.
type Resolver struct {
	cfg    *config.Config
	store  EntryStore
	logger *slog.Logger
}

// NewResolver creates a resolver over static configuration and an optional
// runtime entry store.
func NewResolver(cfg *config.Config, store EntryStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{cfg: cfg, store: store, logger: logger}
}

// Resolve determines credentials for a model key.
//
// Precedence: (1) runtime entry store exact match, (2) static config exact
// match or the family's default-provider entry (an entry named "openrouter"
// covers every aggregator key, and likewise per family), (3) aggregator
// keys may borrow an API key from any other aggregator entry, (4) local
// keys may borrow a base URL from any other local entry and use a
// placeholder credential, (5) otherwise ErrNoCredentials.
//
// Partial configuration is expected: as long as some entry of the right
// family exists, every model of that family resolves.
func (r *Resolver) Resolve(model string) (Credentials, error) {
	family := DetectFamily(model)

	if r.store != nil {
		if e, ok := r.store.ModelEntry(model); ok {
			return r.fill(family, model, e.APIKey, e.BaseURL), nil
		}
	}

	if e, ok := r.cfg.Entry(model); ok {
		return r.fill(family, model, e.APIKey, e.BaseURL), nil
	}
	if e, ok := r.cfg.Entry(string(family)); ok {
		return r.fill(family, model, e.APIKey, e.BaseURL), nil
	}

	switch family {
	case FamilyOpenRouter:
		// The aggregator serves every vendor through one credential, so
		// any configured aggregator entry will do.
		for _, e := range r.cfg.Models.Entries {
			if DetectFamily(e.Name) == FamilyOpenRouter && e.APIKey != "" {
				r.logger.Debug("borrowing aggregator credentials", "model", model, "from", e.Name)
				return r.fill(family, model, e.APIKey, e.BaseURL), nil
			}
		}
	case FamilyOllama:
		// Local back-ends need an endpoint, not a credential. Borrow a
		// base URL from any other local entry, else the family default.
		for _, e := range r.cfg.Models.Entries {
			if DetectFamily(e.Name) == FamilyOllama && e.BaseURL != "" {
				return r.fill(family, model, "ollama", e.BaseURL), nil
			}
		}
		return r.fill(family, model, "ollama", ""), nil
	}

	return Credentials{}, fmt.Errorf("model %q: %w", model, ErrNoCredentials)
}

// fill applies family default endpoints and placeholder keys to a resolved
// entry, then validates that hosted families actually have a key.
func (r *Resolver) fill(family Family, model, apiKey, baseURL string) Credentials {
	if baseURL == "" {
		switch family {
		case FamilyOpenAI:
			if strings.HasPrefix(model, "deepseek") {
				baseURL = deepSeekBaseURL
			} else {
				baseURL = openAIBaseURL
			}
		case FamilyOpenRouter:
			baseURL = openRouterBaseURL
		case FamilyOllama:
			baseURL = strings.TrimSuffix(r.cfg.Models.OllamaURL, "/") + "/v1"
		}
	}
	if apiKey == "" && family == FamilyOllama {
		apiKey = "ollama" // the endpoint ignores it, the protocol requires one
	}
	return Credentials{Family: family, APIKey: apiKey, BaseURL: baseURL}
}

// NewClient resolves a model key and returns a transport handle for its
// provider family. The handle performs no I/O until its first call.
func (r *Resolver) NewClient(model string) (Client, error) {
	creds, err := r.Resolve(model)
	if err != nil {
		return nil, err
	}
	if creds.APIKey == "" {
		return nil, fmt.Errorf("model %q: %w", model, ErrNoCredentials)
	}

	switch creds.Family {
	case FamilyAnthropic:
		return NewAnthropicClient(creds.BaseURL, creds.APIKey, r.logger), nil
	default:
		// Everything else speaks the OpenAI chat-completions protocol.
		return NewOpenAIClient(creds.BaseURL, creds.APIKey, r.logger), nil
	}
}
