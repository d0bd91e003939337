package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/EduMMorenolp/argenteia/internal/buildinfo"
	"github.com/EduMMorenolp/argenteia/internal/httpkit"
)

const defaultBaseURL = "https://api.telegram.org"

// pollTimeout is the server-side long-poll hold passed to getUpdates.
const pollTimeout = 30 * time.Second

// apiResponse is the bot API envelope around every method result.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// Client talks to a bot HTTP API (Telegram-compatible). It tracks the
// long-poll offset internally: each GetUpdates call acknowledges the
// previous batch.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
	offset  int64
}

// NewClient creates a bot API client. baseURL may be empty for the
// public endpoint; self-hosted gateways override it.
func NewClient(token, baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		// the client timeout must outlast the server-side poll hold
		http:   httpkit.NewClient(httpkit.WithTimeout(pollTimeout+15*time.Second), httpkit.WithUserAgent(buildinfo.UserAgent())),
		logger: logger,
	}
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding %s params: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bot API %s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("bot API %s failed: %d %s", method, envelope.ErrorCode, envelope.Description)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

// GetUpdates long-polls for new updates and advances the acknowledged
// offset past everything returned.
func (c *Client) GetUpdates(ctx context.Context) ([]Update, error) {
	params := map[string]any{
		"timeout":         int(pollTimeout.Seconds()),
		"allowed_updates": []string{"message"},
	}
	if c.offset > 0 {
		params["offset"] = c.offset
	}

	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	for _, u := range updates {
		if u.UpdateID >= c.offset {
			c.offset = u.UpdateID + 1
		}
	}
	return updates, nil
}

// SendMessage sends plain text to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	}, nil)
}

// SendTyping shows the "typing..." indicator in a chat. Best effort.
func (c *Client) SendTyping(ctx context.Context, chatID int64) error {
	return c.call(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	}, nil)
}

// ChatIDString formats a chat id the way routing hints carry it.
func ChatIDString(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

// ParseChatID is the inverse of ChatIDString.
func ParseChatID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
