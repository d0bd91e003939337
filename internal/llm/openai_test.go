package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// sseServer returns an httptest server that writes the given SSE data
// lines for streaming requests.
func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestChatStreamAccumulatesText(t *testing.T) {
	srv := sseServer(t, []string{
		`{"model":"gpt-4o","choices":[{"delta":{"content":"Hola"}}]}`,
		`{"choices":[{"delta":{"content":", mundo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":4}}`,
	})
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "test-key", nil)

	var deltas []string
	resp, err := c.ChatStream(context.Background(), ChatRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "hola"}},
	}, func(delta string) { deltas = append(deltas, delta) })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if resp.Message.Content != "Hola, mundo" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if strings.Join(deltas, "") != "Hola, mundo" {
		t.Errorf("deltas = %v, want verbatim forwarding", deltas)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 4 {
		t.Errorf("usage = %d/%d, want 12/4", resp.InputTokens, resp.OutputTokens)
	}
}

func TestChatStreamAccumulatesToolCallsByIndex(t *testing.T) {
	// Argument fragments arrive out of index order; the finalized list
	// must be ordered by stream index with concatenated arguments.
	srv := sseServer(t, []string{
		`{"model":"gpt-4o","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"get_time","arguments":"{\"city\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"location\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Madrid\"}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"arguments":"\"Tokio\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "test-key", nil)
	resp, err := c.ChatStream(context.Background(), ChatRequest{Model: "gpt-4o"}, func(string) {})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	calls := resp.Message.ToolCalls
	if len(calls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(calls))
	}
	if calls[0].ID != "call_a" || calls[0].Function.Name != "get_weather" {
		t.Errorf("call 0 = %+v", calls[0])
	}
	if calls[0].Function.Arguments != `{"location":"Madrid"}` {
		t.Errorf("call 0 arguments = %q", calls[0].Function.Arguments)
	}
	if calls[1].ID != "call_b" || calls[1].Function.Arguments != `{"city":"Tokio"}` {
		t.Errorf("call 1 = %+v", calls[1])
	}
	args := calls[0].Function.ParseArguments()
	if args["location"] != "Madrid" {
		t.Errorf("parsed location = %v", args["location"])
	}
}

func TestChatStreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "test-key", nil)
	_, err := c.ChatStream(context.Background(), ChatRequest{Model: "gpt-4o"}, func(string) {})

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.Code != http.StatusUnauthorized {
		t.Errorf("Code = %d, want 401", se.Code)
	}
	if !strings.Contains(se.Body, "invalid key") {
		t.Errorf("Body = %q, want error body excerpt", se.Body)
	}
}

func TestChatNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hola"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "test-key", nil)
	resp, err := c.ChatStream(context.Background(), ChatRequest{Model: "gpt-4o"}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Message.Content != "hola" {
		t.Errorf("content = %q", resp.Message.Content)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		want   Disposition
		reason string
	}{
		{"rate limit", &StatusError{Code: 429}, DispositionRetry, "rate limit"},
		{"auth", &StatusError{Code: 401}, DispositionFallback, "auth error"},
		{"payment", &StatusError{Code: 402}, DispositionFallback, "payment required"},
		{"not found", &StatusError{Code: 404}, DispositionFallback, "not found or policy error"},
		{"unavailable", &StatusError{Code: 503}, DispositionFallback, "service unavailable"},
		{"other status", &StatusError{Code: 500}, DispositionFallback, "provider error 500"},
		{"no credentials", fmt.Errorf("model x: %w", ErrNoCredentials), DispositionFallback, "no credentials"},
		{"cancelled", context.Canceled, DispositionFatal, "request cancelled"},
		{"transport", errors.New("connection refused"), DispositionFallback, "transport error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := Classify(tt.err)
			if got != tt.want || reason != tt.reason {
				t.Errorf("Classify() = (%v, %q), want (%v, %q)", got, reason, tt.want, tt.reason)
			}
		})
	}
}

func TestParseArgumentsMalformedYieldsEmptyMap(t *testing.T) {
	tests := []string{"{invalid json", "", "null", "[1,2]"}
	for _, in := range tests {
		fc := FunctionCall{Name: "x", Arguments: in}
		got := fc.ParseArguments()
		if got == nil {
			t.Errorf("ParseArguments(%q) = nil, want empty map", in)
		}
		if in == "{invalid json" && len(got) != 0 {
			t.Errorf("ParseArguments(%q) = %v, want empty", in, got)
		}
	}
}
