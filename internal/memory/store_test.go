package memory

import (
	"fmt"
	"testing"

	"github.com/EduMMorenolp/argenteia/internal/llm"
)

func TestAppendBoundsHistory(t *testing.T) {
	s := NewStore(5)

	for i := 0; i < 12; i++ {
		s.Append("conv", llm.Message{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}

	got := s.GetHistory("conv")
	if len(got) != 5 {
		t.Fatalf("len(history) = %d, want 5", len(got))
	}
	// The retained elements are exactly the most recent five, in order.
	for i, m := range got {
		want := fmt.Sprintf("m%d", 7+i)
		if m.Content != want {
			t.Errorf("history[%d] = %q, want %q", i, m.Content, want)
		}
	}
}

func TestGetHistoryReturnsCopy(t *testing.T) {
	s := NewStore(10)
	s.Append("conv", llm.Message{Role: "user", Content: "hola"})

	h := s.GetHistory("conv")
	h[0].Content = "mutated"

	if got := s.GetHistory("conv")[0].Content; got != "hola" {
		t.Errorf("store content = %q, caller mutation leaked", got)
	}
}

func TestReset(t *testing.T) {
	s := NewStore(10)
	s.Append("conv", llm.Message{Role: "user", Content: "hola"})
	s.Reset("conv")

	if got := s.GetHistory("conv"); len(got) != 0 {
		t.Errorf("history after reset = %v, want empty", got)
	}
}

func TestMeta(t *testing.T) {
	s := NewStore(10)
	s.SetMeta("conv", "bot", "chef")

	origin, expert := s.Meta("conv")
	if origin != "bot" || expert != "chef" {
		t.Errorf("Meta = (%q, %q), want (bot, chef)", origin, expert)
	}

	// Partial updates keep existing values.
	s.SetMeta("conv", "", "")
	origin, expert = s.Meta("conv")
	if origin != "bot" || expert != "chef" {
		t.Errorf("Meta after no-op update = (%q, %q)", origin, expert)
	}
}

func TestHistoryKeepsToolMessages(t *testing.T) {
	s := NewStore(10)
	s.Append("conv", llm.Message{Role: "user", Content: "weather?"})
	s.Append("conv", llm.Message{
		Role: "assistant",
		ToolCalls: []llm.ToolCall{{
			ID:       "call_1",
			Type:     "function",
			Function: llm.FunctionCall{Name: "get_weather", Arguments: `{"location":"Madrid"}`},
		}},
	})
	s.Append("conv", llm.Message{Role: "tool", ToolCallID: "call_1", Content: "Sunny, 25°C"})
	s.Append("conv", llm.Message{Role: "assistant", Content: "Hace sol en Madrid."})

	h := s.GetHistory("conv")
	if len(h) != 4 {
		t.Fatalf("len(history) = %d, want 4", len(h))
	}
	if h[1].ToolCalls[0].ID != h[2].ToolCallID {
		t.Errorf("tool result call id %q does not match call %q", h[2].ToolCallID, h[1].ToolCalls[0].ID)
	}
}
