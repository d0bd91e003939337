package bot

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

type recordedCall struct {
	Method string
	Params map[string]any
}

func newFakeBotAPI(t *testing.T, updates [][]Update) (*httptest.Server, *[]recordedCall) {
	t.Helper()
	var calls []recordedCall
	var batch int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bottest-token/getUpdates" {
			var params map[string]any
			json.NewDecoder(r.Body).Decode(&params)
			calls = append(calls, recordedCall{Method: "getUpdates", Params: params})

			var result []Update
			if batch < len(updates) {
				result = updates[batch]
				batch++
			}
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
			return
		}

		var params map[string]any
		json.NewDecoder(r.Body).Decode(&params)
		method := r.URL.Path[len("/bottest-token/"):]
		calls = append(calls, recordedCall{Method: method, Params: params})
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": true})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient(url string) *Client {
	return NewClient("test-token", url, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGetUpdatesAdvancesOffset(t *testing.T) {
	srv, calls := newFakeBotAPI(t, [][]Update{
		{textUpdate(10, 42, "hola"), textUpdate(11, 42, "adiós")},
		{},
	})
	c := newTestClient(srv.URL)

	got, err := c.GetUpdates(context.Background())
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(got) != 2 || got[1].Message.Text != "adiós" {
		t.Errorf("updates = %+v", got)
	}

	if _, err := c.GetUpdates(context.Background()); err != nil {
		t.Fatalf("second GetUpdates: %v", err)
	}

	second := (*calls)[1]
	if offset, ok := second.Params["offset"].(float64); !ok || int64(offset) != 12 {
		t.Errorf("second poll offset = %v, want 12 (last id + 1)", second.Params["offset"])
	}
}

func TestSendMessage(t *testing.T) {
	srv, calls := newFakeBotAPI(t, nil)
	c := newTestClient(srv.URL)

	if err := c.SendMessage(context.Background(), 42, "Hola desde Argente"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	call := (*calls)[0]
	if call.Method != "sendMessage" {
		t.Fatalf("method = %s", call.Method)
	}
	if call.Params["text"] != "Hola desde Argente" {
		t.Errorf("params = %v", call.Params)
	}
	if id, _ := call.Params["chat_id"].(float64); int64(id) != 42 {
		t.Errorf("chat_id = %v", call.Params["chat_id"])
	}
}

func TestSendTyping(t *testing.T) {
	srv, calls := newFakeBotAPI(t, nil)
	c := newTestClient(srv.URL)

	if err := c.SendTyping(context.Background(), 42); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	call := (*calls)[0]
	if call.Method != "sendChatAction" || call.Params["action"] != "typing" {
		t.Errorf("call = %+v", call)
	}
}

func TestAPIErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok": false, "error_code": 401, "description": "Unauthorized",
		})
	}))
	defer srv.Close()
	c := newTestClient(srv.URL)

	err := c.SendMessage(context.Background(), 42, "hola")
	if err == nil {
		t.Fatal("expected error from not-ok envelope")
	}
}
