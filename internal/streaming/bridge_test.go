package streaming

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"llm-infer-server/internal/session"
)

func TestServeWritesTokenAndDoneFrames(t *testing.T) {
	ch := make(chan session.Event, 2)
	ch <- session.Event{Kind: session.TokenEvent, Piece: "hi", Index: 0}
	ch <- session.Event{Kind: session.DoneEvent, TotalTokens: 1}

	req := httptest.NewRequest(http.MethodGet, "/generate", nil)
	rec := httptest.NewRecorder()

	var persistedTokens int
	var persistedText string
	Serve(rec, req, ch, func(text string, totalTokens int) {
		persistedTokens = totalTokens
		persistedText = text
	})

	body := rec.Body.String()
	if !strings.Contains(body, `data: {"token":"hi","index":0}`) {
		t.Fatalf("missing token frame: %q", body)
	}
	if !strings.Contains(body, `data: {"done":true,"total_tokens":1}`) {
		t.Fatalf("missing done frame: %q", body)
	}
	if persistedTokens != 1 {
		t.Fatalf("expected onDone to be called with 1, got %d", persistedTokens)
	}
	if persistedText != "hi" {
		t.Fatalf("expected accumulated transcript %q, got %q", "hi", persistedText)
	}
}

func TestServeStopsOnErrorEvent(t *testing.T) {
	ch := make(chan session.Event, 1)
	ch <- session.Event{Kind: session.ErrorEvent, Message: "boom"}

	req := httptest.NewRequest(http.MethodGet, "/generate", nil)
	rec := httptest.NewRecorder()

	called := false
	Serve(rec, req, ch, func(string, int) { called = true })

	if !strings.Contains(rec.Body.String(), `data: {"error":"boom"}`) {
		t.Fatalf("missing error frame: %q", rec.Body.String())
	}
	if called {
		t.Fatalf("onDone should not be called on an error event")
	}
}

func TestServeReturnsWhenChannelClosed(t *testing.T) {
	ch := make(chan session.Event)
	close(ch)

	req := httptest.NewRequest(http.MethodGet, "/generate", nil)
	rec := httptest.NewRecorder()

	Serve(rec, req, ch, nil)
}
