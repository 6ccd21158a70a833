package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"llm-infer-server/internal/chatstore"
	"llm-infer-server/internal/llama"
	"llm-infer-server/internal/scheduler"
)

type fakeHost struct {
	modelID   string
	stopToken llama.Token
	vocab     [][]byte
}

func (f *fakeHost) ModelID() string { return f.modelID }

func (f *fakeHost) Encode(text string) ([]llama.Token, error) {
	return []llama.Token{0}, nil
}

func (f *fakeHost) StopToken() (llama.Token, bool) { return f.stopToken, true }

func (f *fakeHost) NewCache() (*llama.Cache, error) { return nil, nil }

func (f *fakeHost) Forward(ctx []llama.Token, offset int, cache *llama.Cache) ([]float32, error) {
	logits := make([]float32, len(f.vocab))
	logits[f.stopToken] = 100
	return logits, nil
}

func (f *fakeHost) TokenToPiece(t llama.Token) []byte { return f.vocab[t] }

func newTestHandlers(t *testing.T) *handlers {
	t.Helper()
	host := &fakeHost{modelID: "tinyllama", stopToken: 1, vocab: [][]byte{[]byte("a"), []byte("STOP")}}
	sched := scheduler.New(4)
	store, err := chatstore.Open(filepath.Join(t.TempDir(), "chats.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &handlers{deps: Deps{Host: host, Sched: sched, Store: store}}
}

func TestHandleGenerateRejectsEmptyPrompt(t *testing.T) {
	h := newTestHandlers(t)
	body := strings.NewReader(`{"username":"alice","prompt":""}`)
	req := httptest.NewRequest(http.MethodPost, "/generate", body)
	rec := httptest.NewRecorder()

	h.handleGenerate(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGenerateRejectsUnknownModel(t *testing.T) {
	h := newTestHandlers(t)
	body := strings.NewReader(`{"username":"alice","prompt":"hi","model":"not-the-model"}`)
	req := httptest.NewRequest(http.MethodPost, "/generate", body)
	rec := httptest.NewRecorder()

	h.handleGenerate(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleNextChatIDRequiresUsername(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/next_chat_id", nil)
	rec := httptest.NewRecorder()

	h.handleNextChatID(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleNextChatIDAllocates(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/next_chat_id?username=bob", nil)
	rec := httptest.NewRecorder()

	h.handleNextChatID(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["chat_id"] != 1 {
		t.Fatalf("expected chat_id 1, got %d", out["chat_id"])
	}
}

func TestHandleFetchMissingChatReturns404(t *testing.T) {
	h := newTestHandlers(t)
	body := strings.NewReader(`{"username":"carol","chat_id":999}`)
	req := httptest.NewRequest(http.MethodPost, "/fetch", body)
	rec := httptest.NewRecorder()

	h.handleFetch(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
