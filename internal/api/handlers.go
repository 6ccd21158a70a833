package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"llm-infer-server/internal/chatstore"
	"llm-infer-server/internal/session"
	"llm-infer-server/internal/streaming"
)

type handlers struct {
	deps Deps
}

func (h *handlers) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "llm-infer-server: serving %s\n", h.deps.Host.ModelID())
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type generateRequest struct {
	Username  string `json:"username"`
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	ChatID    *int64 `json:"chat_id,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// handleGenerate implements /generate: validate, ensure the user, resolve a
// chat id, persist the user's turn, tokenize, admit, stream. The user
// message is persisted before admission so a crash mid-generation still
// leaves the prompt in the transcript.
func (h *handlers) handleGenerate(w http.ResponseWriter, r *http.Request) {
	sseError := func(status int, msg string) {
		data, _ := json.Marshal(map[string]string{"error": msg})
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		fmt.Fprintf(w, "data: %s\n\n", data)
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		sseError(http.StatusBadRequest, "prompt must not be empty")
		return
	}
	if req.Username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}
	if req.Model != "" && req.Model != h.deps.Host.ModelID() {
		sseError(http.StatusBadRequest, fmt.Sprintf("requested model %s is unavailable, only %s is loaded", req.Model, h.deps.Host.ModelID()))
		return
	}

	ctx := r.Context()

	userID, err := h.deps.Store.EnsureUser(ctx, req.Username)
	if err != nil {
		http.Error(w, "failed to resolve user", http.StatusInternalServerError)
		return
	}
	modelID, err := h.deps.Store.EnsureModel(ctx, h.deps.Host.ModelID())
	if err != nil {
		http.Error(w, "failed to resolve model", http.StatusInternalServerError)
		return
	}

	var chatID int64
	if req.ChatID != nil {
		chatID = *req.ChatID
	} else {
		chatID, err = h.deps.Store.NextChatID(ctx, userID)
		if err != nil {
			http.Error(w, "failed to allocate chat id", http.StatusInternalServerError)
			return
		}
	}

	if _, err := h.deps.Store.AppendMessage(ctx, userID, chatID, sql.NullInt64{Int64: modelID, Valid: true}, "user", req.Prompt); err != nil {
		http.Error(w, "failed to persist prompt", http.StatusInternalServerError)
		return
	}

	tokens, err := h.deps.Host.Encode(req.Prompt)
	if err != nil {
		sseError(http.StatusInternalServerError, "tokenizer failure")
		return
	}

	cache, err := h.deps.Host.NewCache()
	if err != nil {
		http.Error(w, "failed to allocate context", http.StatusInternalServerError)
		return
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = h.deps.DefaultMaxTokens
	}

	stopToken, hasStop := h.deps.Host.StopToken()
	sender := make(chan session.Event, 100)
	sess := session.New(uuid.NewString(), h.deps.Host, tokens, cache, stopToken, hasStop, maxTokens, sender, ctx)

	if err := h.deps.Sched.Admit(ctx, sess); err != nil {
		if ctx.Err() != nil {
			return
		}
		sseError(http.StatusServiceUnavailable, "server busy")
		return
	}

	streaming.Serve(w, r, sender, func(text string, totalTokens int) {
		h.deps.Store.AppendMessage(ctx, userID, chatID, sql.NullInt64{Int64: modelID, Valid: true}, "assistant", text)
	})
}

type fetchRequest struct {
	Username string `json:"username"`
	ChatID   int64  `json:"chat_id"`
}

func (h *handlers) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	userID, err := h.deps.Store.EnsureUser(ctx, req.Username)
	if err != nil {
		http.Error(w, "failed to resolve user", http.StatusInternalServerError)
		return
	}

	msgs, err := h.deps.Store.FetchChat(ctx, userID, req.ChatID)
	if errors.Is(err, chatstore.ErrNotFound) {
		http.Error(w, "chat not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to fetch chat", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msgs)
}

type historyRequest struct {
	Username string `json:"username"`
}

func (h *handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	userID, err := h.deps.Store.EnsureUser(ctx, req.Username)
	if err != nil {
		http.Error(w, "failed to resolve user", http.StatusInternalServerError)
		return
	}

	chats, err := h.deps.Store.FetchHistory(ctx, userID)
	if err != nil {
		http.Error(w, "failed to fetch history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chats)
}

func (h *handlers) handleNextChatID(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	userID, err := h.deps.Store.EnsureUser(ctx, username)
	if err != nil {
		http.Error(w, "failed to resolve user", http.StatusInternalServerError)
		return
	}
	next, err := h.deps.Store.NextChatID(ctx, userID)
	if err != nil {
		http.Error(w, "failed to allocate chat id", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"chat_id": next})
}

// handleDeleteChat and handleDeleteUser are maintenance endpoints; they take
// a username query param since the only identity this server knows is a
// username.
func (h *handlers) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	chatID, err := strconv.ParseInt(chi.URLParam(r, "chat_id"), 10, 64)
	if username == "" || err != nil {
		http.Error(w, "username query param and a numeric chat_id are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	userID, err := h.deps.Store.EnsureUser(ctx, username)
	if err != nil {
		http.Error(w, "failed to resolve user", http.StatusInternalServerError)
		return
	}
	if err := h.deps.Store.DeleteChat(ctx, userID, chatID); err != nil {
		http.Error(w, "failed to delete chat", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	userID, err := h.deps.Store.EnsureUser(ctx, username)
	if err != nil {
		http.Error(w, "failed to resolve user", http.StatusInternalServerError)
		return
	}
	if err := h.deps.Store.DeleteUser(ctx, userID); err != nil {
		http.Error(w, "failed to delete user", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
