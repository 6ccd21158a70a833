// Package api wires the HTTP surface on top of go-chi/chi. Handler ordering
// for /generate -- validate, ensure the user, resolve a chat id, persist the
// user's turn, tokenize, admit -- keeps the user's message durable before a
// generation ever starts.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llm-infer-server/internal/chatstore"
	"llm-infer-server/internal/llama"
	"llm-infer-server/internal/scheduler"
)

// Host is the slice of *modelhost.Host the request router needs. Defined
// as an interface, matching internal/session's Host, so handlers can be
// exercised against a fake model in tests.
type Host interface {
	ModelID() string
	Encode(userText string) ([]llama.Token, error)
	StopToken() (llama.Token, bool)
	NewCache() (*llama.Cache, error)
	Forward(ctx []llama.Token, offset int, cache *llama.Cache) ([]float32, error)
	TokenToPiece(t llama.Token) []byte
}

// Deps are the services request handlers need.
type Deps struct {
	Host             Host
	Sched            *scheduler.Scheduler
	Store            *chatstore.Store
	DefaultMaxTokens int
}

// NewRouter builds the full request router.
func NewRouter(d Deps) http.Handler {
	h := &handlers{deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/generate", h.handleGenerate)
	r.Post("/fetch", h.handleFetch)
	r.Post("/history", h.handleHistory)
	r.Get("/next_chat_id", h.handleNextChatID)
	r.Delete("/chats/{chat_id}", h.handleDeleteChat)
	r.Delete("/users/{username}", h.handleDeleteUser)

	return r
}
