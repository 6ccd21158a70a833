// Package modelhost owns the single, process-wide model instance: the
// tokenizer, weights, device and config. It is created once at startup and
// never mutated afterward. After load the scheduler runs every forward pass;
// request handlers use it only to encode prompts, look up the stop token and
// allocate per-session caches.
package modelhost

import (
	"fmt"

	"llm-infer-server/internal/llama"
)

// instructionTemplate is fixed for the loaded model. Prompts are always
// wrapped in this template before tokenization; chat history persists the
// raw, untemplated text.
const instructionTemplate = "<s>[INST] <<SYS>>You are a helpful assistant.<</SYS>> %s [/INST]"

// Host is the public contract: load, encode, stop_token, new_cache, forward.
type Host struct {
	modelID string
	model   *llama.Model
	kvSize  int
}

// Load memory-maps the model file at path read-only and constructs one
// weight-sharing model instance; modelID is the name the host reports. It
// downloads nothing: path must already hold the model file.
// kvSize is the operator-configured context size; it is clamped to the
// model's trained maximum context.
func Load(modelID, path string, gpuLayers, kvSize int) (*Host, error) {
	m, err := llama.Load(path, gpuLayers)
	if err != nil {
		return nil, fmt.Errorf("modelhost: load %q: %w", modelID, err)
	}
	if kvSize <= 0 || kvSize > m.Config().MaxContext {
		kvSize = m.Config().MaxContext
	}
	return &Host{modelID: modelID, model: m, kvSize: kvSize}, nil
}

// ModelID returns the id this host was loaded with; the request router
// compares incoming requests against it.
func (h *Host) ModelID() string { return h.modelID }

// Config exposes the model's static shape (layer count, head dim, vocab
// size, maximum context).
func (h *Host) Config() llama.Config { return h.model.Config() }

// Encode wraps text in the fixed instruction template and BPE-encodes it,
// including the model's BOS marker.
func (h *Host) Encode(userText string) ([]llama.Token, error) {
	wrapped := fmt.Sprintf(instructionTemplate, userText)
	tokens, err := h.model.Encode(wrapped)
	if err != nil {
		return nil, fmt.Errorf("modelhost: tokenizer_failure: %w", err)
	}
	return tokens, nil
}

// StopToken returns the end-of-sequence token id, if the vocabulary declares
// one.
func (h *Host) StopToken() (llama.Token, bool) { return h.model.StopToken() }

// NewCache allocates zeroed KV tensors sized for the configured maximum
// context. Each session owns exactly one Cache for its lifetime.
func (h *Host) NewCache() (*llama.Cache, error) {
	cache, err := h.model.NewCache(h.kvSize)
	if err != nil {
		return nil, fmt.Errorf("modelhost: new_cache: %w", err)
	}
	return cache, nil
}

// Forward runs the transformer over ctx, reading/writing cache at
// [offset, offset+len(ctx)), and returns logits for the final position.
// Safe to call concurrently across distinct Cache values; the caller must
// hold exclusive access to the Cache it passes in.
func (h *Host) Forward(ctx []llama.Token, offset int, cache *llama.Cache) ([]float32, error) {
	return h.model.Forward(ctx, offset, cache)
}

// TokenToPiece decodes a single token id into its raw byte representation,
// used by the session's UTF-8 stream decoder.
func (h *Host) TokenToPiece(t llama.Token) []byte { return h.model.TokenToPiece(t) }
