// Package llama is the cgo boundary onto llama.cpp: the numerical runtime
// that owns model weights, the tokenizer, and the transformer forward pass.
// Nothing above this package touches tensors directly; it exposes only the
// operations the model host needs (load, encode, allocate a cache, run one
// forward pass) and leaves sampling, repetition penalty, and UTF-8 streaming
// to the caller.
package llama

/*
#cgo CFLAGS: -Ofast -std=c11 -fPIC
#cgo CXXFLAGS: -std=c++11 -fPIC
#cgo LDFLAGS: -lllama -lggml -lm -lstdc++

#include <stdlib.h>
#include <string.h>
#include "llama.h"

// llg_decode runs one forward pass over n_tokens starting at position pos in
// the given context's KV cache, and requests logits only for the final
// position (the model host never needs intermediate logits).
static int llg_decode(struct llama_context *ctx, llama_token *tokens, int n_tokens, int pos) {
	if (n_tokens < 1) {
		return -1;
	}
	struct llama_batch batch = llama_batch_init(n_tokens, 0, 1);
	batch.n_tokens = n_tokens;
	for (int i = 0; i < n_tokens; i++) {
		batch.token[i]    = tokens[i];
		batch.pos[i]      = pos + i;
		batch.seq_id[i][0] = 0;
		batch.n_seq_id[i] = 1;
		batch.logits[i]   = (i == n_tokens - 1);
	}
	int rc = llama_decode(ctx, batch);
	llama_batch_free(batch);
	return rc;
}

static void llg_mute_log(enum ggml_log_level level, const char *text, void *user) {
	(void)user;
	if (level <= GGML_LOG_LEVEL_WARN) {
		fputs(text, stderr);
	}
}
*/
import "C"

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"
)

// Config is the immutable shape of a loaded model, read off the weights at
// load time.
type Config struct {
	LayerCount   int
	HeadDim      int
	VocabSize    int
	MaxContext   int
	EmbedDim     int
}

// Model is process-wide, read-only state: tokenizer, weights, device, dtype
// and config. It is created once at startup and never mutated after Load
// returns. Forward passes against different Cache values may run
// concurrently against the same Model because the weights are read-only;
// the scheduler is what serializes prefill, not this package.
type Model struct {
	ptr       *C.struct_llama_model
	cfg       Config
	bos       Token
	eos       Token
	hasEOS    bool
	closeOnce sync.Once
}

// Cache holds one session's private KV tensors: its own llama_context over
// the shared, read-only model weights. A Cache is exclusively owned by
// whichever goroutine is currently decoding that session; Forward must never
// be called concurrently against the same Cache.
type Cache struct {
	ptr      *C.struct_llama_context
	maxCtx   int
	closeOnce sync.Once
}

// Token is a vocabulary id.
type Token = int32

var (
	backendOnce sync.Once
)

func initBackend() {
	backendOnce.Do(func() {
		C.llama_backend_init()
		C.llama_log_set((C.ggml_log_callback)(C.llg_mute_log), nil)
	})
}

// ErrWeightsMissing, ErrConfigInvalid and ErrDeviceUnavailable classify
// model load failures.
var (
	ErrWeightsMissing    = errors.New("llama: model weights missing")
	ErrConfigInvalid     = errors.New("llama: model configuration invalid")
	ErrDeviceUnavailable = errors.New("llama: device unavailable")
)

// Load memory-maps the model at path read-only and constructs one
// weight-sharing Model instance. gpuLayers selects how many transformer
// layers to offload; 0 keeps everything on CPU.
func Load(path string, gpuLayers int) (*Model, error) {
	initBackend()

	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	params := C.llama_model_default_params()
	params.n_gpu_layers = C.int32_t(gpuLayers)
	params.use_mmap = C.bool(true)

	ptr := C.llama_load_model_from_file(cPath, params)
	if ptr == nil {
		return nil, fmt.Errorf("%w: %s", ErrWeightsMissing, path)
	}

	nCtxTrain := int(C.llama_n_ctx_train(ptr))
	if nCtxTrain < 1 {
		C.llama_free_model(ptr)
		return nil, fmt.Errorf("%w: missing n_ctx_train", ErrConfigInvalid)
	}

	m := &Model{
		ptr: ptr,
		cfg: Config{
			LayerCount: int(C.llama_n_layer(ptr)),
			HeadDim:    int(C.llama_n_embd_head_v(ptr)),
			VocabSize:  int(C.llama_n_vocab(ptr)),
			MaxContext: nCtxTrain,
			EmbedDim:   int(C.llama_n_embd(ptr)),
		},
		bos: Token(C.llama_token_bos(ptr)),
	}

	if eos := C.llama_token_eos(ptr); eos >= 0 {
		m.eos = Token(eos)
		m.hasEOS = true
	}

	runtime.SetFinalizer(m, (*Model).Close)
	return m, nil
}

// Config returns the model's static shape.
func (m *Model) Config() Config { return m.cfg }

// StopToken returns the end-of-sequence token id, if the vocabulary declares
// one.
func (m *Model) StopToken() (Token, bool) { return m.eos, m.hasEOS }

// Encode BPE-encodes text, including the model's BOS marker.
func (m *Model) Encode(text string) ([]Token, error) {
	if text == "" {
		return []Token{m.bos}, nil
	}

	cText := C.CString(text)
	defer C.free(unsafe.Pointer(cText))

	// llama_tokenize returns a negative count when the supplied buffer is too
	// small; size it generously (one token can legitimately be one byte).
	bufLen := len(text) + 8
	buf := make([]C.llama_token, bufLen)

	n := C.llama_tokenize(
		m.ptr,
		cText, C.int32_t(len(text)),
		(*C.llama_token)(unsafe.Pointer(&buf[0])), C.int32_t(bufLen),
		C.bool(true),  // add_special (BOS)
		C.bool(false), // parse_special
	)
	if n < 0 {
		// negative return is "-required size"; retry once with that size.
		need := int(-n)
		buf = make([]C.llama_token, need)
		n = C.llama_tokenize(
			m.ptr,
			cText, C.int32_t(len(text)),
			(*C.llama_token)(unsafe.Pointer(&buf[0])), C.int32_t(need),
			C.bool(true), C.bool(false),
		)
		if n < 0 {
			return nil, fmt.Errorf("llama: tokenizer_failure: encode %q", text)
		}
	}

	out := make([]Token, n)
	for i := 0; i < int(n); i++ {
		out[i] = Token(buf[i])
	}
	return out, nil
}

// TokenToPiece decodes a single token id into its raw (possibly partial
// UTF-8) byte representation. The caller is responsible for stitching
// multi-token UTF-8 sequences back together (see StreamDecoder).
func (m *Model) TokenToPiece(t Token) []byte {
	var buf [64]C.char
	n := C.llama_token_to_piece(m.ptr, C.llama_token(t), &buf[0], C.int32_t(len(buf)), 0, C.bool(true))
	if n < 0 {
		bufLen := int(-n)
		big := make([]C.char, bufLen)
		n = C.llama_token_to_piece(m.ptr, C.llama_token(t), &big[0], C.int32_t(bufLen), 0, C.bool(true))
		if n < 0 {
			return nil
		}
		return C.GoBytes(unsafe.Pointer(&big[0]), n)
	}
	return C.GoBytes(unsafe.Pointer(&buf[0]), n)
}

// NewCache allocates a fresh, zeroed per-session decoding context sized for
// maxContext tokens. The returned Cache is exclusively owned by the caller.
func (m *Model) NewCache(maxContext int) (*Cache, error) {
	cp := C.llama_context_default_params()
	cp.n_ctx = C.uint32_t(maxContext)
	cp.n_batch = C.uint32_t(maxContext)
	cp.n_seq_max = 1

	ptr := C.llama_new_context_with_model(m.ptr, cp)
	if ptr == nil {
		return nil, fmt.Errorf("%w: failed to allocate KV cache context", ErrDeviceUnavailable)
	}
	c := &Cache{ptr: ptr, maxCtx: maxContext}
	runtime.SetFinalizer(c, (*Cache).Close)
	return c, nil
}

// Forward runs the transformer over ctx, reading and writing the KV cache at
// positions [offset, offset+len(ctx)), and returns logits for the final
// position only. The caller must hold exclusive access to cache; concurrent
// Forward calls against distinct caches are safe because model weights are
// read-only.
func (m *Model) Forward(ctx []Token, offset int, cache *Cache) ([]float32, error) {
	if m.ptr == nil {
		return nil, errors.New("llama: forward called on a closed model")
	}
	if len(ctx) == 0 {
		return nil, errors.New("llama: forward called with empty context")
	}
	if offset+len(ctx) > cache.maxCtx {
		return nil, fmt.Errorf("llama: cache overflow: offset %d + len %d > max %d", offset, len(ctx), cache.maxCtx)
	}

	cTokens := make([]C.llama_token, len(ctx))
	for i, t := range ctx {
		cTokens[i] = C.llama_token(t)
	}

	rc := C.llg_decode(cache.ptr, (*C.llama_token)(unsafe.Pointer(&cTokens[0])), C.int(len(cTokens)), C.int(offset))
	if rc != 0 {
		return nil, fmt.Errorf("llama: decode failed with code %d", int(rc))
	}

	logitsPtr := C.llama_get_logits_ith(cache.ptr, C.int32_t(-1))
	if logitsPtr == nil {
		return nil, errors.New("llama: no logits produced for final position")
	}

	vocab := m.cfg.VocabSize
	out := make([]float32, vocab)
	src := unsafe.Slice((*C.float)(unsafe.Pointer(logitsPtr)), vocab)
	for i := 0; i < vocab; i++ {
		out[i] = float32(src[i])
	}
	return out, nil
}

// Close releases the model's weights. Safe to call once; further Forward
// calls against any Cache built from this Model will fail.
func (m *Model) Close() {
	m.closeOnce.Do(func() {
		if m.ptr != nil {
			C.llama_free_model(m.ptr)
			m.ptr = nil
		}
	})
}

// Close releases the session's private decoding context.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		if c.ptr != nil {
			C.llama_free(c.ptr)
			c.ptr = nil
		}
	})
}
