// Package session implements the per-request state machine: a growing token
// buffer, a private KV cache, sampler state, a UTF-8 stream decoder, and a
// bounded channel back to the streaming bridge. A Session is exclusively
// owned by the scheduler from the moment it is admitted until its terminal
// event is sent.
package session

import (
	"context"
	"fmt"

	"llm-infer-server/internal/llama"
)

// Host is the slice of the model host a session needs: one forward pass and
// one token-to-bytes lookup. Defined here (rather than importing
// *modelhost.Host directly) so sessions can be driven by a fake in tests
// instead of a loaded model.
type Host interface {
	Forward(ctx []llama.Token, offset int, cache *llama.Cache) ([]float32, error)
	TokenToPiece(t llama.Token) []byte
}

// EventKind tags the variant carried by Event.
type EventKind int

const (
	// TokenEvent carries one streamed piece.
	TokenEvent EventKind = iota
	// DoneEvent is the terminal success event.
	DoneEvent
	// ErrorEvent is the terminal failure event.
	ErrorEvent
)

// Event is a value sent from the scheduler to the streaming bridge over a
// session's bounded channel.
type Event struct {
	Kind        EventKind
	Piece       string
	Index       int
	TotalTokens int
	Message     string
}

// Outcome reports what a single RunStep call did.
type Outcome int

const (
	// Continue means the session made progress and should be re-queued for
	// another decode step.
	Continue Outcome = iota
	// Busy means a piece is waiting to be delivered to a slow consumer; the
	// scheduler should re-queue this session without running another
	// forward pass.
	Busy
	// Finished means the session is done: either a terminal event was sent,
	// or cancelCtx was done and no further work is needed.
	Finished
)

const (
	defaultMaxTokens    = 256
	repeatPenaltyWindow = 64
	repeatPenalty       = 1.1
)

// Session is the per-request state for one in-flight generation.
type Session struct {
	ID string

	host      Host
	sender    chan<- Event
	cancelCtx context.Context

	tokens   []llama.Token
	cache    *llama.Cache
	ctxIndex int

	sampler *llama.Sampler
	decoder llama.StreamDecoder

	stopToken llama.Token
	hasStop   bool

	budget        int
	streamedCount int
	done          bool

	pending *Event
}

// New constructs a session from an already-tokenized prompt. tokens must be
// the full encoded prompt. sender should be buffered so a burst of tokens
// doesn't immediately stall the scheduler. cancelCtx is the lifetime of the
// client connection the session is streaming to (typically the HTTP
// request's context): once it is done, RunStep abandons the session on its
// next visit instead of continuing to decode for a reader that is gone.
func New(id string, host Host, tokens []llama.Token, cache *llama.Cache, stopToken llama.Token, hasStop bool, maxTokens int, sender chan<- Event, cancelCtx context.Context) *Session {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if cancelCtx == nil {
		cancelCtx = context.Background()
	}
	return &Session{
		ID:        id,
		host:      host,
		sender:    sender,
		cancelCtx: cancelCtx,
		tokens:    append([]llama.Token{}, tokens...),
		cache:     cache,
		sampler:   llama.NewSampler(),
		stopToken: stopToken,
		hasStop:   hasStop,
		budget:    maxTokens,
	}
}

// Done reports whether the session has reached a terminal state.
func (s *Session) Done() bool { return s.done }

// RunStep performs one forward pass: full prompt on prefill, the last single
// token on decode. ctx bounds how long RunStep will block trying to deliver
// a pending piece to a slow consumer before reporting Busy.
func (s *Session) RunStep(ctx context.Context, prefill bool) (Outcome, error) {
	if s.done {
		return Finished, nil
	}

	if s.cancelCtx.Err() != nil {
		s.done = true
		return Finished, nil
	}

	if s.pending != nil {
		if !s.trySend(ctx, *s.pending) {
			return Busy, nil
		}
		s.pending = nil
		s.streamedCount++
		if s.hasStop && s.tokens[len(s.tokens)-1] == s.stopToken {
			s.finalize()
			return Finished, nil
		}
	}

	if s.budget <= 0 {
		s.finalize()
		return Finished, nil
	}

	var input []llama.Token
	var offset int
	if prefill {
		input = s.tokens
		offset = 0
	} else {
		input = s.tokens[len(s.tokens)-1:]
		offset = s.ctxIndex
	}

	logits, err := s.host.Forward(input, offset, s.cache)
	if err != nil {
		s.emitError(fmt.Sprintf("scheduler-internal: %v", err))
		s.done = true
		return Finished, err
	}

	start := len(s.tokens) - repeatPenaltyWindow
	if start < 0 {
		start = 0
	}
	llama.ApplyRepeatPenalty(logits, s.tokens[start:], repeatPenalty)

	next := s.sampler.Sample(logits)

	s.ctxIndex += len(input)
	s.tokens = append(s.tokens, next)
	s.budget--

	if piece, ok := s.decoder.Push(s.host.TokenToPiece(next)); ok {
		ev := Event{Kind: TokenEvent, Piece: piece, Index: s.streamedCount}
		if s.trySend(ctx, ev) {
			s.streamedCount++
		} else {
			s.pending = &ev
			// the piece itself isn't counted until delivered; RunStep will
			// retry delivery, then increment, on a later turn.
			return Busy, nil
		}
	}

	if s.hasStop && next == s.stopToken {
		s.finalize()
		return Finished, nil
	}
	if s.budget <= 0 {
		s.finalize()
		return Finished, nil
	}

	return Continue, nil
}

// finalize flushes any pending bytes in the UTF-8 decoder as a trailing
// piece, then emits a Done event. Idempotent because done is already set by
// the time a second call could occur.
func (s *Session) finalize() {
	if s.done {
		return
	}
	if rest, ok := s.decoder.Flush(); ok {
		if s.trySend(context.Background(), Event{Kind: TokenEvent, Piece: rest, Index: s.streamedCount}) {
			s.streamedCount++
		}
	}
	s.trySend(context.Background(), Event{Kind: DoneEvent, TotalTokens: s.streamedCount})
	s.done = true
}

func (s *Session) emitError(message string) {
	s.trySend(context.Background(), Event{Kind: ErrorEvent, Message: message})
}

// trySend attempts to deliver ev before ctx is done, reporting whether it
// was delivered. A false return means ctx expired first (or cancelCtx ended
// while waiting) and the caller should retry later.
func (s *Session) trySend(ctx context.Context, ev Event) bool {
	select {
	case s.sender <- ev:
		return true
	default:
	}

	select {
	case s.sender <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-s.cancelCtx.Done():
		return false
	}
}
