package session

import (
	"context"
	"testing"

	"llm-infer-server/internal/llama"
)

// fakeHost emits a tiny fixed vocabulary and stops after a handful of steps
// by always favoring the stop token once enough tokens have been produced.
type fakeHost struct {
	vocab     [][]byte
	forwardN  int
	stopToken llama.Token
}

func (f *fakeHost) Forward(ctx []llama.Token, offset int, cache *llama.Cache) ([]float32, error) {
	f.forwardN++
	logits := make([]float32, len(f.vocab))
	if f.forwardN >= 2 {
		logits[f.stopToken] = 100
	} else {
		logits[0] = 100
	}
	return logits, nil
}

func (f *fakeHost) TokenToPiece(t llama.Token) []byte { return f.vocab[t] }

func newFakeHost() *fakeHost {
	return &fakeHost{
		vocab:     [][]byte{[]byte("a"), []byte("b"), []byte("STOP")},
		stopToken: 1,
	}
}

func TestSessionRunsToCompletion(t *testing.T) {
	host := newFakeHost()
	sender := make(chan Event, 100)
	s := New("s1", host, []llama.Token{0}, nil, host.stopToken, true, 10, sender, context.Background())

	ctx := context.Background()
	outcome, err := s.RunStep(ctx, true)
	if err != nil || outcome != Continue {
		t.Fatalf("prefill step: outcome=%v err=%v", outcome, err)
	}

	for !s.Done() {
		outcome, err := s.RunStep(ctx, false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome == Busy {
			t.Fatalf("unexpected busy with a buffered channel")
		}
	}

	close(sender)
	var gotDone bool
	for ev := range sender {
		if ev.Kind == DoneEvent {
			gotDone = true
		}
	}
	if !gotDone {
		t.Fatalf("expected a terminal done event")
	}
}

func TestSessionStopsAtBudget(t *testing.T) {
	host := &fakeHost{vocab: [][]byte{[]byte("a")}, stopToken: 0}
	sender := make(chan Event, 100)
	s := New("s2", host, []llama.Token{0}, nil, 99, false, 3, sender, context.Background())

	ctx := context.Background()
	s.RunStep(ctx, true)
	for i := 0; i < 10 && !s.Done(); i++ {
		s.RunStep(ctx, false)
	}
	if !s.Done() {
		t.Fatalf("expected session to finish once budget is exhausted")
	}
}

func TestSessionBusyThenDelivers(t *testing.T) {
	host := newFakeHost()
	sender := make(chan Event) // unbuffered: first send always blocks
	s := New("s3", host, []llama.Token{0}, nil, host.stopToken, true, 10, sender, context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already-done context: trySend's non-blocking path still gets one shot

	outcome, err := s.RunStep(ctx, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// prefill samples "a", which nobody is reading yet, so it stays pending
	if outcome != Busy {
		t.Fatalf("expected Busy while the piece cannot be delivered, got %v", outcome)
	}

	done := make(chan struct{})
	go func() {
		for ev := range sender {
			if ev.Kind == DoneEvent {
				break
			}
		}
		close(done)
	}()

	bg := context.Background()
	for i := 0; i < 5 && !s.Done(); i++ {
		s.RunStep(bg, false)
	}
	<-done
}

func TestSessionFinishesPromptlyWhenClientDisconnects(t *testing.T) {
	host := newFakeHost()
	sender := make(chan Event, 100)
	clientCtx, disconnect := context.WithCancel(context.Background())
	s := New("s4", host, []llama.Token{0}, nil, host.stopToken, true, 10, sender, clientCtx)

	bg := context.Background()
	outcome, err := s.RunStep(bg, true)
	if err != nil || outcome != Continue {
		t.Fatalf("prefill step: outcome=%v err=%v", outcome, err)
	}

	disconnect()

	outcome, err = s.RunStep(bg, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Finished {
		t.Fatalf("expected Finished on the first step after disconnect, got %v", outcome)
	}
	if !s.Done() {
		t.Fatalf("expected session to be marked done")
	}
}
