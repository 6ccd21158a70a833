// Package scheduler implements the two-phase prefill/decode loop: prefill
// runs exclusively, one session at a time, before any decode step; admitted
// sessions then take turns round-robin, one token per visit, in FIFO order.
// It is driven by exactly one goroutine, which owns every admitted session
// and runs all of their forward passes.
package scheduler

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"llm-infer-server/internal/metrics"
	"llm-infer-server/internal/session"
)

const (
	defaultMaxConcurrent = 8
	stepSendTimeout      = 50 * time.Millisecond
)

// Scheduler serializes all model access behind one admission-gated FIFO.
type Scheduler struct {
	sem *semaphore.Weighted

	mu       sync.Mutex
	cond     *sync.Cond
	prefillQ []*session.Session
	ring     *list.List
	closed   bool
}

// New builds a scheduler with an admission cap of maxConcurrent in-flight
// sessions. maxConcurrent <= 0 defaults to 8.
func New(maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	s := &Scheduler{
		sem:  semaphore.NewWeighted(int64(maxConcurrent)),
		ring: list.New(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Admit blocks until an admission slot is available, then enqueues sess for
// its prefill pass. Returns ctx.Err() if ctx is cancelled first, without
// enqueueing.
func (s *Scheduler) Admit(ctx context.Context, sess *session.Session) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.mu.Lock()
	s.prefillQ = append(s.prefillQ, sess)
	s.mu.Unlock()
	metrics.SessionsAdmitted.Inc()
	metrics.SessionsActive.Inc()
	s.cond.Signal()
	return nil
}

// Run drives the scheduler loop until ctx is cancelled. Call it from exactly
// one goroutine; the model and every session's KV cache are only ever
// touched from here.
func (s *Scheduler) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cond.Broadcast()
	}()
	defer close(done)

	for {
		sess, isPrefill := s.next()
		if sess == nil {
			return
		}

		stepCtx, cancel := context.WithTimeout(context.Background(), stepSendTimeout)
		outcome, _ := sess.RunStep(stepCtx, isPrefill)
		cancel()

		switch outcome {
		case session.Finished:
			s.sem.Release(1)
			metrics.SessionsActive.Dec()
		case session.Continue:
			metrics.TokensGenerated.Inc()
			s.mu.Lock()
			s.ring.PushBack(sess)
			s.mu.Unlock()
			s.cond.Signal()
		case session.Busy:
			s.mu.Lock()
			s.ring.PushBack(sess)
			s.mu.Unlock()
			s.cond.Signal()
		}

		s.mu.Lock()
		metrics.PrefillQueueDepth.Set(float64(len(s.prefillQ)))
		metrics.DecodeRingDepth.Set(float64(s.ring.Len()))
		s.mu.Unlock()
	}
}

// next blocks until there is a prefill request or a ring entry to service,
// or the scheduler is closed with nothing left to do. Prefill requests are
// always drained before any decode turn: a session's prompt must finish its
// single forward pass before it joins the round-robin ring, and no
// in-flight decode session is serviced while a prefill is pending.
func (s *Scheduler) next() (sess *session.Session, isPrefill bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.prefillQ) == 0 && s.ring.Len() == 0 {
		if s.closed {
			return nil, false
		}
		s.cond.Wait()
	}
	if len(s.prefillQ) > 0 {
		sess = s.prefillQ[0]
		s.prefillQ = s.prefillQ[1:]
		return sess, true
	}
	front := s.ring.Front()
	s.ring.Remove(front)
	return front.Value.(*session.Session), false
}
