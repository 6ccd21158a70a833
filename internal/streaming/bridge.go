// Package streaming bridges a session's event channel to an HTTP response
// as Server-Sent Events: raw fmt.Fprintf frames flushed through
// http.Flusher, a 15-second keep-alive comment ticker, and Prometheus
// connection metrics.
package streaming

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"llm-infer-server/internal/session"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "llm_sse_active_connections",
		Help: "Number of open SSE streaming connections",
	})
	totalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llm_sse_total_connections",
		Help: "Total number of SSE streaming connections opened",
	})
	messagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llm_sse_messages_delivered_total",
		Help: "Total number of SSE frames delivered",
	})
	connectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "llm_sse_connection_duration_seconds",
		Help:    "Duration of SSE streaming connections",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})
)

const keepAliveInterval = 15 * time.Second

// tokenFrame is the JSON payload of a "data:" line.
type tokenFrame struct {
	Token string `json:"token"`
	Index int    `json:"index"`
}

type doneFrame struct {
	Done        bool `json:"done"`
	TotalTokens int  `json:"total_tokens"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// PersistDone is invoked once, after a Done event, with the concatenated
// reply text and its token count. The request router supplies a closure
// over the chat store to persist the assistant's reply.
type PersistDone func(text string, totalTokens int)

// Serve drains events from ch and writes them as SSE frames to w until
// either a terminal event arrives or the client disconnects (r.Context()
// cancelled). A dropped client does not call onDone.
func Serve(w http.ResponseWriter, r *http.Request, ch <-chan session.Event, onDone PersistDone) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	start := time.Now()
	activeConnections.Inc()
	totalConnections.Inc()
	defer func() {
		activeConnections.Dec()
		connectionDuration.Observe(time.Since(start).Seconds())
	}()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	var transcript strings.Builder
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.Kind == session.TokenEvent {
				transcript.WriteString(ev.Piece)
			}
			if !writeEvent(w, flusher, ev) {
				return
			}
			switch ev.Kind {
			case session.DoneEvent:
				if onDone != nil {
					onDone(transcript.String(), ev.TotalTokens)
				}
				return
			case session.ErrorEvent:
				return
			}

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev session.Event) bool {
	var payload any

	switch ev.Kind {
	case session.TokenEvent:
		payload = tokenFrame{Token: ev.Piece, Index: ev.Index}
	case session.DoneEvent:
		payload = doneFrame{Done: true, TotalTokens: ev.TotalTokens}
	case session.ErrorEvent:
		payload = errorFrame{Error: ev.Message}
	default:
		return true
	}

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("streaming: marshal frame", "error", err)
		return false
	}

	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
	messagesDelivered.Inc()
	return true
}
