package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/observe"
)

// ssePaddingSize is the size of the initial comment that defeats response
// buffering in intermediate proxies before the first real event.
const ssePaddingSize = 2048

// defaultKeepAliveInterval is how often an SSE comment is written while the
// turn produces no events, so idle connections are not reaped.
const defaultKeepAliveInterval = 15 * time.Second

// handleStream serves POST /v1/chat/stream: it decodes a chat request, runs
// one turn, and relays the event stream as server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Padding comment so proxies flush the headers and early chunks.
	fmt.Fprintf(w, ": %s\n\n", strings.Repeat(" ", ssePaddingSize))
	flusher.Flush()

	ctx := r.Context()
	observe.Logger(ctx).Debug("turn started",
		"transport", "sse",
		"turns", len(req.Turns),
		"authenticated", req.Authenticated,
	)
	events := s.orch.Stream(ctx, req)

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				// Client gone. The orchestrator notices via ctx and winds
				// down on its own.
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE frames one event as "event: <type>\ndata: <json>\n\n".
func writeSSE(w http.ResponseWriter, ev chat.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("server: encoding event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("server: writing event: %w", err)
	}
	return nil
}
