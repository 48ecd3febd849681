package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Stream writes typed SSE frames directly to an http.ResponseWriter,
// built on the standard http.Flusher so delivery is incremental.
type Stream struct {
	mu sync.Mutex // serializes heartbeat and broker-forwarded writes
	w  http.ResponseWriter
	f  http.Flusher
}

// NewStream wraps w, returning an error if the underlying ResponseWriter
// does not support flushing (required for incremental SSE delivery).
func NewStream(w http.ResponseWriter) (*Stream, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("events: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &Stream{w: w, f: f}, nil
}

// Write emits one SSE frame: event: <eventType>\ndata: <json>\n\n, then
// flushes immediately. A heartbeat write failure is the caller's signal to
// treat the connection as disconnected.
func (s *Stream) Write(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal %s payload: %w", eventType, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return fmt.Errorf("events: write %s frame: %w", eventType, err)
	}
	s.f.Flush()
	return nil
}
