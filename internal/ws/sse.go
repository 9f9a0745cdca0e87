package ws

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/splax/devspace/internal/domain"
)

const defaultEventName = "status"

// SSEStream writes project events as named Server-Sent Events. The event
// name is the event type, so browsers can attach one listener per
// transition, and ids count up per stream.
type SSEStream struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	seq     uint64
	closed  bool
}

// NewSSEStream wraps a response that already carries event-stream headers.
func NewSSEStream(w io.Writer, flusher http.Flusher) *SSEStream {
	return &SSEStream{w: w, flusher: flusher}
}

// Send writes one event frame.
func (s *SSEStream) Send(event domain.ProjectEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	name := event.Type
	if name == "" {
		name = defaultEventName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.EOF
	}
	s.seq++
	return s.flush("id: %d\nevent: %s\ndata: %s\n\n", s.seq, name, data)
}

// Heartbeat writes a comment frame so proxies keep the stream open.
func (s *SSEStream) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.EOF
	}
	return s.flush(": keepalive\n\n")
}

// flush writes a frame. Callers hold s.mu.
func (s *SSEStream) flush(format string, args ...any) error {
	if _, err := fmt.Fprintf(s.w, format, args...); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close stops further writes.
func (s *SSEStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
