package task

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// logPrefix marks lines written by the worker rather than the task
const logPrefix = "[burrow] "

// maxBacklog bounds the output kept for late sinks
const maxBacklog = 8 << 20

// Stream fans the task output out to every attached sink. Output written
// before a sink attaches is replayed to it, up to maxBacklog bytes.
type Stream struct {
	mu        sync.Mutex
	backlog   bytes.Buffer
	truncated bool
	sinks     []io.Writer
	closed    bool
}

// NewStream creates an empty stream
func NewStream() *Stream {
	return &Stream{}
}

// Write copies p to every sink. A sink that fails is detached; the stream
// itself never fails a write.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return len(p), nil
	}

	if s.backlog.Len()+len(p) <= maxBacklog {
		s.backlog.Write(p)
	} else {
		s.truncated = true
	}

	kept := s.sinks[:0]
	for _, w := range s.sinks {
		if _, err := w.Write(p); err == nil {
			kept = append(kept, w)
		}
	}
	s.sinks = kept
	return len(p), nil
}

// Attach adds w as a sink after replaying the backlog to it
func (s *Stream) Attach(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if _, err := w.Write(s.backlog.Bytes()); err != nil {
		return fmt.Errorf("failed to replay task log: %w", err)
	}
	if s.truncated {
		fmt.Fprintf(w, "%soutput truncated, log exceeded %d bytes before this sink attached\n", logPrefix, maxBacklog)
	}
	s.sinks = append(s.sinks, w)
	return nil
}

// Detach removes w. Detaching an unknown sink is a no-op.
func (s *Stream) Detach(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sink := range s.sinks {
		if sink == w {
			s.sinks = append(s.sinks[:i], s.sinks[i+1:]...)
			return
		}
	}
}

// Logf writes a worker line to the stream
func (s *Stream) Logf(format string, args ...interface{}) {
	_, _ = s.Write([]byte(logPrefix + fmt.Sprintf(format, args...) + "\n"))
}

// Close drops every sink. Later writes are discarded.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.sinks = nil
}

// String returns the retained output
func (s *Stream) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog.String()
}
