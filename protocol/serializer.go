package protocol

import (
	"fmt"
	"io"
	"sync"
)

// CommandSerializer is the outgoing byte sink. A writer reserves a region,
// fills it completely and commits it; the sink publishes committed regions
// in commit order and never exposes a partially filled one.
type CommandSerializer interface {
	// Reserve returns a writable region of exactly n bytes.
	Reserve(n int) ([]byte, error)

	// Commit publishes the region returned by the last Reserve.
	Commit() error
}

// BufferSerializer collects committed replies in memory.
//
// It is safe for concurrent use; Take may be called while another goroutine
// writes replies.
type BufferSerializer struct {
	mu        sync.Mutex
	committed []byte
	reserved  []byte
	closed    bool
}

// NewBufferSerializer creates an empty in-memory sink.
func NewBufferSerializer() *BufferSerializer {
	return &BufferSerializer{}
}

// Reserve implements CommandSerializer.
func (s *BufferSerializer) Reserve(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSerializerClosed
	}
	if cap(s.reserved) < n {
		s.reserved = make([]byte, n)
	}
	s.reserved = s.reserved[:n]
	return s.reserved, nil
}

// Commit implements CommandSerializer.
func (s *BufferSerializer) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSerializerClosed
	}
	s.committed = append(s.committed, s.reserved...)
	s.reserved = s.reserved[:0]
	return nil
}

// Take returns every committed byte and empties the sink.
func (s *BufferSerializer) Take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.committed
	s.committed = nil
	return out
}

// Len returns the number of committed bytes not yet taken.
func (s *BufferSerializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed)
}

// Close makes further Reserve and Commit calls fail.
func (s *BufferSerializer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// WriterSerializer forwards each committed region to an io.Writer.
type WriterSerializer struct {
	mu      sync.Mutex
	w       io.Writer
	pending []byte
}

// NewWriterSerializer creates a sink that writes to w.
func NewWriterSerializer(w io.Writer) *WriterSerializer {
	return &WriterSerializer{w: w}
}

// Reserve implements CommandSerializer.
func (s *WriterSerializer) Reserve(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cap(s.pending) < n {
		s.pending = make([]byte, n)
	}
	s.pending = s.pending[:n]
	return s.pending, nil
}

// Commit implements CommandSerializer.
func (s *WriterSerializer) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(s.pending)
	s.pending = s.pending[:0]
	return err
}

// ReplyWriter encodes typed replies into a CommandSerializer. Each Write is
// a single reserve/fill/commit cycle, so replies from different goroutines
// never interleave.
type ReplyWriter struct {
	mu  sync.Mutex
	out CommandSerializer
}

// NewReplyWriter creates a writer over out.
func NewReplyWriter(out CommandSerializer) *ReplyWriter {
	return &ReplyWriter{out: out}
}

// Write encodes and commits m.
func (w *ReplyWriter) Write(m Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := EncodedSize(m)
	region, err := w.out.Reserve(n)
	if err != nil {
		return fmt.Errorf("reserve %d bytes: %w", n, err)
	}
	if len(region) != n {
		return fmt.Errorf("reserve %d bytes: got %d", n, len(region))
	}
	AppendMessage(region[:0:n], m)
	return w.out.Commit()
}
