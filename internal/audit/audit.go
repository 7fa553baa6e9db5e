// Package audit provides the append-only audit sink. Emissions are
// non-blocking relative to the request hot path: entries go into a buffered
// channel drained by a single writer goroutine, and a bounded in-memory
// ring keeps recent entries available for introspection even when no
// persistent writer is attached.
package audit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one audit record.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	RequestID string    `json:"request_id,omitempty"`
	Arm       string    `json:"arm,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Writer persists entries. Failures are logged and retried once; the sink
// never blocks or fails the caller.
type Writer func(Entry) error

// Sink is the buffered audit emitter.
type Sink struct {
	logger *slog.Logger
	writer Writer

	queue chan Entry
	done  chan struct{}

	mu      sync.RWMutex
	ring    []Entry
	maxRing int
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithWriter attaches a persistent writer.
func WithWriter(w Writer) SinkOption {
	return func(s *Sink) { s.writer = w }
}

// WithRingSize bounds the in-memory ring (default 1000).
func WithRingSize(n int) SinkOption {
	return func(s *Sink) {
		if n > 0 {
			s.maxRing = n
		}
	}
}

// NewSink creates and starts an audit sink.
func NewSink(logger *slog.Logger, opts ...SinkOption) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		logger:  logger,
		queue:   make(chan Entry, 1024),
		done:    make(chan struct{}),
		maxRing: 1000,
	}
	for _, o := range opts {
		o(s)
	}
	go s.drain()
	return s
}

// Emit enqueues one entry. When the buffer is full the entry is dropped
// with a log line rather than blocking the caller.
func (s *Sink) Emit(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("audit buffer full, dropping entry",
			slog.String("kind", e.Kind))
	}
}

// drain is the single writer: it appends to the ring and forwards to the
// persistent writer with one retry.
func (s *Sink) drain() {
	for e := range s.queue {
		s.mu.Lock()
		s.ring = append(s.ring, e)
		if len(s.ring) > s.maxRing {
			s.ring = s.ring[len(s.ring)-s.maxRing:]
		}
		s.mu.Unlock()

		if s.writer == nil {
			continue
		}
		if err := s.writer(e); err != nil {
			if err = s.writer(e); err != nil {
				s.logger.Warn("audit write failed",
					slog.String("kind", e.Kind),
					slog.String("error", err.Error()))
			}
		}
	}
	close(s.done)
}

// Recent returns up to limit of the most recent entries, newest last.
func (s *Sink) Recent(limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.ring) {
		limit = len(s.ring)
	}
	out := make([]Entry, limit)
	copy(out, s.ring[len(s.ring)-limit:])
	return out
}

// Close stops the sink after draining queued entries.
func (s *Sink) Close() {
	close(s.queue)
	<-s.done
}
