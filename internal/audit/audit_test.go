package audit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEmitFillsRing(t *testing.T) {
	s := NewSink(nil)
	for i := 0; i < 5; i++ {
		s.Emit(Entry{Kind: "route", Arm: "openai"})
	}
	s.Close()

	got := s.Recent(0)
	if len(got) != 5 {
		t.Fatalf("ring size = %d, want 5", len(got))
	}
	for _, e := range got {
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Fatalf("entry missing id/timestamp: %+v", e)
		}
	}
}

func TestRingBounded(t *testing.T) {
	s := NewSink(nil, WithRingSize(10))
	for i := 0; i < 50; i++ {
		s.Emit(Entry{Kind: "route"})
	}
	s.Close()
	if got := len(s.Recent(0)); got != 10 {
		t.Fatalf("ring should cap at 10, got %d", got)
	}
}

func TestWriterReceivesEntries(t *testing.T) {
	var mu sync.Mutex
	var written []Entry
	s := NewSink(nil, WithWriter(func(e Entry) error {
		mu.Lock()
		written = append(written, e)
		mu.Unlock()
		return nil
	}))

	s.Emit(Entry{Kind: "violation", Arm: "anthropic"})
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(written) != 1 || written[0].Kind != "violation" {
		t.Fatalf("writer missed entries: %+v", written)
	}
}

func TestWriterFailureDoesNotBlock(t *testing.T) {
	s := NewSink(nil, WithWriter(func(e Entry) error {
		return errors.New("sink down")
	}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Emit(Entry{Kind: "route"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emitting must never block on writer failures")
	}
	s.Close()
}
