package sink

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/you/chzzk-chat/internal/core"
	"github.com/you/chzzk-chat/internal/ingesttrace"
)

type recordingWriter struct {
	mu        sync.Mutex
	events    []core.ChatEvent
	failAfter int
	calls     int
}

func (r *recordingWriter) Write(ev core.ChatEvent, _ *ingesttrace.EventTrace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAfter > 0 && r.calls >= r.failAfter {
		return fmt.Errorf("boom")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingWriter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBufferedWriterBatchFlush(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 2, FlushInterval: time.Hour})
	defer func() {
		if err := bw.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := bw.Write(core.ChatEvent{ID: "1"}, nil); err != nil {
		t.Fatalf("write1: %v", err)
	}
	if base.Count() != 0 {
		t.Fatalf("expected no flush yet")
	}
	if err := bw.Write(core.ChatEvent{ID: "2"}, nil); err != nil {
		t.Fatalf("write2: %v", err)
	}
	if base.Count() != 2 {
		t.Fatalf("expected batch flush, got %d", base.Count())
	}
}

func TestBufferedWriterFlushInterval(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 10, FlushInterval: 20 * time.Millisecond})
	defer func() {
		if err := bw.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := bw.Write(core.ChatEvent{ID: "interval"}, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for base.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if base.Count() != 1 {
		t.Fatalf("expected timer flush, got %d", base.Count())
	}
}

func TestBufferedWriterCloseFlushesPending(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 10})
	if err := bw.Write(core.ChatEvent{ID: "pending"}, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if base.Count() != 1 {
		t.Fatalf("expected close to flush, got %d", base.Count())
	}
	if err := bw.Write(core.ChatEvent{ID: "late"}, nil); err == nil {
		t.Fatalf("expected write after close to fail")
	}
}

func TestBufferedWriterErrorPropagation(t *testing.T) {
	base := &recordingWriter{failAfter: 1}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 1, FlushInterval: 0})
	defer func() {
		_ = bw.Close()
	}()

	if err := bw.Write(core.ChatEvent{ID: "err"}, nil); err == nil {
		t.Fatalf("expected error from underlying writer")
	}
}

func TestBufferedWriterCollapsesDuplicatesInBatch(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 3})

	ev := core.ChatEvent{ID: "same", Message: "hello"}
	trace := ingesttrace.NewTrace(ev)
	for _, tr := range []*ingesttrace.EventTrace{nil, trace} {
		if err := bw.Write(ev, tr); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if got := trace.Count(ingesttrace.StageDropped("duplicate")); got != 1 {
		t.Fatalf("expected duplicate to be counted once, got %d", got)
	}
	if err := bw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if base.Count() != 1 {
		t.Fatalf("expected one stored event, got %d", base.Count())
	}

	// a new batch starts with a clean slate
	if err := bw.Write(ev, nil); err != nil {
		t.Fatalf("write after flush: %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if base.Count() != 2 {
		t.Fatalf("expected the id to be accepted again after a flush, got %d", base.Count())
	}
}

type batchRecorder struct {
	recordingWriter
	batches [][]Pending
}

func (b *batchRecorder) WriteBatch(items []Pending) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, items)
	return nil
}

func TestBufferedWriterPrefersBatchWriter(t *testing.T) {
	base := &batchRecorder{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 2})
	defer bw.Close()

	for _, id := range []string{"a", "b"} {
		if err := bw.Write(core.ChatEvent{ID: id}, nil); err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
	}
	base.mu.Lock()
	defer base.mu.Unlock()
	if len(base.batches) != 1 || len(base.batches[0]) != 2 {
		t.Fatalf("expected one batch of two, got %v", base.batches)
	}
	if base.calls != 0 {
		t.Fatalf("single-event Write should not be used, got %d calls", base.calls)
	}
}
