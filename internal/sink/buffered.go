package sink

import (
	"errors"
	"sync"
	"time"

	"github.com/you/chzzk-chat/internal/core"
	"github.com/you/chzzk-chat/internal/ingesttrace"
)

var ErrWriterClosed = errors.New("sink: buffered writer closed")

type Writer interface {
	Write(core.ChatEvent, *ingesttrace.EventTrace) error
}

// BatchWriter is a Writer that can store several events in one go.
type BatchWriter interface {
	WriteBatch([]Pending) error
}

// Pending is an event waiting in a buffer, with its trace.
type Pending struct {
	Event core.ChatEvent
	Trace *ingesttrace.EventTrace
}

func pendingEvents(items []Pending) []core.ChatEvent {
	out := make([]core.ChatEvent, len(items))
	for i, item := range items {
		out[i] = item.Event
	}
	return out
}

type BufferedOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

// BufferedWriter groups events into batches. An event whose id is already
// waiting in the batch is dropped on arrival; the 50-message history sent on
// every reconnect otherwise lands in the same batch as the live copies.
type BufferedWriter struct {
	base          Writer
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	batch   []Pending
	ids     map[string]struct{}
	timer   *time.Timer
	closed  bool
	lastErr error
}

func NewBufferedWriter(base Writer, opts BufferedOptions) *BufferedWriter {
	size := opts.BatchSize
	if size <= 0 {
		size = 1
	}
	return &BufferedWriter{
		base:          base,
		batchSize:     size,
		flushInterval: opts.FlushInterval,
		ids:           make(map[string]struct{}),
	}
}

// Write queues ev. Errors from a timer-driven flush surface on the next Write
// or on Close.
func (b *BufferedWriter) Write(ev core.ChatEvent, trace *ingesttrace.EventTrace) error {
	if ev.ID == "" {
		ev.ID = ingesttrace.EventID(ev)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrWriterClosed
	}
	pendingErr := b.lastErr
	b.lastErr = nil

	if _, dup := b.ids[ev.ID]; dup {
		b.mu.Unlock()
		if trace != nil {
			trace.IncCounter(ingesttrace.StageDropped("duplicate"))
		}
		return pendingErr
	}
	b.ids[ev.ID] = struct{}{}
	b.batch = append(b.batch, Pending{Event: ev, Trace: trace})

	if len(b.batch) < b.batchSize {
		if b.timer == nil && b.flushInterval > 0 {
			b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
		}
		b.mu.Unlock()
		return pendingErr
	}
	batch := b.takeLocked()
	b.mu.Unlock()

	if err := b.store(batch); err != nil {
		return err
	}
	return pendingErr
}

// Flush writes whatever is queued.
func (b *BufferedWriter) Flush() error {
	b.mu.Lock()
	batch := b.takeLocked()
	pendingErr := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()

	if err := b.store(batch); err != nil {
		return err
	}
	return pendingErr
}

func (b *BufferedWriter) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.Flush()
}

func (b *BufferedWriter) onTimer() {
	b.mu.Lock()
	b.timer = nil
	if b.closed {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked()
	b.mu.Unlock()

	if err := b.store(batch); err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
	}
}

// takeLocked detaches the current batch and disarms the flush timer.
func (b *BufferedWriter) takeLocked() []Pending {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.batch
	b.batch = nil
	clear(b.ids)
	return batch
}

func (b *BufferedWriter) store(batch []Pending) error {
	if len(batch) == 0 {
		return nil
	}
	if bw, ok := b.base.(BatchWriter); ok {
		return bw.WriteBatch(batch)
	}
	for _, item := range batch {
		if err := b.base.Write(item.Event, item.Trace); err != nil {
			return err
		}
	}
	return nil
}
