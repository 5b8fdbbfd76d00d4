package ingesttrace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/you/chzzk-chat/internal/core"
)

// Stage represents a pipeline stage used for tracking event processing.
type Stage string

const (
	StageSeenFromSession Stage = "seen_from_session"
	StageNormalizedOK    Stage = "normalized_ok"
	StageWrittenToDB     Stage = "written_to_db"

	StageDroppedPrefix = "dropped_"
)

// StageDropped creates a Stage for a dropped event with the given reason.
func StageDropped(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageDroppedPrefix, reason))
}

// EventTrace captures trace metadata for an event throughout the ingest pipeline.
type EventTrace struct {
	Kind    core.EventKind
	Channel string
	User    string
	Snippet string
	TraceID string

	mu       sync.Mutex
	counters map[Stage]int64
}

const snippetLen = 64

// NewTrace constructs a trace for ev and seeds the seen_from_session counter.
// The trace id doubles as the event's storage id.
func NewTrace(ev core.ChatEvent) *EventTrace {
	trace := &EventTrace{
		Kind:     ev.Kind,
		Channel:  ev.ChannelID,
		User:     ev.UserID,
		Snippet:  snippet(ev.Message),
		TraceID:  EventID(ev),
		counters: make(map[Stage]int64),
	}

	trace.counters[StageSeenFromSession] = 1
	return trace
}

// Stamp returns ev with its ID set, plus the trace that produced it.
func Stamp(ev core.ChatEvent) (core.ChatEvent, *EventTrace) {
	trace := NewTrace(ev)
	ev.ID = trace.TraceID
	return ev, trace
}

// EventID derives a stable id from the fields upstream repeats verbatim when
// it replays recent chat after a reconnect.
func EventID(ev core.ChatEvent) string {
	ms := strconv.FormatInt(ev.Timestamp.UnixMilli(), 10)
	digest := sha256.Sum256([]byte(string(ev.Kind) + "\x1f" + ev.ChannelID + "\x1f" + ev.UserID + "\x1f" + ms + "\x1f" + ev.Message))
	return hex.EncodeToString(digest[:])
}

// IncCounter increments the counter for the provided stage and returns the updated value.
func (t *EventTrace) IncCounter(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters[stage]++
	return t.counters[stage]
}

// Count returns the current value for stage.
func (t *EventTrace) Count(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[stage]
}

// LogTrace logs the trace metadata and counters at debug level.
func (t *EventTrace) LogTrace(logger *slog.Logger, msg string) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug(msg,
		"trace_id", t.TraceID,
		"kind", string(t.Kind),
		"channel", t.Channel,
		"user", t.User,
		"snippet", t.Snippet,
		"counters", t.snapshotCounters(),
	)
}

func (t *EventTrace) snapshotCounters() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		out[stage] = count
	}
	return out
}

func snippet(s string) string {
	r := []rune(s)
	if len(r) <= snippetLen {
		return s
	}
	return string(r[:snippetLen]) + "..."
}
