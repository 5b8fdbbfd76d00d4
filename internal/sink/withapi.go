package sink

import (
	"github.com/you/chzzk-chat/internal/core"
	"github.com/you/chzzk-chat/internal/ingesttrace"
)

type broadcaster interface {
	Broadcast(core.ChatEvent)
}

// WithBroadcast stores events and forwards the new ones to live API clients.
type WithBroadcast struct {
	*SQLiteSink
	api broadcaster
}

func WithAPI(base *SQLiteSink, api broadcaster) *WithBroadcast {
	return &WithBroadcast{SQLiteSink: base, api: api}
}

func (w *WithBroadcast) Write(ev core.ChatEvent, trace *ingesttrace.EventTrace) error {
	return w.WriteBatch([]Pending{{Event: ev, Trace: trace}})
}

// WriteBatch commits items first and only then broadcasts, so live clients
// never see an event that a later rollback would drop.
func (w *WithBroadcast) WriteBatch(items []Pending) error {
	inserted, err := w.SQLiteSink.InsertBatch(pendingEvents(items))
	if err != nil {
		return err
	}
	for i, item := range items {
		recordOutcome(item.Trace, inserted[i])
		if inserted[i] && w.api != nil {
			w.api.Broadcast(item.Event)
		}
	}
	return nil
}
