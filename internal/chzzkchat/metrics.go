package chzzkchat

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/chzzk-chat/internal/core"
)

// Metrics bundles the Prometheus collectors for a chat session.
type Metrics struct {
	framesTotal   *prometheus.CounterVec
	eventsTotal   *prometheus.CounterVec
	elementDrops  *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	deliveryDrops prometheus.Counter
	sessionState  *prometheus.GaugeVec
}

// NewMetrics creates the session collectors and registers them with reg.
// A nil reg keeps the collectors private. Collectors already registered by an
// earlier session are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chzzk",
			Name:      "frames_total",
			Help:      "Inbound chat frames by kind",
		}, []string{"kind"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chzzk",
			Name:      "events_total",
			Help:      "Chat events delivered by kind",
		}, []string{"kind"}),
		elementDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chzzk",
			Name:      "element_drops_total",
			Help:      "Chat elements or frames skipped by reason",
		}, []string{"reason"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chzzk",
			Name:      "reconnects_total",
			Help:      "Reconnect sequences by trigger",
		}, []string{"reason"}),
		deliveryDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chzzk",
			Name:      "delivery_drops_total",
			Help:      "Events or statuses dropped because the consumer fell behind",
		}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chzzk",
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise",
		}, []string{"state"}),
	}
	if reg == nil {
		return m
	}
	m.framesTotal = register(reg, m.framesTotal)
	m.eventsTotal = register(reg, m.eventsTotal)
	m.elementDrops = register(reg, m.elementDrops)
	m.reconnects = register(reg, m.reconnects)
	m.deliveryDrops = register(reg, m.deliveryDrops)
	m.sessionState = register(reg, m.sessionState)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) incFrame(kind FrameKind) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) incEvent(kind core.EventKind) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) incDrop(reason string) {
	if m == nil {
		return
	}
	m.elementDrops.WithLabelValues(reason).Inc()
}

func (m *Metrics) incReconnect(reason string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) incDeliveryDrop() {
	if m == nil {
		return
	}
	m.deliveryDrops.Inc()
}

func (m *Metrics) setState(state core.State) {
	if m == nil {
		return
	}
	for _, s := range []core.State{core.StateIdle, core.StateConnecting, core.StateConnected, core.StateClosing} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sessionState.WithLabelValues(string(s)).Set(v)
	}
}
