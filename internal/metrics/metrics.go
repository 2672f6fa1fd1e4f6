// Package metrics provides Prometheus instrumentation for the chat room. It
// exposes gauges for connection and participant counts, counters for event
// throughput and rejections, and a histogram for fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lobby/chatroom/internal/hub"
	"github.com/lobby/chatroom/internal/protocol"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatroom_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ParticipantsTotal tracks the number of joined participants.
	ParticipantsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatroom_participants_total",
		Help: "Current number of joined participants",
	})

	// EventsTotal counts outbound events, labeled by event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatroom_events_total",
		Help: "Total number of outbound events fanned out",
	}, []string{"type"})

	// EventsRejected counts inbound events dropped without effect.
	EventsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatroom_events_rejected_total",
		Help: "Total number of inbound events rejected",
	}, []string{"reason"})

	// FramesSent counts frames queued to connections, labeled by result:
	// "sent" or "dropped".
	FramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatroom_frames_total",
		Help: "Total number of outbound frames by delivery result",
	}, []string{"result"})

	// FanoutLatency records the time to encode and queue one event for all
	// of its recipients.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatroom_fanout_latency_seconds",
		Help:    "Event fan-out latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ParticipantsTotal,
		EventsTotal,
		EventsRejected,
		FramesSent,
		FanoutLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HubObserver feeds hub activity into the collectors above.
type HubObserver struct{}

var _ hub.Observer = HubObserver{}

// Delivered implements hub.Observer.
func (HubObserver) Delivered(d hub.Delivery) {
	EventsTotal.WithLabelValues(d.Effect.Type).Inc()
	FramesSent.WithLabelValues("sent").Add(float64(d.Sent))
	if d.Dropped > 0 {
		FramesSent.WithLabelValues("dropped").Add(float64(d.Dropped))
	}
	FanoutLatency.Observe(d.Elapsed.Seconds())

	switch ev := d.Effect.Event.(type) {
	case protocol.PresenceJoinedMsg:
		ParticipantsTotal.Set(float64(ev.TotalCount))
	case protocol.PresenceLeftMsg:
		ParticipantsTotal.Set(float64(ev.TotalCount))
	}
}

// Rejected implements hub.Observer.
func (HubObserver) Rejected(_ string, reason string) {
	EventsRejected.WithLabelValues(reason).Inc()
}
