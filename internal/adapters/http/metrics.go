package http

import (
	"net/http"

	"github.com/dkeye/Helpline/internal/app/sessionlog"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics lives on its own registry so several routers can coexist in tests.
type metrics struct {
	reg            *prometheus.Registry
	tokens         prometheus.Counter
	frames         prometheus.Counter
	framesRejected *prometheus.CounterVec
	feedback       prometheus.Counter
}

func newMetrics(store *sessionlog.Store, rooms core.RoomManager) *metrics {
	m := &metrics{
		reg: prometheus.NewRegistry(),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "helpline", Name: "room_tokens_issued_total", Help: "Room credentials minted.",
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "helpline", Name: "screen_frames_total", Help: "Screen frames accepted.",
		}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpline", Name: "screen_frames_rejected_total", Help: "Screen frames rejected, by reason.",
		}, []string{"reason"}),
		feedback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "helpline", Name: "feedback_total", Help: "Feedback submissions stored.",
		}),
	}
	m.reg.MustRegister(m.tokens, m.frames, m.framesRejected, m.feedback)
	if store != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "helpline", Name: "sessions", Help: "Session records held in memory.",
		}, func() float64 { return float64(store.Len()) }))
	}
	if rooms != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "helpline", Name: "rooms", Help: "Live signaling rooms.",
		}, func() float64 { return float64(rooms.Count()) }))
	}
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// nil-safe helpers so handlers work with metrics disabled

func (m *metrics) tokenIssued() {
	if m != nil {
		m.tokens.Inc()
	}
}

func (m *metrics) frameAccepted() {
	if m != nil {
		m.frames.Inc()
	}
}

func (m *metrics) frameRejected(reason string) {
	if m != nil {
		m.framesRejected.WithLabelValues(reason).Inc()
	}
}

func (m *metrics) feedbackStored() {
	if m != nil {
		m.feedback.Inc()
	}
}
