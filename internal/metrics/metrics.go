// Package metrics exposes call and registration counters fed from the event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dense-identity/agentdesk/internal/events"
	"github.com/dense-identity/agentdesk/internal/telephony"
)

const namespace = "agentdesk"

type Metrics struct {
	CallsTotal           *prometheus.CounterVec
	RegistrationFailures *prometheus.CounterVec
	RegistrationState    *prometheus.GaugeVec
	ActiveCalls          prometheus.Gauge
	TalkTime             prometheus.Histogram
	MediaErrors          prometheus.Counter
	TransferFailures     prometheus.Counter
	Events               *prometheus.CounterVec
}

// New creates the collectors and registers them on reg when it is non-nil
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Completed calls by direction and outcome.",
		}, []string{"direction", "outcome"}),
		RegistrationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_failures_total",
			Help:      "Transitions into the Failed registration state by reason.",
		}, []string{"reason"}),
		RegistrationState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registration_state",
			Help:      "1 for the current registration state, 0 otherwise.",
		}, []string{"state"}),
		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Calls currently in progress.",
		}),
		TalkTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "talk_time_seconds",
			Help:      "Time spent Established for answered calls.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		MediaErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_errors_total",
			Help:      "Failed hold, unhold or audio switch operations.",
		}),
		TransferFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_failures_total",
			Help:      "Blind transfers refused by the remote side.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events published on the bus by type and error kind.",
		}, []string{"type", "err_kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CallsTotal,
			m.RegistrationFailures,
			m.RegistrationState,
			m.ActiveCalls,
			m.TalkTime,
			m.MediaErrors,
			m.TransferFailures,
			m.Events,
		)
	}
	return m
}

// Observe updates the collectors for one event
func (m *Metrics) Observe(evt events.Event) {
	m.Events.WithLabelValues(string(evt.Type()), evt.ErrKind()).Inc()

	switch e := evt.(type) {
	case events.RegistrationStateChanged:
		m.RegistrationState.WithLabelValues(e.Old.String()).Set(0)
		m.RegistrationState.WithLabelValues(e.New.String()).Set(1)
		if e.New == telephony.RegFailed {
			m.RegistrationFailures.WithLabelValues(e.Reason.String()).Inc()
		}
	case events.SessionCreated:
		m.ActiveCalls.Inc()
	case events.SessionStateChanged:
		if e.Completion == nil {
			return
		}
		m.ActiveCalls.Dec()
		m.CallsTotal.WithLabelValues(e.Completion.Direction.String(), string(e.Completion.Outcome)).Inc()
		if e.Completion.Outcome == telephony.OutcomeAnswered {
			m.TalkTime.Observe(e.Completion.Duration.Seconds())
		}
	case events.MediaStateChanged:
		if e.Err != nil {
			m.MediaErrors.Inc()
		}
	case events.TransferFailed:
		m.TransferFailures.Inc()
	}
}

// Subscribe feeds every bus event into m
func (m *Metrics) Subscribe(bus *events.Bus) (cancel func()) {
	return bus.Subscribe(m.Observe)
}
