package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/transfa/escrow-service/internal/domain"
)

// Metrics holds the escrow Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	created       prometheus.Counter
	transitions   *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
	sweepReleased prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "transfers_created_total",
			Help:      "Number of escrow transfers created.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "transfer_transitions_total",
			Help:      "Committed escrow transfer status transitions.",
		}, []string{"from", "to", "trigger"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "auto_release_sweeps_total",
			Help:      "Auto-release sweep runs by outcome.",
		}, []string{"outcome"}),
		sweepReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "auto_release_sweep_released_total",
			Help:      "Transfers released by the background sweep.",
		}),
	}
	reg.MustRegister(m.created, m.transitions, m.sweeps, m.sweepReleased)
	return m
}

func (m *Metrics) transferCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

func (m *Metrics) transition(from, to domain.TransferStatus, trigger domain.TransferTrigger) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to), string(trigger)).Inc()
}

func (m *Metrics) sweep(outcome string, released int) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(outcome).Inc()
	m.sweepReleased.Add(float64(released))
}
