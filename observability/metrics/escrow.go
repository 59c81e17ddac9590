package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics tracks the escrow lifecycle as observed through emitted
// events: creations, per-path approval progress and finalizations.
type EscrowMetrics struct {
	created      prometheus.Counter
	approvals    *prometheus.CounterVec
	finalized    *prometheus.CounterVec
	eventsByType *prometheus.CounterVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the process-wide escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			created: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_created_total",
				Help: "Count of escrows created and funded.",
			}),
			approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_approvals_total",
				Help: "Count of recorded verifier approvals by path.",
			}, []string{"path"}),
			finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_finalized_total",
				Help: "Count of finalized escrows by outcome.",
			}, []string{"outcome"}),
			eventsByType: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_events_total",
				Help: "Count of emitted ledger events by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(
			escrowRegistry.created,
			escrowRegistry.approvals,
			escrowRegistry.finalized,
			escrowRegistry.eventsByType,
		)
	})
	return escrowRegistry
}

// RecordCreated increments the creation counter.
func (m *EscrowMetrics) RecordCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

// RecordApproval increments the approval counter for the supplied path.
func (m *EscrowMetrics) RecordApproval(path string) {
	if m == nil || path == "" {
		return
	}
	m.approvals.WithLabelValues(path).Inc()
}

// RecordFinalized increments the finalization counter for the outcome
// ("released" or "refunded").
func (m *EscrowMetrics) RecordFinalized(outcome string) {
	if m == nil || outcome == "" {
		return
	}
	m.finalized.WithLabelValues(outcome).Inc()
}

// RecordEvent counts an emitted event by its type string.
func (m *EscrowMetrics) RecordEvent(eventType string) {
	if m == nil || eventType == "" {
		return
	}
	m.eventsByType.WithLabelValues(eventType).Inc()
}
