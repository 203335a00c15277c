package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label and outcome/status constants, mirroring the naming convention
// of github.com/marmos91/dittofs's pkg/metadata/lock/metrics.go
// (LabelShare/LabelStatus-style constants plus ObserveX wrapper
// methods, rather than exposing the raw vectors to callers).
const (
	LabelOutcome = "outcome"
	LabelAction  = "action"
	LabelStatus  = "status"

	OutcomeBecamePrimary     = "became_primary"
	OutcomeRemainedPrimary   = "remained_primary"
	OutcomeLostPrimary       = "lost_primary"
	OutcomeRemainedSecondary = "remained_secondary"

	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics provides Prometheus metrics for the coordinator, grounded on
// the teacher's lock Metrics: promauto-registered vectors gated on a
// possibly-nil registry so tests can construct a Metrics without
// touching the default registry.
type Metrics struct {
	refreshTotal         *prometheus.CounterVec
	gcRunsTotal          prometheus.Counter
	gcClientsRemoved     prometheus.Counter
	leaseTransitionTotal *prometheus.CounterVec
	isPrimaryGauge       prometheus.Gauge
	activeClientsGauge   prometheus.Gauge
	transactionTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers coordinator metrics. If registry is
// nil, a private registry is used so metrics are created but not
// exported, matching the teacher's "useful for testing" posture.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		refreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leasecoord",
			Subsystem: "refresher",
			Name:      "tick_total",
			Help:      "Total number of metadata refresh ticks run",
		}, []string{LabelOutcome}),

		gcRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leasecoord",
			Subsystem: "gc",
			Name:      "runs_total",
			Help:      "Total number of garbage collection passes run while primary",
		}),

		gcClientsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leasecoord",
			Subsystem: "gc",
			Name:      "clients_removed_total",
			Help:      "Total number of inactive ClientMetadata records removed by garbage collection",
		}),

		leaseTransitionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leasecoord",
			Subsystem: "lease",
			Name:      "transition_total",
			Help:      "Total number of primary-bit transitions, labeled by direction",
		}, []string{LabelOutcome}),

		isPrimaryGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "leasecoord",
			Subsystem: "lease",
			Name:      "is_primary",
			Help:      "1 if this client currently believes it is primary, else 0",
		}),

		activeClientsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "leasecoord",
			Subsystem: "clients",
			Name:      "active",
			Help:      "Number of active (non-stale, non-zombied) clients returned by the last GetActiveClients call",
		}),

		transactionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leasecoord",
			Subsystem: "transactions",
			Name:      "total",
			Help:      "Total number of RunTransaction calls, labeled by action and outcome",
		}, []string{LabelAction, LabelStatus}),
	}
}

// ObserveRefresh records one metadata-refresh tick's outcome.
func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(outcome).Inc()
}

// ObserveLeaseTransition records a primary-bit flip, labeled by
// direction; the is-primary gauge is set separately by SetIsPrimary.
// Call only when the bit actually changed.
func (m *Metrics) ObserveLeaseTransition(becamePrimary bool) {
	if m == nil {
		return
	}
	outcome := OutcomeLostPrimary
	if becamePrimary {
		outcome = OutcomeBecamePrimary
	}
	m.leaseTransitionTotal.WithLabelValues(outcome).Inc()
}

// SetIsPrimary updates the is-primary gauge unconditionally, whether or
// not this call represents a transition.
func (m *Metrics) SetIsPrimary(isPrimary bool) {
	if m == nil {
		return
	}
	if isPrimary {
		m.isPrimaryGauge.Set(1)
	} else {
		m.isPrimaryGauge.Set(0)
	}
}

// ObserveGCRun records one garbage-collection pass and how many
// inactive ClientMetadata records it removed.
func (m *Metrics) ObserveGCRun(clientsRemoved int) {
	if m == nil {
		return
	}
	m.gcRunsTotal.Inc()
	m.gcClientsRemoved.Add(float64(clientsRemoved))
}

// SetActiveClients records the size of the last computed active-client
// set, as returned by Coordinator.GetActiveClients.
func (m *Metrics) SetActiveClients(count int) {
	if m == nil {
		return
	}
	m.activeClientsGauge.Set(float64(count))
}

// ObserveTransaction records one RunTransaction call.
func (m *Metrics) ObserveTransaction(action string, success bool) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if !success {
		status = StatusFailure
	}
	m.transactionTotal.WithLabelValues(action, status).Inc()
}
