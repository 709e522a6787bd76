// Package catgametrics implements mediator.Metrics with Prometheus
// counters, histograms, and gauges, covering the §6 Observability surface:
// commands executed, command duration, events published, pipeline
// behavior count, queue overflow count, circuit-breaker state, and
// in-flight concurrency.
//
// Grounded on internal/common/metrics/metrics.go's promauto.New*Vec style
// (Namespace/Subsystem/Name/Help plus label sets); unlike the teacher's
// package-level vars registered against the default Prometheus registry,
// Metrics here takes a prometheus.Registerer explicitly so a host (or a
// test) can register against an isolated registry instead of colliding on
// the global one.
package catgametrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements mediator.Metrics plus a few extra recorders for
// outbox/queue-overflow/circuit-breaker events that don't fit the
// mediator.Metrics interface shape.
type Metrics struct {
	commandsExecuted    *prometheus.CounterVec
	commandDuration     *prometheus.HistogramVec
	eventsPublished     *prometheus.CounterVec
	pipelineBehaviors   *prometheus.HistogramVec
	queueOverflows      *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
	inFlight            prometheus.Gauge
}

// New registers catga's metric families against reg and returns a Metrics
// ready to pass to mediator.WithMetrics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		commandsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catga",
			Subsystem: "mediator",
			Name:      "commands_executed_total",
			Help:      "Total Send dispatches, labeled by request type and outcome.",
		}, []string{"request_type", "result"}),

		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "catga",
			Subsystem: "mediator",
			Name:      "command_duration_seconds",
			Help:      "Send dispatch duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"request_type"}),

		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catga",
			Subsystem: "mediator",
			Name:      "events_published_total",
			Help:      "Total event handler deliveries by Publish, labeled by event type.",
		}, []string{"event_type"}),

		pipelineBehaviors: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "catga",
			Subsystem: "mediator",
			Name:      "pipeline_behavior_count",
			Help:      "Number of behaviors invoked per dispatch, labeled by request type.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}, []string{"request_type"}),

		queueOverflows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catga",
			Subsystem: "batcher",
			Name:      "queue_overflow_total",
			Help:      "Total AutoBatcher submissions dropped due to queue overflow, labeled by request type.",
		}, []string{"request_type"}),

		circuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "catga",
			Subsystem: "resilience",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open), labeled by breaker name.",
		}, []string{"name"}),

		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "catga",
			Subsystem: "mediator",
			Name:      "in_flight_dispatches",
			Help:      "Number of Send/Publish dispatches currently in flight.",
		}),
	}
}

// RecordDispatch implements mediator.Metrics.
func (m *Metrics) RecordDispatch(requestType string, duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.commandsExecuted.WithLabelValues(requestType, result).Inc()
	m.commandDuration.WithLabelValues(requestType).Observe(duration.Seconds())
}

// RecordEventPublish implements mediator.Metrics.
func (m *Metrics) RecordEventPublish(eventType string, handlerCount int) {
	m.eventsPublished.WithLabelValues(eventType).Add(float64(handlerCount))
}

// RecordPipelineBehaviors implements mediator.Metrics.
func (m *Metrics) RecordPipelineBehaviors(requestType string, count int) {
	m.pipelineBehaviors.WithLabelValues(requestType).Observe(float64(count))
}

// RecordQueueOverflow increments the overflow counter for requestType; the
// batcher itself has no Metrics dependency, so a host wires this from the
// QueueOverflow failure batcher.SubmitAndAwait returns for a dropped entry.
func (m *Metrics) RecordQueueOverflow(requestType string) {
	m.queueOverflows.WithLabelValues(requestType).Inc()
}

// CircuitBreakerState values, matching the teacher's
// metrics.CircuitBreakerClosed/Open/HalfOpen convention.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)

// SetCircuitBreakerState records a breaker's current state. A host wires
// this from resilience.CircuitBreakerConfig.OnStateChange.
func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	m.circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// InFlightInc/InFlightDec track in-flight dispatch concurrency.
func (m *Metrics) InFlightInc() { m.inFlight.Inc() }
func (m *Metrics) InFlightDec() { m.inFlight.Dec() }
