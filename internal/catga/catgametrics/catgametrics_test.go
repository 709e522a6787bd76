package catgametrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func histogramSampleCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	if err := h.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestRecordDispatchIncrementsCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordDispatch("CreateOrder", 5*time.Millisecond, true)
	m.RecordDispatch("CreateOrder", 10*time.Millisecond, false)

	successCounter := m.commandsExecuted.WithLabelValues("CreateOrder", "success")
	if got := counterValue(t, successCounter); got != 1 {
		t.Fatalf("success counter = %v, want 1", got)
	}
	failureCounter := m.commandsExecuted.WithLabelValues("CreateOrder", "failure")
	if got := counterValue(t, failureCounter); got != 1 {
		t.Fatalf("failure counter = %v, want 1", got)
	}

	hist := m.commandDuration.WithLabelValues("CreateOrder")
	if got := histogramSampleCount(t, hist); got != 2 {
		t.Fatalf("histogram sample count = %d, want 2", got)
	}
}

func TestRecordEventPublishAddsHandlerCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordEventPublish("OrderCreated", 3)
	counter := m.eventsPublished.WithLabelValues("OrderCreated")
	if got := counterValue(t, counter); got != 3 {
		t.Fatalf("events published = %v, want 3", got)
	}
}

func TestRecordQueueOverflowIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordQueueOverflow("CreateOrder")
	m.RecordQueueOverflow("CreateOrder")

	counter := m.queueOverflows.WithLabelValues("CreateOrder")
	if got := counterValue(t, counter); got != 2 {
		t.Fatalf("queue overflow count = %v, want 2", got)
	}
}

func TestSetCircuitBreakerStateRecordsGaugeValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetCircuitBreakerState("downstream", CircuitBreakerOpen)
	gauge := m.circuitBreakerState.WithLabelValues("downstream")
	if got := gaugeValue(t, gauge); got != CircuitBreakerOpen {
		t.Fatalf("circuit breaker state = %v, want %v", got, CircuitBreakerOpen)
	}
}

func TestInFlightIncDecTracksConcurrency(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.InFlightInc()
	m.InFlightInc()
	m.InFlightDec()

	if got := gaugeValue(t, m.inFlight); got != 1 {
		t.Fatalf("in-flight gauge = %v, want 1", got)
	}
}
