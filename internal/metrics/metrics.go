// Package metrics exposes Prometheus metrics of the bulk operation engine.
//
// Lifecycle counters are fed from domain events, so the engine packages do not
// import Prometheus.
//
// Import Path: farmops.io/bulkops/internal/metrics
package metrics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/pkg/worker"
)

const (
	// Namespace is the namespace for all engine metrics.
	Namespace = "farmops"

	// Subsystem is the subsystem for engine metrics.
	Subsystem = "bulkops"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	RequestsTotal          *prometheus.CounterVec
	OperationsCreatedTotal *prometheus.CounterVec
	OperationsFinished     *prometheus.CounterVec
	OperationDuration      *prometheus.HistogramVec
	OperationsRunning      prometheus.Gauge
	ItemsTotal             *prometheus.CounterVec
	RetriesTotal           *prometheus.CounterVec
	OperationsPurgedTotal  prometheus.Counter

	factory promauto.Factory
}

// New creates and registers the engine metrics on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{factory: factory}

	m.RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "approval_requests_total",
			Help:      "Approval requests by lifecycle step (submitted, approved, rejected)",
		},
		[]string{"step"},
	)
	m.OperationsCreatedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "operations_created_total",
			Help:      "Bulk operations created",
		},
		[]string{"operation_type"},
	)
	m.OperationsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "operations_finished_total",
			Help:      "Bulk operations reaching a terminal status",
		},
		[]string{"operation_type", "status"},
	)
	m.OperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Wall time from begin to finish of bulk operations",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16), // 50ms to ~27min
		},
		[]string{"operation_type"},
	)
	m.OperationsRunning = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "operations_running",
			Help:      "Bulk operations started and not yet finished by this process",
		},
	)
	m.ItemsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "items_total",
			Help:      "Items of finished operations by outcome",
		},
		[]string{"operation_type", "outcome"},
	)
	m.RetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "item_retries_total",
			Help:      "Manual item retries by outcome",
		},
		[]string{"outcome"},
	)
	m.OperationsPurgedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "operations_purged_total",
			Help:      "Bulk operations deleted by retention",
		},
	)
	return m
}

// ObservePools exports busy/capacity gauges for the worker pools.
func (m *Metrics) ObservePools(pools *worker.Pools) {
	for _, p := range []*worker.Pool{pools.General, pools.Items} {
		p := p
		m.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Subsystem:   Subsystem,
			Name:        "worker_pool_running",
			Help:        "Busy workers per pool",
			ConstLabels: prometheus.Labels{"pool": p.Name()},
		}, func() float64 { return float64(p.Running()) })
		m.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Subsystem:   Subsystem,
			Name:        "worker_pool_capacity",
			Help:        "Worker capacity per pool",
			ConstLabels: prometheus.Labels{"pool": p.Name()},
		}, func() float64 { return float64(p.Cap()) })
	}
}

// Subscribe registers the metric handlers on d.
func (m *Metrics) Subscribe(d *domain.EventDispatcher) {
	step := func(name string) domain.EventHandler {
		return func(context.Context, *domain.DomainEvent) error {
			m.RequestsTotal.WithLabelValues(name).Inc()
			return nil
		}
	}
	d.Register(domain.EventRequestSubmitted, step("submitted"))
	d.Register(domain.EventRequestApproved, step("approved"))
	d.Register(domain.EventRequestRejected, step("rejected"))
	d.Register(domain.EventOperationCreated, m.onCreated)
	d.Register(domain.EventOperationStarted, func(context.Context, *domain.DomainEvent) error {
		m.OperationsRunning.Inc()
		return nil
	})
	d.Register(domain.EventOperationFinished, m.onFinished)
	d.Register(domain.EventItemRetried, m.onRetried)
	d.Register(domain.EventOperationsPurged, m.onPurged)
}

func (m *Metrics) onCreated(_ context.Context, e *domain.DomainEvent) error {
	var p struct {
		OperationType string `json:"operation_type"`
	}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", e.EventType, err)
		}
	}
	if p.OperationType == "" {
		p.OperationType = "unknown"
	}
	m.OperationsCreatedTotal.WithLabelValues(p.OperationType).Inc()
	return nil
}

func (m *Metrics) onFinished(_ context.Context, e *domain.DomainEvent) error {
	var p domain.OperationFinishedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	opType := string(p.OperationType)
	m.OperationsRunning.Dec()
	m.OperationsFinished.WithLabelValues(opType, string(p.Status)).Inc()
	m.OperationDuration.WithLabelValues(opType).Observe(float64(p.DurationMS) / 1000)
	m.ItemsTotal.WithLabelValues(opType, "success").Add(float64(p.SuccessCount))
	m.ItemsTotal.WithLabelValues(opType, "failure").Add(float64(p.FailureCount))
	return nil
}

func (m *Metrics) onRetried(_ context.Context, e *domain.DomainEvent) error {
	var p domain.ItemRetriedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	m.RetriesTotal.WithLabelValues(string(p.Outcome)).Inc()
	return nil
}

func (m *Metrics) onPurged(_ context.Context, e *domain.DomainEvent) error {
	var p domain.PurgePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	m.OperationsPurgedTotal.Add(float64(p.Deleted))
	return nil
}
