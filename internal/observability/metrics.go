// Package observability exposes the scheduler, delivery and trigger
// activity as Prometheus metrics.
package observability

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chime/internal/delivery"
	"chime/internal/eventbus"
	"chime/internal/notification"
	"chime/internal/trigger"
)

const namespace = "chime"

// StatsSource is polled at scrape time for the live gauges.
type StatsSource interface {
	Stats() notification.Stats
}

type Metrics struct {
	registry *prometheus.Registry

	transitionsTotal *prometheus.CounterVec
	timeToAck        prometheus.Histogram
	deliveriesTotal  *prometheus.CounterVec
	deliveryAttempts *prometheus.HistogramVec
	deliveryLatency  *prometheus.HistogramVec
	triggerRunsTotal *prometheus.CounterVec
	busDropped       prometheus.GaugeFunc
}

// NewMetrics builds a private registry. stats may be nil; bus may be nil.
func NewMetrics(stats StatsSource, bus eventbus.Bus) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notification lifecycle transitions by kind (scheduled, fired, acknowledged, cancelled).",
			},
			[]string{"kind"},
		),
		timeToAck: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_acknowledge_seconds",
			Help:      "Time between a notification firing and the user opening it.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 9),
		}),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Delivery outcomes by channel, kind and result (sent, failed, dropped).",
			},
			[]string{"channel", "kind", "result"},
		),
		deliveryAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_attempts",
				Help:      "Attempts used per finished delivery.",
				Buckets:   []float64{1, 2, 3, 4, 6, 8},
			},
			[]string{"channel"},
		),
		deliveryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_latency_seconds",
				Help:      "Time from queueing to a finished delivery, retries included.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel"},
		),
		triggerRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trigger_runs_total",
				Help:      "Background task runs by task and outcome (ok, error, skipped).",
			},
			[]string{"task", "outcome"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitionsTotal,
		m.timeToAck,
		m.deliveriesTotal,
		m.deliveryAttempts,
		m.deliveryLatency,
		m.triggerRunsTotal,
	)
	if stats != nil {
		registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending",
				Help:      "Notifications waiting for their fire time.",
			}, func() float64 { return float64(stats.Stats().Pending) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "fired_unacknowledged",
				Help:      "Fired notifications the user has not opened yet.",
			}, func() float64 { return float64(stats.Stats().Fired) }),
		)
	}
	if bus != nil {
		m.busDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped",
			Help:      "Bus deliveries skipped because a subscriber was full.",
		}, func() float64 { return float64(bus.Dropped()) })
		registry.MustRegister(m.busDropped)
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Run feeds the collectors from bus until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(512,
		string(notification.EventScheduled),
		string(notification.EventFired),
		string(notification.EventAcknowledged),
		string(notification.EventCancelled),
		delivery.EventSent,
		delivery.EventFailed,
		delivery.EventDropped,
		trigger.EventRun,
	)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

// Observe records a single bus event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch data := ev.Data.(type) {
	case notification.Record:
		kind := strings.TrimPrefix(ev.Type, "notification.")
		m.transitionsTotal.WithLabelValues(kind).Inc()
		if ev.Type == string(notification.EventAcknowledged) && !data.FiredAt.IsZero() {
			m.timeToAck.Observe(max(data.AckedAt.Sub(data.FiredAt).Seconds(), 0))
		}
	case delivery.Event:
		channel := normalize(data.Channel)
		switch ev.Type {
		case delivery.EventSent:
			m.deliveriesTotal.WithLabelValues(channel, data.Kind, "sent").Inc()
		case delivery.EventFailed:
			m.deliveriesTotal.WithLabelValues(channel, data.Kind, "failed").Inc()
		case delivery.EventDropped:
			m.deliveriesTotal.WithLabelValues(channel, data.Kind, "dropped").Inc()
			return
		}
		m.deliveryAttempts.WithLabelValues(channel).Observe(float64(data.Attempts))
		m.deliveryLatency.WithLabelValues(channel).Observe(max(data.Latency.Seconds(), 0))
	case trigger.Run:
		outcome := "ok"
		switch {
		case data.Skipped:
			outcome = "skipped"
		case data.Error != "":
			outcome = "error"
		}
		m.triggerRunsTotal.WithLabelValues(data.Name, outcome).Inc()
	}
}

func normalize(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return "unknown"
	}
	return label
}
