// Package metrics provides Prometheus metrics for the usage bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ovoenergyau"

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Collector holds all Prometheus metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	// Refresh cycle metrics
	RefreshTotal     *prometheus.CounterVec
	RefreshDuration  *prometheus.HistogramVec
	RefreshCoalesced prometheus.Counter
	LastSuccess      prometheus.Gauge
	SnapshotKWh      *prometheus.GaugeVec
	HourlyEntryCount *prometheus.GaugeVec
	SinkErrors       *prometheus.CounterVec

	// Upstream metrics
	UpstreamDuration *prometheus.HistogramVec
	UpstreamRequests *prometheus.CounterVec

	// Auth metrics
	TokenOperations *prometheus.CounterVec
}

// New creates a collector registered with reg. If reg is also a
// prometheus.Gatherer it backs Handler.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	c := &Collector{
		RefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_total",
				Help:      "Total number of refresh cycles",
			},
			[]string{"trigger", "result"},
		),
		RefreshDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "refresh_duration_seconds",
				Help:      "Refresh cycle duration in seconds",
				Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"trigger"},
		),
		RefreshCoalesced: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_coalesced_total",
				Help:      "Triggers that joined an already pending refresh cycle",
			},
		),
		LastSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "refresh_last_success_timestamp",
				Help:      "Unix timestamp of the last published snapshot",
			},
		),
		SnapshotKWh: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "snapshot_kwh",
				Help:      "Energy totals of the current snapshot",
			},
			[]string{"period", "category"},
		),
		HourlyEntryCount: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "snapshot_hourly_entries",
				Help:      "Number of hourly entries in the current snapshot",
			},
			[]string{"category"},
		),
		SinkErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_errors_total",
				Help:      "Failures writing a published snapshot to a sink",
			},
			[]string{"sink"},
		),
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_duration_seconds",
				Help:      "Upstream request duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		UpstreamRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_requests_total",
				Help:      "Total number of upstream requests",
			},
			[]string{"operation", "result"},
		),
		TokenOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_operations_total",
				Help:      "Token acquisitions by method",
			},
			[]string{"method", "result"},
		),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// Handler serves the metrics registered with the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}

// ObserveRefresh records a finished refresh cycle.
func (c *Collector) ObserveRefresh(trigger string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.RefreshTotal.WithLabelValues(trigger, result(err)).Inc()
	c.RefreshDuration.WithLabelValues(trigger).Observe(d.Seconds())
	if err == nil {
		c.LastSuccess.SetToCurrentTime()
	}
}

// ObserveCoalesced records a trigger that joined a pending cycle.
func (c *Collector) ObserveCoalesced() {
	if c == nil {
		return
	}
	c.RefreshCoalesced.Inc()
}

// ObserveUpstream records a single upstream request.
func (c *Collector) ObserveUpstream(operation string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.UpstreamRequests.WithLabelValues(operation, result(err)).Inc()
	c.UpstreamDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveToken records how a token was obtained: cached, refresh or login.
func (c *Collector) ObserveToken(method string, err error) {
	if c == nil {
		return
	}
	c.TokenOperations.WithLabelValues(method, result(err)).Inc()
}

// ObserveSinkError records a failed sink write.
func (c *Collector) ObserveSinkError(sink string) {
	if c == nil {
		return
	}
	c.SinkErrors.WithLabelValues(sink).Inc()
}

// SetSnapshotKWh sets the energy gauge for a period and category.
func (c *Collector) SetSnapshotKWh(period, category string, kwh float64) {
	if c == nil {
		return
	}
	c.SnapshotKWh.WithLabelValues(period, category).Set(kwh)
}

// SetHourlyEntries sets the hourly entry count gauge for a category.
func (c *Collector) SetHourlyEntries(category string, n int) {
	if c == nil {
		return
	}
	c.HourlyEntryCount.WithLabelValues(category).Set(float64(n))
}
