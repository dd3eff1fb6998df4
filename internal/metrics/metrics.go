package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shpitdev/order-extraction-pipeline/internal/orders"
	"github.com/shpitdev/order-extraction-pipeline/internal/pipeline"
)

// Metrics holds the Prometheus collectors for the pipeline and its HTTP trigger.
type Metrics struct {
	RecordsTotal        *prometheus.CounterVec
	OrdersInsertedTotal prometheus.Counter
	RunsTotal           *prometheus.CounterVec
	RunDuration         prometheus.Histogram
	ExtractionDuration  *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// New builds the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderpipe_records_total",
				Help: "Total number of source records that reached a terminal status",
			},
			[]string{"status", "kind"},
		),
		OrdersInsertedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orderpipe_orders_inserted_total",
				Help: "Total number of order records committed",
			},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderpipe_runs_total",
				Help: "Total number of pipeline runs by outcome",
			},
			[]string{"outcome"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orderpipe_run_duration_seconds",
				Help:    "Duration of pipeline runs",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		ExtractionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orderpipe_extraction_duration_seconds",
				Help:    "Duration of extraction model calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "outcome"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderpipe_http_requests_total",
				Help: "Total number of HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orderpipe_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.RecordsTotal,
		m.OrdersInsertedTotal,
		m.RunsTotal,
		m.RunDuration,
		m.ExtractionDuration,
		m.HTTPRequestsTotal,
		m.HTTPDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordOutcome implements pipeline.Recorder.
func (m *Metrics) RecordOutcome(status orders.Status, kind string) {
	m.RecordsTotal.WithLabelValues(string(status), kind).Inc()
}

// RecordOrders implements pipeline.Recorder.
func (m *Metrics) RecordOrders(n int) {
	m.OrdersInsertedTotal.Add(float64(n))
}

// RecordRun implements pipeline.Recorder.
func (m *Metrics) RecordRun(s pipeline.Summary, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(s.Duration.Seconds())
}

// ObserveExtraction implements extract.Observer.
func (m *Metrics) ObserveExtraction(provider string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ExtractionDuration.WithLabelValues(provider, outcome).Observe(d.Seconds())
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}
