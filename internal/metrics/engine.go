package metrics

import (
	"github.com/makinje/busrelay-agent/internal/engine"

	"github.com/prometheus/client_golang/prometheus"
)

// DepthFunc reports the current ingestion queue depth.
type DepthFunc func() int

// EngineCollector exports engine activity. It implements engine.Observer
// and prometheus.Collector.
type EngineCollector struct {
	depth DepthFunc

	framesSent      prometheus.Counter
	framesAbandoned prometheus.Counter
	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	batchSize       prometheus.Gauge
	cycleDelay      prometheus.Gauge
	retrying        prometheus.Gauge
	queueDepthDesc  *prometheus.Desc
}

func NewEngineCollector(vehicle string, depth DepthFunc) *EngineCollector {
	labels := prometheus.Labels{"vehicle": vehicle}

	return &EngineCollector{
		depth: depth,
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "busrelay_frames_sent_total",
			Help:        "Frames acknowledged by the collector",
			ConstLabels: labels,
		}),
		framesAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "busrelay_frames_abandoned_total",
			Help:        "Frames in failed split halves that were dropped",
			ConstLabels: labels,
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "busrelay_requests_total",
			Help:        "Batch requests by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "busrelay_request_duration_seconds",
			Help:        "Time charged to each batch request",
			ConstLabels: labels,
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 1.5, 2, 3, 5, 10},
		}),
		batchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "busrelay_batch_size_target",
			Help:        "Current target batch size",
			ConstLabels: labels,
		}),
		cycleDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "busrelay_cycle_delay_seconds",
			Help:        "Current delay between engine cycles",
			ConstLabels: labels,
		}),
		retrying: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "busrelay_retrying",
			Help:        "1 while the engine is retrying a failed buffer",
			ConstLabels: labels,
		}),
		queueDepthDesc: prometheus.NewDesc(
			"busrelay_queue_depth",
			"Frames waiting in the ingestion queue",
			nil, labels),
	}
}

func (c *EngineCollector) ObserveCycle(r engine.CycleReport) {
	c.batchSize.Set(float64(r.State.BatchSize))
	c.cycleDelay.Set(r.State.Delay.Seconds())
	if r.State.Retrying {
		c.retrying.Set(1)
	} else {
		c.retrying.Set(0)
	}

	if !r.Sent {
		return
	}
	c.framesSent.Add(float64(r.Result.Delivered))
	c.framesAbandoned.Add(float64(r.Result.Abandoned))
	for _, req := range r.Result.Requests {
		c.requests.WithLabelValues(req.Outcome.String()).Inc()
		switch req.Outcome {
		case engine.OutcomeTooLarge, engine.OutcomeUnencodable:
		default:
			c.requestDuration.Observe(req.Elapsed.Seconds())
		}
	}
}

func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	c.framesSent.Describe(ch)
	c.framesAbandoned.Describe(ch)
	c.requests.Describe(ch)
	c.requestDuration.Describe(ch)
	c.batchSize.Describe(ch)
	c.cycleDelay.Describe(ch)
	c.retrying.Describe(ch)
	ch <- c.queueDepthDesc
}

func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	c.framesSent.Collect(ch)
	c.framesAbandoned.Collect(ch)
	c.requests.Collect(ch)
	c.requestDuration.Collect(ch)
	c.batchSize.Collect(ch)
	c.cycleDelay.Collect(ch)
	c.retrying.Collect(ch)
	if c.depth != nil {
		ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(c.depth()))
	}
}
