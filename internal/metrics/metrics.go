// Package metrics exposes the agent's Prometheus collectors. The agent
// registers an EngineCollector per run and serves the registry on
// /metrics when --metrics-address is set.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a private registry that remembers what was registered so an
// agent can release its collectors on shutdown.
type Metrics interface {
	Register(cs prometheus.Collector) error
	UnregisterAll()
	Reader
}

// Reader serves the registry in the Prometheus exposition format.
type Reader interface {
	HTTPHandler() http.Handler
}

type metrics struct {
	registry   *prometheus.Registry
	collectors []prometheus.Collector
}

func New() Metrics {
	return &metrics{
		registry: prometheus.NewRegistry(),
	}
}

func (m *metrics) Register(cs prometheus.Collector) error {
	if err := m.registry.Register(cs); err != nil {
		return err
	}

	m.collectors = append(m.collectors, cs)

	return nil
}

// UnregisterAll drops every collector added through Register. The
// registry stays usable.
func (m *metrics) UnregisterAll() {
	for _, cs := range m.collectors {
		m.registry.Unregister(cs)
	}
	m.collectors = nil
}

// HTTPHandler also reports scrape counts for the registry itself.
func (m *metrics) HTTPHandler() http.Handler {
	return promhttp.InstrumentMetricHandler(m.registry, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
