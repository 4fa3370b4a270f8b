// Package metrics holds the Prometheus collectors of the smartmeter
// backend and generator. All of them live in one registry served by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry every New*Metrics constructor registers with.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewBuildInfoCollector(),
	)
}

// Handler serves Registry in the Prometheus text or OpenMetrics format.
// Collection errors are reported through the promhttp error counter rather
// than failing the scrape.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
		Registry:          Registry,
	}))
}

// MustRegister registers collectors with Registry and panics on conflicts.
func MustRegister(cs ...prometheus.Collector) {
	Registry.MustRegister(cs...)
}
