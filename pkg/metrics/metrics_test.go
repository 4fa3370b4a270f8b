package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/smartmeter/pkg/metrics"
)

// The constructors register with the global registry, so each one runs
// once for the whole suite.
var (
	ingest    = metrics.NewIngestMetrics("suite")
	mq        = metrics.NewMQMetrics("suite")
	generator = metrics.NewGeneratorMetrics("suite")
)

var _ = Describe("Registry", func() {
	scrape := func() string {
		rec := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
		body, err := io.ReadAll(rec.Body)
		Expect(err).NotTo(HaveOccurred())
		return string(body)
	}

	It("should expose the runtime collectors", func() {
		body := scrape()
		Expect(body).To(ContainSubstring("go_goroutines"))
		Expect(body).To(ContainSubstring("go_build_info"))
	})

	It("should expose labelled series once they are touched", func() {
		ingest.MeasurementsStored.WithLabelValues("power").Inc()
		mq.ConnectedClients.WithLabelValues("readings").Set(2)
		generator.ReadingsPublished.WithLabelValues("gas").Add(3)

		body := scrape()
		Expect(body).To(ContainSubstring(`suite_mq_connected_clients{queue="readings"} 2`))
		Expect(body).To(ContainSubstring("suite_generator_readings_published_total"))
		Expect(testutil.ToFloat64(ingest.MeasurementsStored.WithLabelValues("power"))).To(Equal(1.0))
	})

	It("should count its own scrapes", func() {
		scrape()
		Expect(scrape()).To(ContainSubstring("promhttp_metric_handler_requests_total"))
	})

	It("should refuse a second registration under the same name", func() {
		Expect(func() { metrics.NewMQMetrics("suite") }).To(Panic())
	})
})
