package backend_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/smartmeter/internal/backend"
	"procodus.dev/smartmeter/internal/meter"
	"procodus.dev/smartmeter/pkg/gpx"
	"procodus.dev/smartmeter/pkg/metrics"
	"procodus.dev/smartmeter/pkg/mq/mock"
)

// ackRecorder is an amqp.Acknowledger that remembers the outcome per tag.
type ackRecorder struct {
	mu       sync.Mutex
	acked    []uint64
	requeued []uint64
}

func (a *ackRecorder) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *ackRecorder) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.requeued = append(a.requeued, tag)
	}
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *ackRecorder) Acked() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acked...)
}

func (a *ackRecorder) Requeued() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.requeued...)
}

// consumerMetrics builds unregistered collectors for the consumer.
func consumerMetrics() *metrics.BackendMetrics {
	return &metrics.BackendMetrics{
		ConsumerMessages:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "messages"}, []string{"status"}),
		ConsumerRedeliveries: prometheus.NewCounter(prometheus.CounterOpts{Name: "redeliveries"}),
		ConsumerLag:          prometheus.NewHistogram(prometheus.HistogramOpts{Name: "lag"}),
		ProcessingDuration:   prometheus.NewHistogram(prometheus.HistogramOpts{Name: "processing"}),
		ActiveConsumers:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "active"}),
	}
}

var _ = Describe("Consumer", func() {
	var (
		d      *domain
		client *mock.MockClient
		m      *metrics.BackendMetrics
	)

	BeforeEach(func() {
		d = newDomain()
		client = mock.NewMockClient()
		m = consumerMetrics()
	})

	config := func() *backend.ConsumerConfig {
		return &backend.ConsumerConfig{
			Logger:    newLogger(),
			Store:     d.store,
			Engine:    d.engine,
			Metrics:   m,
			MQClient:  client,
			QueueName: "readings",
		}
	}

	Describe("NewConsumer", func() {
		It("should create a consumer", func() {
			consumer, err := backend.NewConsumer(config())
			Expect(err).NotTo(HaveOccurred())
			Expect(consumer).NotTo(BeNil())
		})

		It("should return error when config is nil", func() {
			consumer, err := backend.NewConsumer(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(consumer).To(BeNil())
		})

		DescribeTable("rejected settings",
			func(mutate func(*backend.ConsumerConfig), message string) {
				cfg := config()
				mutate(cfg)
				consumer, err := backend.NewConsumer(cfg)
				Expect(err).To(MatchError(ContainSubstring(message)))
				Expect(consumer).To(BeNil())
			},
			Entry("nil logger", func(c *backend.ConsumerConfig) { c.Logger = nil }, "logger"),
			Entry("nil store", func(c *backend.ConsumerConfig) { c.Store = nil }, "store"),
			Entry("nil engine", func(c *backend.ConsumerConfig) { c.Engine = nil }, "engine"),
			Entry("empty queue name", func(c *backend.ConsumerConfig) { c.QueueName = "" }, "queue name"),
			Entry("no client and no URL", func(c *backend.ConsumerConfig) { c.MQClient = nil }, "rabbitmq URL"),
			Entry("negative prefetch", func(c *backend.ConsumerConfig) {
				c.MQClient = nil
				c.RabbitMQURL = "amqp://localhost:5672"
				c.Prefetch = -1
			}, "prefetch cannot be negative"),
		)

		It("should stop without having started", func() {
			consumer, err := backend.NewConsumer(config())
			Expect(err).NotTo(HaveOccurred())
			Expect(consumer.Stop()).To(Succeed())
			Expect(client.CloseCalls).To(Equal(1))
		})
	})

	Describe("processing", func() {
		var (
			alice      *meter.User
			deliveries chan amqp.Delivery
			acks       *ackRecorder
			consumer   *backend.Consumer
			cancel     context.CancelFunc
			tag        uint64
		)

		power := func(sn string) *gpx.Power {
			return &gpx.Power{
				SN: sn, Timestamp: "now",
				Import1: "100", Import2: "0", Export1: "0", Export2: "0",
				ActualImport: "0.5", ActualExport: "0", Tariff: 1,
			}
		}

		send := func(body []byte) uint64 {
			tag++
			deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: tag, Body: body}
			return tag
		}

		envelope := func(key string, r *gpx.Reading) []byte {
			data, err := gpx.NewEnvelope(key, "2.1.0", r)
			Expect(err).NotTo(HaveOccurred())
			return data
		}

		BeforeEach(func() {
			alice = d.user("alice")
			deliveries = make(chan amqp.Delivery)
			client.ConsumeChannel = deliveries
			acks = &ackRecorder{}
			tag = 0

			var err error
			consumer, err = backend.NewConsumer(config())
			Expect(err).NotTo(HaveOccurred())

			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			Expect(consumer.Start(ctx)).To(Succeed())
			DeferCleanup(func() {
				cancel()
				Expect(consumer.Stop()).To(Succeed())
			})
		})

		It("should record a reading and ack it", func() {
			t := send(envelope(alice.APIKey, &gpx.Reading{Power: power("E1")}))
			Eventually(acks.Acked).Should(ContainElement(t))
			Expect(d.meterCount()).To(Equal(int64(1)))

			meters, err := d.store.Meters(context.Background(), alice.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(meters).To(HaveLen(1))
			Expect(meters[0].AgentVersion).To(Equal("2.1.0"))
		})

		It("should drop messages with an unknown api key", func() {
			t := send(envelope("ffffffffffffffff", &gpx.Reading{Power: power("E1")}))
			Eventually(acks.Acked).Should(ContainElement(t))
			Expect(d.meterCount()).To(BeZero())
		})

		It("should drop malformed messages", func() {
			t := send([]byte("not json"))
			Eventually(acks.Acked).Should(ContainElement(t))
		})

		It("should drop invalid readings", func() {
			t := send(envelope(alice.APIKey, &gpx.Reading{Power: &gpx.Power{Timestamp: "now"}}))
			Eventually(acks.Acked).Should(ContainElement(t))
			Expect(d.meterCount()).To(BeZero())
		})

		It("should requeue readings the store could not take", func() {
			sqlDB, err := d.db.DB()
			Expect(err).NotTo(HaveOccurred())
			Expect(sqlDB.Close()).To(Succeed())

			t := send(envelope(alice.APIKey, &gpx.Reading{Power: power("E1")}))
			Eventually(acks.Requeued).Should(ContainElement(t))
			Expect(acks.Acked()).NotTo(ContainElement(t))
		})

		It("should count outcomes and redeliveries", func() {
			tag++
			deliveries <- amqp.Delivery{
				Acknowledger: acks,
				DeliveryTag:  tag,
				Redelivered:  true,
				Timestamp:    time.Now().Add(-time.Second),
				Body:         envelope(alice.APIKey, &gpx.Reading{Power: power("E1")}),
			}
			t := send([]byte("not json"))
			Eventually(acks.Acked).Should(ContainElement(t))

			Expect(testutil.ToFloat64(m.ConsumerMessages.WithLabelValues("success"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.ConsumerMessages.WithLabelValues("invalid"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.ConsumerRedeliveries)).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.ActiveConsumers)).To(Equal(1.0))
			Expect(testutil.CollectAndCount(m.ConsumerLag)).To(Equal(1))
		})

		It("should stop when the deliveries channel closes", func() {
			close(deliveries)
			cancel()
		})
	})
})
