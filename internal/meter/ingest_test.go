package meter_test

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/smartmeter/internal/meter"
)

var _ = Describe("Engine", func() {
	var (
		f     *fixture
		owner meter.User
		t0    time.Time
	)

	BeforeEach(func() {
		f = newFixture()
		owner = f.user("alice")
		t0 = f.clock.Now()
	})

	Describe("NewEngine", func() {
		It("should return error when config is nil", func() {
			engine, err := meter.NewEngine(nil)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("config cannot be nil"))
			Expect(engine).To(BeNil())
		})

		It("should return error when store is nil", func() {
			engine, err := meter.NewEngine(&meter.EngineConfig{
				Logger: slog.New(slog.NewJSONHandler(os.Stderr, nil)),
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("store"))
			Expect(engine).To(BeNil())
		})
	})

	Describe("RecordReading", func() {
		Context("for an unseen serial", func() {
			It("should create the meter with one row per channel", func() {
				m, res := f.ingest(owner, sample{sn: "E0001", at: t0, import1: "100", gas: "50", solar: "1.5"})

				Expect(res.Created).To(BeTrue())
				Expect(m.ID).NotTo(BeZero())
				Expect(m.Name).To(Equal("alice 1"))
				Expect(m.AgentVersion).To(Equal("2.1.0"))
				Expect(fixed(m.TotalPowerImport1)).To(Equal("100.000"))
				Expect(fixed(m.ActualGas.Decimal)).To(Equal("0.000"))
				Expect(f.count(&meter.Meter{})).To(Equal(int64(1)))
				Expect(f.count(&meter.PowerMeasurement{})).To(Equal(int64(1)))
				Expect(f.count(&meter.GasMeasurement{})).To(Equal(int64(1)))
				Expect(f.count(&meter.SolarMeasurement{})).To(Equal(int64(1)))
			})

			It("should name meters after the number the owner has", func() {
				f.ingest(owner, sample{sn: "E0001", at: t0, import1: "1"})
				m, _ := f.ingest(owner, sample{sn: "E0002", at: t0, import1: "1"})
				Expect(m.Name).To(Equal("alice 2"))
			})

			It("should shorten long owner names on a character boundary", func() {
				long := f.user("a" + strings.Repeat("é", 40))
				m, _ := f.ingest(long, sample{sn: "E0001", at: t0, import1: "1"})
				Expect(utf8.ValidString(m.Name)).To(BeTrue())
				Expect(utf8.RuneCountInString(m.Name)).To(Equal(30))
				Expect(m.Name).To(Equal("a" + strings.Repeat("é", 27) + " 1"))
			})

			It("should keep meters of different owners apart", func() {
				bob := f.user("bob")
				a, _ := f.ingest(owner, sample{sn: "E0001", at: t0, import1: "1"})
				b, res := f.ingest(bob, sample{sn: "E0001", at: t0, import1: "1"})
				Expect(res.Created).To(BeTrue())
				Expect(b.ID).NotTo(Equal(a.ID))
			})
		})

		Context("end to end", func() {
			It("should debounce history while keeping the snapshot fresh", func() {
				first, _ := f.ingest(owner, sample{sn: "E0001", at: t0, import1: "100", gas: "50", solar: "1.5"})

				f.clock.Advance(2 * time.Minute)
				second, res := f.ingest(owner, sample{sn: "E0001", at: t0.Add(2 * time.Minute), import1: "101", gas: "50.5", solar: "2"})
				Expect(res.Created).To(BeFalse())
				Expect(second.ID).To(Equal(first.ID))
				Expect(res.Power).To(BeNil())
				Expect(res.Gas).To(BeNil())
				Expect(res.Solar).To(BeNil())
				Expect(f.count(&meter.PowerMeasurement{})).To(Equal(int64(1)))
				Expect(f.count(&meter.GasMeasurement{})).To(Equal(int64(1)))
				Expect(f.count(&meter.SolarMeasurement{})).To(Equal(int64(1)))

				stored, err := f.store.Meter(f.ctx, owner.ID, first.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(fixed(stored.TotalPowerImport1)).To(Equal("101.000"))
				Expect(fixed(stored.TotalGas.Decimal)).To(Equal("50.500"))
				Expect(fixed(stored.ActualSolar.Decimal)).To(Equal("2.000"))
				Expect(stored.LastUpdate).To(BeTemporally("==", t0.Add(2*time.Minute)))

				f.clock.Advance(4 * time.Minute)
				_, res = f.ingest(owner, sample{sn: "E0001", at: t0.Add(6 * time.Minute), import1: "102", gas: "51", solar: "2.5"})
				Expect(res.Power).NotTo(BeNil())
				Expect(res.Gas).NotTo(BeNil())
				Expect(res.Solar).NotTo(BeNil())
				Expect(f.count(&meter.Meter{})).To(Equal(int64(1)))
				Expect(f.count(&meter.PowerMeasurement{})).To(Equal(int64(2)))
				Expect(f.count(&meter.GasMeasurement{})).To(Equal(int64(2)))
				Expect(f.count(&meter.SolarMeasurement{})).To(Equal(int64(2)))

				stored, err = f.store.Meter(f.ctx, owner.ID, first.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(fixed(stored.ActualGas.Decimal)).To(Equal("10.000"))
			})
		})

		Context("debounce window", func() {
			It("should not store a sample exactly one window after the prior", func() {
				f.ingest(owner, sample{sn: "E0001", at: t0, import1: "1"})
				_, res := f.ingest(owner, sample{sn: "E0001", at: t0.Add(meter.PowerGap), import1: "2"})
				Expect(res.Power).To(BeNil())
				Expect(f.count(&meter.PowerMeasurement{})).To(Equal(int64(1)))
			})

			It("should store a sample just past the window", func() {
				f.ingest(owner, sample{sn: "E0001", at: t0, import1: "1"})
				_, res := f.ingest(owner, sample{sn: "E0001", at: t0.Add(meter.PowerGap + time.Second), import1: "2"})
				Expect(res.Power).NotTo(BeNil())
				Expect(f.count(&meter.PowerMeasurement{})).To(Equal(int64(2)))
			})

			It("should treat a repeated reading as a no-op", func() {
				s := sample{sn: "E0001", at: t0, import1: "1", gas: "3"}
				f.ingest(owner, s)
				_, res := f.ingest(owner, s)
				Expect(res.Power).To(BeNil())
				Expect(res.Gas).To(BeNil())
				Expect(f.count(&meter.PowerMeasurement{})).To(Equal(int64(1)))
				Expect(f.count(&meter.GasMeasurement{})).To(Equal(int64(1)))
			})
		})

		Context("channel gating", func() {
			It("should hold back gas history while power is debounced", func() {
				f.ingest(owner, sample{sn: "E0001", at: t0, import1: "1", gas: "3"})
				_, res := f.ingest(owner, sample{sn: "E0001", at: t0.Add(4*time.Minute + 40*time.Second), import1: "2", gas: "4"})
				Expect(res.Power).To(BeNil())
				Expect(res.Gas).To(BeNil())
				Expect(f.count(&meter.GasMeasurement{})).To(Equal(int64(1)))
			})

			It("should apply the shorter gas window when gating is off", func() {
				engine, err := meter.NewEngine(&meter.EngineConfig{
					Store:  f.store,
					Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
				})
				Expect(err).NotTo(HaveOccurred())

				s := sample{sn: "E0001", at: t0, import1: "1", gas: "3"}
				_, _, err = engine.Ingest(f.ctx, owner, s.payload(), "")
				Expect(err).NotTo(HaveOccurred())

				s = sample{sn: "E0001", at: t0.Add(4*time.Minute + 40*time.Second), import1: "2", gas: "4"}
				_, res, err := engine.Ingest(f.ctx, owner, s.payload(), "")
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Power).To(BeNil())
				Expect(res.Gas).NotTo(BeNil())
				Expect(f.count(&meter.GasMeasurement{})).To(Equal(int64(2)))
			})
		})

		Context("gas rate", func() {
			BeforeEach(func() {
				f.ingest(owner, sample{sn: "E0001", at: t0, import1: "1", gas: "100"})
			})

			It("should derive the hourly rate from the prior row", func() {
				m, res := f.ingest(owner, sample{sn: "E0001", at: t0.Add(30 * time.Minute), import1: "2", gas: "110"})
				Expect(res.Gas).NotTo(BeNil())
				Expect(fixed(res.Gas.ActualGas)).To(Equal("20.000"))
				Expect(fixed(m.ActualGas.Decimal)).To(Equal("20.000"))
			})

			It("should report zero when the total decreased", func() {
				_, res := f.ingest(owner, sample{sn: "E0001", at: t0.Add(30 * time.Minute), import1: "2", gas: "90"})
				Expect(res.Gas).NotTo(BeNil())
				Expect(res.Gas.ActualGas.IsZero()).To(BeTrue())
			})

			It("should keep the previous rate on the snapshot while debounced", func() {
				f.ingest(owner, sample{sn: "E0001", at: t0.Add(30 * time.Minute), import1: "2", gas: "110"})
				m, res := f.ingest(owner, sample{sn: "E0001", at: t0.Add(31 * time.Minute), import1: "3", gas: "111"})
				Expect(res.Gas).To(BeNil())
				Expect(fixed(m.ActualGas.Decimal)).To(Equal("20.000"))
				Expect(fixed(m.TotalGas.Decimal)).To(Equal("111.000"))
			})
		})

		Context("snapshot", func() {
			It("should clear gas and solar when the reading lacks them", func() {
				f.ingest(owner, sample{sn: "E0001", at: t0, import1: "1", gas: "3", solar: "1"})
				m, _ := f.ingest(owner, sample{sn: "E0001", at: t0.Add(time.Minute), import1: "2"})
				Expect(m.TotalGas.Valid).To(BeFalse())
				Expect(m.ActualGas.Valid).To(BeFalse())
				Expect(m.SnGas).To(BeNil())
				Expect(m.ActualSolar.Valid).To(BeFalse())
				Expect(m.SolarTimestamp).To(BeNil())
			})

			It("should never move last update backwards", func() {
				f.ingest(owner, sample{sn: "E0001", at: t0, import1: "1"})
				f.clock.Advance(-time.Minute)
				m, _ := f.ingest(owner, sample{sn: "E0001", at: t0.Add(time.Minute), import1: "2"})
				Expect(m.LastUpdate).To(BeTemporally("==", t0))
			})

			It("should record an unknown agent version", func() {
				s := sample{sn: "E0001", at: t0, import1: "1"}
				m, _, err := f.engine.Ingest(f.ctx, owner, s.payload(), "curl/8.0")
				Expect(err).NotTo(HaveOccurred())
				Expect(m.AgentVersion).To(Equal(meter.UnknownAgentVersion))
			})
		})

		Context("concurrent readings for one meter", func() {
			It("should create a single meter and history row", func() {
				var wg sync.WaitGroup
				s := sample{sn: "E0001", at: t0, import1: "1", gas: "2"}
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func() {
						defer GinkgoRecover()
						defer wg.Done()
						_, _, err := f.engine.Ingest(f.ctx, owner, s.payload(), "")
						Expect(err).NotTo(HaveOccurred())
					}()
				}
				wg.Wait()

				Expect(f.count(&meter.Meter{})).To(Equal(int64(1)))
				Expect(f.count(&meter.PowerMeasurement{})).To(Equal(int64(1)))
				Expect(f.count(&meter.GasMeasurement{})).To(Equal(int64(1)))
			})
		})

		Context("with invalid readings", func() {
			expectField := func(p *meter.Payload, field string) {
				_, _, err := f.engine.Ingest(f.ctx, owner, p, "")
				Expect(err).To(HaveOccurred())
				var verr *meter.ValidationError
				Expect(errors.As(err, &verr)).To(BeTrue())
				Expect(verr.Field).To(Equal(field))
				Expect(f.count(&meter.Meter{})).To(BeZero())
			}

			It("should name the channel of a malformed timestamp", func() {
				p := sample{sn: "E0001", at: t0, import1: "1", gas: "1"}.payload()
				p.Gas.Timestamp = "yesterday"
				expectField(p, "gas.timestamp")
			})

			It("should name a non numeric field", func() {
				p := sample{sn: "E0001", at: t0, import1: "abc"}.payload()
				expectField(p, "power.import_1")
			})

			It("should reject values that do not fit the column", func() {
				p := sample{sn: "E0001", at: t0, import1: "1000000"}.payload()
				expectField(p, "power.import_1")
			})

			It("should reject an unknown tariff", func() {
				p := sample{sn: "E0001", at: t0, import1: "1"}.payload()
				p.Power.Tariff = "3"
				expectField(p, "power.tariff")
			})

			It("should require the power channel", func() {
				expectField(&meter.Payload{}, "power")
			})
		})
	})
})
