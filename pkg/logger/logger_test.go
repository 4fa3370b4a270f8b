package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/smartmeter/pkg/logger"
)

func entry(buf *bytes.Buffer) map[string]any {
	var e map[string]any
	Expect(json.Unmarshal(buf.Bytes(), &e)).To(Succeed())
	return e
}

var _ = Describe("Logger", func() {
	var buf *bytes.Buffer

	BeforeEach(func() {
		buf = &bytes.Buffer{}
	})

	Describe("New", func() {
		It("should fall back to defaults without a config", func() {
			Expect(logger.New(nil)).NotTo(BeNil())
		})

		It("should write JSON by default", func() {
			log := logger.New(&logger.Config{Output: buf})
			log.Info("reading recorded", "meter_id", 7)

			e := entry(buf)
			Expect(e).To(HaveKey("time"))
			Expect(e).To(HaveKeyWithValue("level", "INFO"))
			Expect(e).To(HaveKeyWithValue("msg", "reading recorded"))
			Expect(e).To(HaveKeyWithValue("meter_id", float64(7)))
		})

		It("should write text when asked", func() {
			log := logger.New(&logger.Config{Output: buf, Format: "TEXT"})
			log.Info("reading recorded", "meter_id", 7)

			Expect(buf.String()).To(ContainSubstring(`msg="reading recorded"`))
			Expect(buf.String()).To(ContainSubstring("meter_id=7"))
		})

		It("should include the source when enabled", func() {
			log := logger.New(&logger.Config{Output: buf, AddSource: true})
			log.Info("with source")

			Expect(entry(buf)).To(HaveKey("source"))
		})

		It("should not modify the config", func() {
			cfg := &logger.Config{}
			logger.New(cfg)
			Expect(cfg.Output).To(BeNil())
		})
	})

	Describe("levels", func() {
		DescribeTable("should respect log level filtering",
			func(level slog.Level, logFunc func(*slog.Logger), shouldLog bool) {
				log := logger.New(&logger.Config{Output: buf, Level: level})
				logFunc(log)
				Expect(buf.Len() > 0).To(Equal(shouldLog))
			},
			Entry("debug at debug", slog.LevelDebug, func(l *slog.Logger) { l.Debug("m") }, true),
			Entry("debug at info", slog.LevelInfo, func(l *slog.Logger) { l.Debug("m") }, false),
			Entry("info at info", slog.LevelInfo, func(l *slog.Logger) { l.Info("m") }, true),
			Entry("info at warn", slog.LevelWarn, func(l *slog.Logger) { l.Info("m") }, false),
			Entry("warn at warn", slog.LevelWarn, func(l *slog.Logger) { l.Warn("m") }, true),
			Entry("warn at error", slog.LevelError, func(l *slog.Logger) { l.Warn("m") }, false),
			Entry("error at error", slog.LevelError, func(l *slog.Logger) { l.Error("m") }, true),
		)
	})

	Describe("ParseLevel", func() {
		DescribeTable("should parse level strings",
			func(input string, expected slog.Level) {
				Expect(logger.ParseLevel(input)).To(Equal(expected))
			},
			Entry("debug", "debug", slog.LevelDebug),
			Entry("info", "info", slog.LevelInfo),
			Entry("warn", "warn", slog.LevelWarn),
			Entry("warning", "warning", slog.LevelWarn),
			Entry("error", "error", slog.LevelError),
			Entry("upper case", "DEBUG", slog.LevelDebug),
			Entry("padded", " error ", slog.LevelError),
			Entry("unknown", "verbose", slog.LevelInfo),
			Entry("empty", "", slog.LevelInfo),
		)
	})

	Describe("Component", func() {
		It("should tag every record with the component", func() {
			log := logger.Component(logger.New(&logger.Config{Output: buf}), "consumer")
			log.Info("first")
			log.Info("second")

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			Expect(lines).To(HaveLen(2))
			for _, line := range lines {
				Expect(line).To(ContainSubstring(`"component":"consumer"`))
			}
		})
	})

	Describe("DefaultConfig", func() {
		It("should log JSON at info level", func() {
			cfg := logger.DefaultConfig()
			Expect(cfg.Level).To(Equal(slog.LevelInfo))
			Expect(cfg.Format).To(Equal(logger.FormatJSON))
			Expect(cfg.AddSource).To(BeFalse())
		})
	})
})
