package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/smartmeter/internal/meter"
	"procodus.dev/smartmeter/internal/producer"
	"procodus.dev/smartmeter/pkg/metrics"
)

var generatorCmd = &cobra.Command{
	Use:   "generator",
	Short: "Run the connector simulator",
	Long: `Run the connector simulator that:
- Simulates one GPX connector per API key, each with one to three meters
- Publishes power, gas and solar readings to RabbitMQ
- Optionally exposes Prometheus metrics`,
	RunE: runGenerator,
}

func init() {
	rootCmd.AddCommand(generatorCmd)

	generatorCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	generatorCmd.Flags().String("queue-name", "readings", "RabbitMQ queue name for connector readings")
	generatorCmd.Flags().StringSlice("api-keys", nil, "API keys of the simulated users, one connector each")
	generatorCmd.Flags().Duration("interval", 10*time.Second, "Interval between readings of a connector")
	generatorCmd.Flags().String("timezone", meter.DefaultZone, "Time zone of the simulated meters")
	generatorCmd.Flags().Int("metrics-port", 0, "Port to expose Prometheus metrics on; 0 disables")

	_ = viper.BindPFlag("generator.rabbitmq.url", generatorCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("generator.rabbitmq.queue_name", generatorCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("generator.api_keys", generatorCmd.Flags().Lookup("api-keys"))
	_ = viper.BindPFlag("generator.interval", generatorCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("generator.timezone", generatorCmd.Flags().Lookup("timezone"))
	_ = viper.BindPFlag("generator.metrics_port", generatorCmd.Flags().Lookup("metrics-port"))
}

func runGenerator(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting generator service")

	config := &producer.ServerConfig{
		Logger:      logger,
		RabbitMQURL: viper.GetString("generator.rabbitmq.url"),
		QueueName:   viper.GetString("generator.rabbitmq.queue_name"),
		APIKeys:     viper.GetStringSlice("generator.api_keys"),
		Interval:    viper.GetDuration("generator.interval"),
		Timezone:    viper.GetString("generator.timezone"),
	}

	metricsPort := viper.GetInt("generator.metrics_port")
	if metricsPort > 0 {
		config.Metrics = metrics.NewGeneratorMetrics("smartmeter")
		config.MQMetrics = metrics.NewMQMetrics("smartmeter")

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", metricsPort),
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	server, err := producer.NewServer(config)
	if err != nil {
		logger.Error("failed to create generator server", "error", err)
		return err
	}

	logger.Info("generator server configuration",
		"rabbitmq_url", config.RabbitMQURL,
		"reading_queue", config.QueueName,
		"connector_count", len(config.APIKeys),
		"interval", config.Interval,
		"metrics_port", metricsPort,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("generator server error", "error", err)
		return err
	}

	logger.Info("generator server stopped")
	return nil
}
