package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/smartmeter/internal/backend"
	"procodus.dev/smartmeter/internal/meter"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run the backend server",
	Long: `Run the backend server that:
- Serves the REST API for connectors, meters and groups
- Consumes connector readings from RabbitMQ
- Persists data to PostgreSQL
- Serves the live feed over gRPC`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindDBFlags(cmd)
	},
	RunE: runBackend,
}

func init() {
	rootCmd.AddCommand(backendCmd)

	addDBFlags(backendCmd.Flags())
	backendCmd.Flags().String("rabbitmq-url", "", "RabbitMQ URL; empty disables the reading consumer")
	backendCmd.Flags().String("queue-name", "readings", "RabbitMQ queue name for connector readings")
	backendCmd.Flags().Int("http-port", 8080, "HTTP API port")
	backendCmd.Flags().Int("grpc-port", 9090, "gRPC live feed port")
	backendCmd.Flags().String("live-token", "", "Token guarding live data; empty disables the live feed")
	backendCmd.Flags().String("timezone", meter.DefaultZone, "Time zone of meter timestamps and day buckets")
	backendCmd.Flags().Bool("power-gates-channels", true, "Only store gas and solar history alongside a power sample")
	backendCmd.Flags().Bool("metrics", true, "Expose Prometheus metrics on /metrics")

	_ = viper.BindPFlag("backend.rabbitmq.url", backendCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("backend.rabbitmq.queue_name", backendCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("backend.http.port", backendCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("backend.grpc.port", backendCmd.Flags().Lookup("grpc-port"))
	_ = viper.BindPFlag("backend.live_token", backendCmd.Flags().Lookup("live-token"))
	_ = viper.BindPFlag("backend.timezone", backendCmd.Flags().Lookup("timezone"))
	_ = viper.BindPFlag("backend.power_gates_channels", backendCmd.Flags().Lookup("power-gates-channels"))
	_ = viper.BindPFlag("backend.metrics", backendCmd.Flags().Lookup("metrics"))
}

func runBackend(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting backend service")

	db := dbConfig(logger)
	config := &backend.ServerConfig{
		Logger:             logger,
		DBHost:             db.Host,
		DBPort:             db.Port,
		DBUser:             db.User,
		DBPassword:         db.Password,
		DBName:             db.DBName,
		DBSSLMode:          db.SSLMode,
		DBMaxOpenConns:     db.MaxOpenConns,
		DBConnectTimeout:   db.ConnectTimeout,
		RabbitMQURL:        viper.GetString("backend.rabbitmq.url"),
		QueueName:          viper.GetString("backend.rabbitmq.queue_name"),
		HTTPPort:           viper.GetInt("backend.http.port"),
		GRPCPort:           viper.GetInt("backend.grpc.port"),
		LiveToken:          viper.GetString("backend.live_token"),
		Timezone:           viper.GetString("backend.timezone"),
		PowerGatesChannels: viper.GetBool("backend.power_gates_channels"),
		EnableMetrics:      viper.GetBool("backend.metrics"),
	}

	server, err := backend.NewServer(config)
	if err != nil {
		logger.Error("failed to create backend server", "error", err)
		return err
	}

	logger.Info("backend server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"rabbitmq_url", config.RabbitMQURL,
		"reading_queue", config.QueueName,
		"http_port", config.HTTPPort,
		"grpc_port", config.GRPCPort,
		"live_feed", config.LiveToken != "",
		"timezone", config.Timezone,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("backend server error", "error", err)
		return err
	}

	logger.Info("backend server stopped")
	return nil
}
