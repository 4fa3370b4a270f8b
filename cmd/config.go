// Package main provides the unified CLI entry point for the smartmeter services.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"procodus.dev/smartmeter/internal/backend"
	"procodus.dev/smartmeter/pkg/logger"
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and environment variables.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in current directory and /etc/smartmeter/
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/smartmeter/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// SMARTMETER_BACKEND_DB_HOST overrides backend.db.host and so on.
	viper.SetEnvPrefix("SMARTMETER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			// Config file not found; rely on env vars and defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates a slog.Logger based on configuration.
func GetLogger() *slog.Logger {
	return logger.New(&logger.Config{
		Output: os.Stdout,
		Format: viper.GetString("log.format"),
		Level:  logger.ParseLevel(viper.GetString("log.level")),
	})
}

// addDBFlags registers the database flags shared by every command that
// opens the database.
func addDBFlags(flags *pflag.FlagSet) {
	flags.String("db-host", "localhost", "PostgreSQL host")
	flags.Int("db-port", 5432, "PostgreSQL port")
	flags.String("db-user", "postgres", "PostgreSQL user")
	flags.String("db-password", "", "PostgreSQL password")
	flags.String("db-name", "smartmeter", "PostgreSQL database name")
	flags.String("db-sslmode", "disable", "PostgreSQL SSL mode")
	flags.Int("db-max-conns", 100, "Maximum open PostgreSQL connections")
	flags.Duration("db-connect-timeout", 5*time.Second, "PostgreSQL dial timeout")
}

// bindDBFlags binds the database flags of the running command under
// backend.db. Binding happens at run time because several commands share
// the keys and viper keeps only the last bound flag per key.
func bindDBFlags(cmd *cobra.Command) error {
	for key, flag := range map[string]string{
		"backend.db.host":            "db-host",
		"backend.db.port":            "db-port",
		"backend.db.user":            "db-user",
		"backend.db.password":        "db-password",
		"backend.db.name":            "db-name",
		"backend.db.sslmode":         "db-sslmode",
		"backend.db.max_open_conns":  "db-max-conns",
		"backend.db.connect_timeout": "db-connect-timeout",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind %s flag: %w", flag, err)
		}
	}
	return nil
}

// dbConfig reads the database settings from viper.
func dbConfig(log *slog.Logger) *backend.DBConfig {
	return &backend.DBConfig{
		Logger:   log,
		Host:     viper.GetString("backend.db.host"),
		Port:     viper.GetInt("backend.db.port"),
		User:     viper.GetString("backend.db.user"),
		Password: viper.GetString("backend.db.password"),
		DBName:   viper.GetString("backend.db.name"),
		SSLMode:  viper.GetString("backend.db.sslmode"),

		MaxOpenConns:   viper.GetInt("backend.db.max_open_conns"),
		ConnectTimeout: viper.GetDuration("backend.db.connect_timeout"),
	}
}
