package main

import (
	"github.com/spf13/cobra"

	"procodus.dev/smartmeter/internal/backend"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindDBFlags(cmd)
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		logger := GetLogger()

		db, err := backend.NewDB(dbConfig(logger))
		if err != nil {
			logger.Error("migration failed", "error", err)
			return err
		}

		logger.Info("database schema is up to date")
		return backend.CloseDB(db, logger)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	addDBFlags(migrateCmd.Flags())
}
