package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"procodus.dev/smartmeter/internal/backend"
	"procodus.dev/smartmeter/internal/meter"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage API users",
}

var userAddCmd = &cobra.Command{
	Use:   "add USERNAME",
	Short: "Create a user and print its API key",
	Args:  cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindDBFlags(cmd)
	},
	RunE: runUserAdd,
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd)

	addDBFlags(userAddCmd.Flags())
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	logger := GetLogger()

	db, err := backend.NewDB(dbConfig(logger))
	if err != nil {
		return err
	}
	defer func() { _ = backend.CloseDB(db, logger) }()

	store, err := meter.NewStore(&meter.StoreConfig{DB: db, Logger: logger})
	if err != nil {
		return err
	}

	user, err := store.CreateUser(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	logger.Info("user created", "user_id", user.ID, "username", user.Username)
	fmt.Fprintln(cmd.OutOrStdout(), user.APIKey)
	return nil
}
