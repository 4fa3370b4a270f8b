package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"procodus.dev/smartmeter/pkg/livefeed"
)

var pollCmd = &cobra.Command{
	Use:   "poll GROUP_ID...",
	Short: "Print the live state of groups",
	Long: `Poll the backend live feed over gRPC and print the live state of the
given groups as JSON, once or at a fixed interval.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPoll,
}

func init() {
	rootCmd.AddCommand(pollCmd)

	pollCmd.Flags().String("addr", "localhost:9090", "Live feed gRPC address")
	pollCmd.Flags().String("live-token", "", "Live data token")
	pollCmd.Flags().Duration("interval", 0, "Poll repeatedly at this interval; 0 polls once")

	_ = viper.BindPFlag("poll.addr", pollCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("poll.live_token", pollCmd.Flags().Lookup("live-token"))
	_ = viper.BindPFlag("poll.interval", pollCmd.Flags().Lookup("interval"))
}

func runPoll(cmd *cobra.Command, args []string) error {
	ids, err := parseGroupIDs(args)
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(
		viper.GetString("poll.addr"),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to live feed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	client, err := livefeed.NewClient(conn, viper.GetString("poll.live_token"))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	enc := json.NewEncoder(os.Stdout)
	interval := viper.GetDuration("poll.interval")
	for {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		groups, err := client.LiveData(callCtx, ids)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to fetch live data: %w", err)
		}
		if err := enc.Encode(groups); err != nil {
			return err
		}

		if interval <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// parseGroupIDs accepts ids as separate arguments or comma separated.
func parseGroupIDs(args []string) ([]uint, error) {
	var ids []uint
	for _, arg := range args {
		for _, p := range strings.Split(arg, ",") {
			if p = strings.TrimSpace(p); p == "" {
				continue
			}
			id, err := strconv.ParseUint(p, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid group id %q", p)
			}
			ids = append(ids, uint(id))
		}
	}
	return ids, nil
}
