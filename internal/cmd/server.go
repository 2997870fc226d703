package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/infrahq/lockbox/internal/server"
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the key rotation scheduler and the metrics endpoint",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			options, err := loadServerOptions(cmd)
			if err != nil {
				return err
			}

			srv, err := newServer(options)
			if err != nil {
				return fmt.Errorf("creating server: %w", err)
			}

			if err := srv.Listen(); err != nil {
				_ = srv.Close()
				return err
			}

			return runServer(cmd.Context(), srv)
		},
	}

	cmd.Flags().String("metrics-addr", ":9090", "Address of the metrics and health endpoint, empty to disable")
	bindFlag(cmd.Flags(), "metrics-addr", "addr.metrics")
	cmd.Flags().Duration("rotation-interval", 24*time.Hour, "Time between key rotations")
	bindFlag(cmd.Flags(), "rotation-interval", "rotation.interval")
	cmd.Flags().Duration("rotation-jitter", time.Hour, "Random offset applied to each rotation interval")
	bindFlag(cmd.Flags(), "rotation-jitter", "rotation.jitter")
	cmd.Flags().Int("rotation-concurrency", 4, "Number of vaults rotated at once")
	bindFlag(cmd.Flags(), "rotation-concurrency", "rotation.concurrency")
	cmd.Flags().Bool("rotation-enabled", true, "Rotate vault keys on a timer")
	bindFlag(cmd.Flags(), "rotation-enabled", "rotation.enabled")

	return cmd
}

// shim for testing
var runServer = func(ctx context.Context, srv *server.Server) error {
	return srv.Run(ctx)
}
