package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"conveyflow/config"
	"conveyflow/outbox"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var relayConnectTimeout time.Duration

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish outbox events to NATS JetStream",
	Long: `Claim unpublished outbox rows and publish them to the CONVEYFLOW_EVENTS
stream. Each row is published with its id as the message id so JetStream
drops duplicates after a crash between publish and mark.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, err := openPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		return runRelay(ctx, cfg, pool)
	},
}

func init() {
	relayCmd.Flags().DurationVar(&relayConnectTimeout, "connect-timeout", 30*time.Second, "how long to retry the NATS connection")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	if cfg.NATSURL == "" {
		return errors.New("relay: nats_url is required")
	}
	timeout := relayConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client, err := outbox.ConnectJetStreamWithRetry(cfg.NATSURL, timeout)
	if err != nil {
		return err
	}
	defer client.Close()

	relay := outbox.NewRelay(pool, outbox.JetStreamPublisher{JS: client.JS}).
		WithBatchSize(cfg.Relay.BatchSize).
		WithInterval(cfg.Relay.Interval)
	err = relay.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
