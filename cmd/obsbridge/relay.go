package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/obsbridge/obsbridge/internal/relay"
	"github.com/spf13/cobra"
)

func relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the rendezvous relay server",
		Long: `Start the relay server that pairs one host connection with any number
of client connections under a shared room code and routes requests
between them. The relay holds room state in memory only.`,
		Args: cobra.NoArgs,
		RunE: runRelay,
	}

	cmd.Flags().String("listen", ":8080", "address to listen on")
	cmd.Flags().Int("max-connections", 0, "max concurrent connections (0 = unlimited)")

	return cmd
}

func runRelay(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	maxConn, _ := cmd.Flags().GetInt("max-connections")
	logger := loggerFromFlags(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listen, err)
	}

	srv := relay.NewServer(relay.Config{
		MaxConnections: maxConn,
		Logger:         logger,
		Metrics:        m,
	})
	return srv.ListenAndServe(ctx, ln)
}
