package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/obsbridge/obsbridge/internal/metrics"
	"github.com/spf13/cobra"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "obsbridge",
		Short:        "Websocket relay for remote OBS control",
		Long:         "Route OBS control-plane requests between a remote controller and the machine running OBS, with neither exposing a public port to the other.",
		SilenceUsage: true,
	}

	// Global flags.
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")

	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(hostCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func loggerFromFlags(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	return newLogger(level)
}

// resolveMetrics creates a Metrics instance and starts the HTTP server
// if --metrics-addr or OBSBRIDGE_METRICS_ADDR is set. Returns nil if
// metrics are disabled. The provided context controls the server's
// lifetime.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = os.Getenv("OBSBRIDGE_METRICS_ADDR")
	}
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

// flagOrEnv returns the flag value, falling back to the environment
// variable when the flag is empty.
func flagOrEnv(cmd *cobra.Command, flag, env string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	return os.Getenv(env)
}

// resolveRelayURL returns the relay websocket URL from --relay-url or
// OBSBRIDGE_RELAY_URL.
func resolveRelayURL(cmd *cobra.Command) (string, error) {
	if url := flagOrEnv(cmd, "relay-url", "OBSBRIDGE_RELAY_URL"); url != "" {
		return url, nil
	}
	return "", fmt.Errorf("relay URL is required: use --relay-url or set OBSBRIDGE_RELAY_URL")
}

// resolveRoom returns the room code from --room, a positional argument,
// or OBSBRIDGE_ROOM.
func resolveRoom(cmd *cobra.Command, args []string) string {
	if room, _ := cmd.Flags().GetString("room"); room != "" {
		return room
	}
	if len(args) > 0 {
		return args[0]
	}
	return os.Getenv("OBSBRIDGE_ROOM")
}
