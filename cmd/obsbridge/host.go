package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/obsbridge/obsbridge/internal/obsws"
	"github.com/obsbridge/obsbridge/internal/proxy"
	"github.com/spf13/cobra"
)

const (
	hostTickInterval  = 100 * time.Millisecond
	reconnectInterval = 5 * time.Second
)

func hostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host [room]",
		Short: "Host a room: service routed requests against a local OBS",
		Long: `Connect to both the local OBS websocket and the relay, claim the host
role for a room, and service requests routed to it. When no room code
is given, a fresh one is generated and printed for sharing.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runHost,
	}

	cmd.Flags().String("relay-url", "", "relay websocket URL (e.g. wss://relay.example.com/ws)")
	cmd.Flags().String("room", "", "room code to host")
	cmd.Flags().String("obs-url", "ws://127.0.0.1:4455", "obs-websocket URL")
	cmd.Flags().String("obs-password", "", "obs-websocket password")
	cmd.Flags().Duration("dial-timeout", 30*time.Second, "total retry budget for the relay dial")

	return cmd
}

func runHost(cmd *cobra.Command, args []string) error {
	relayURL, err := resolveRelayURL(cmd)
	if err != nil {
		return err
	}
	room := resolveRoom(cmd, args)
	if room == "" {
		room = uuid.NewString()
		fmt.Printf("room code: %s\n", room)
	}
	obsURL := flagOrEnv(cmd, "obs-url", "OBSBRIDGE_OBS_URL")
	obsPassword := flagOrEnv(cmd, "obs-password", "OBSBRIDGE_OBS_PASSWORD")
	dialTimeout, _ := cmd.Flags().GetDuration("dial-timeout")
	logger := loggerFromFlags(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	obs := obsws.NewWebSocketClient(obsURL, obsPassword, logger)
	defer obs.Close() //nolint:errcheck // best-effort cleanup

	h := proxy.NewHost(proxy.HostConfig{
		RelayURL:    relayURL,
		RoomCode:    room,
		OBS:         obs,
		DialTimeout: dialTimeout,
		Logger:      logger,
	})
	defer h.Close()

	if !h.Connect(ctx) {
		return fmt.Errorf("failed to connect (room %q)", room)
	}

	ticker := time.NewTicker(hostTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Update(ctx)
			if !h.Connected() {
				logger.Warn("connection lost, reconnecting", "room", room)
				if !h.Connect(ctx) {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(reconnectInterval):
					}
				}
			}
		}
	}
}
