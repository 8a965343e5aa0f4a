package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/obsbridge/obsbridge/internal/obsws"
	"github.com/obsbridge/obsbridge/internal/proxy"
	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [room]",
		Short: "Send a single request through a room",
		Long: `Join a room as a client, send one control-plane request through the
relay, and print the host's response as JSON. With --emit the request
is fire-and-forget and nothing is printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runSend,
	}

	cmd.Flags().String("relay-url", "", "relay websocket URL (e.g. wss://relay.example.com/ws)")
	cmd.Flags().String("room", "", "room code to join")
	cmd.Flags().String("request-type", "", "control-plane request type (e.g. GetVersion)")
	cmd.Flags().String("request-data", "", "request payload as a JSON object")
	cmd.Flags().Bool("emit", false, "fire-and-forget: do not wait for a result")
	cmd.Flags().Duration("timeout", 5*time.Second, "how long to wait for the result")

	return cmd
}

func runSend(cmd *cobra.Command, args []string) error {
	relayURL, err := resolveRelayURL(cmd)
	if err != nil {
		return err
	}
	room := resolveRoom(cmd, args)
	if room == "" {
		return fmt.Errorf("room code is required: use --room or set OBSBRIDGE_ROOM")
	}
	reqType, _ := cmd.Flags().GetString("request-type")
	if reqType == "" {
		return fmt.Errorf("--request-type is required")
	}
	reqData, _ := cmd.Flags().GetString("request-data")
	emit, _ := cmd.Flags().GetBool("emit")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	logger := loggerFromFlags(cmd)

	var data map[string]any
	if reqData != "" {
		if err := json.Unmarshal([]byte(reqData), &data); err != nil {
			return fmt.Errorf("parse --request-data: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := proxy.NewClient(proxy.ClientConfig{
		RelayURL:        relayURL,
		RoomCode:        room,
		ResponseTimeout: timeout,
		Logger:          logger,
	})
	if !c.Connect(ctx) {
		return fmt.Errorf("failed to join room %q", room)
	}
	defer c.Close()

	req := obsws.Request{Type: reqType, Data: data}

	if emit {
		c.QueueRequest(req)
		c.Update(ctx)
		return nil
	}

	resp := c.Request(ctx, req)
	if resp == nil {
		return fmt.Errorf("no response for %s (room %q)", reqType, room)
	}
	out, _ := json.MarshalIndent(map[string]any{
		"requestType": resp.Type,
		"requestStatus": map[string]any{
			"result":  resp.Status.Result,
			"code":    resp.Status.Code,
			"comment": resp.Status.Comment,
		},
		"responseData": resp.Data,
	}, "", "  ")
	fmt.Println(string(out))
	return nil
}
