package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/umbra-im/realtime/internal/protocol"
)

// send <to-did> <message>: deliver one message and wait for the relay's ack.
// The relay queues it if the recipient is offline, so an ack means accepted,
// not necessarily delivered.
func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <to-did> <message>",
		Short: "Send a message to a DID and wait for the relay ack",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			toDID, payload := args[0], args[1]

			conn := newConn(nil)
			ctx := context.Background()
			if err := conn.Connect(ctx); err != nil {
				return err
			}
			defer conn.Disconnect()

			if err := conn.SendEnvelope(toDID, payload); err != nil {
				return err
			}

			ack, err := conn.WaitFor(ctx, func(env protocol.ServerEnvelope) bool {
				return env.Type == protocol.TypeAck && strings.HasPrefix(env.ID, "msg_"+toDID+"_")
			}, 0)
			if err != nil {
				return fmt.Errorf("no ack from relay: %w", err)
			}

			fmt.Printf("accepted (%s)\n", ack.ID)
			return nil
		},
	}
	return cmd
}
