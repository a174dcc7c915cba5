package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/umbra-im/realtime/internal/protocol"
	"github.com/umbra-im/realtime/internal/relayconn"
)

// listen: register with the relay, replay queued offline messages, then print
// incoming traffic until interrupted. Reconnects automatically.
func listenCmd() *cobra.Command {
	var (
		maxAttempts int
		baseDelay   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Register and print incoming messages until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn := newConn(func(s relayconn.ConnectionState) {
				logger.Info("connection state", "state", s)
			})
			conn.EnableReconnect(maxAttempts, baseDelay)

			unsubscribe := conn.OnMessage(printEnvelope)
			defer unsubscribe()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := conn.Connect(ctx); err != nil {
				return err
			}
			defer conn.Disconnect()

			if err := conn.FetchOffline(); err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "reconnect-attempts", 10, "reconnect attempts before giving up")
	cmd.Flags().DurationVar(&baseDelay, "reconnect-base-delay", time.Second, "base delay for reconnect backoff")
	return cmd
}

func printEnvelope(env protocol.ServerEnvelope) {
	switch env.Type {
	case protocol.TypeMessage:
		fmt.Printf("[%s] %s: %s\n", formatTimestamp(env.Timestamp), env.FromDID, env.Payload)
	case protocol.TypeSignal:
		fmt.Printf("[signal] %s: %s\n", env.FromDID, env.Payload)
	case protocol.TypeOfflineMessages:
		for _, m := range env.Messages {
			fmt.Printf("[offline %s] %s: %s\n", formatTimestamp(m.Timestamp), m.FromDID, m.Payload)
		}
	case protocol.TypeError:
		fmt.Fprintf(os.Stderr, "relay error: %s\n", env.Message)
	}
}
