package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/umbra-im/realtime/internal/relayconn"
)

var (
	relayURL  string
	did       string
	authToken string
	logLevel  string

	logger *slog.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:           "umbra-realtime",
		Short:         "Umbra real-time transport client",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid log level %q", logLevel)
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&relayURL, "relay", "ws://127.0.0.1:8787/ws", "relay WebSocket URL")
	root.PersistentFlags().StringVar(&did, "did", "", "this client's DID")
	root.PersistentFlags().StringVar(&authToken, "token", "", "registration token (when the relay requires one)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	_ = root.MarkPersistentFlagRequired("did")

	root.AddCommand(listenCmd(), sendCmd(), callCmd())
	return root.Execute()
}

// newConn builds a relay connection from the persistent flags.
func newConn(onState func(relayconn.ConnectionState)) *relayconn.Conn {
	return relayconn.New(relayconn.Config{
		URL:           relayURL,
		DID:           did,
		AuthToken:     authToken,
		Logger:        logger,
		OnStateChange: onState,
	})
}

func formatTimestamp(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).Format(time.RFC3339)
}
