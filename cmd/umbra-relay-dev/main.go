// Command umbra-relay-dev runs a local Umbra relay for development and
// integration testing. It speaks the same wire protocol as the hosted relay:
// DID registration, message/signal forwarding with offline queueing, session
// handoff, and group call rooms.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/umbra-im/realtime/internal/config"
	"github.com/umbra-im/realtime/internal/metrics"
	"github.com/umbra-im/realtime/internal/relayserver"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	m := metrics.New()

	var store relayserver.OfflineStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Error("failed to reach redis", "addr", cfg.RedisAddr, "err", err)
			os.Exit(2)
		}
		store = relayserver.NewRedisStore(rdb, cfg.MaxOfflinePerDID)
	}

	srv := relayserver.New(relayserver.Config{
		Logger:               logger,
		Metrics:              m,
		Store:                store,
		AuthMode:             string(cfg.AuthMode),
		JWTSecret:            []byte(cfg.JWTSecret),
		MaxOfflinePerDID:     cfg.MaxOfflinePerDID,
		SessionTTL:           cfg.SessionTTL,
		MaxCallParticipants:  cfg.MaxCallParticipants,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		AllowedOrigins:       cfg.AllowedOrigins,
	})

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	logger.Info("starting umbra-relay-dev",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"offline_store", offlineStoreName(cfg.RedisAddr),
		"max_offline_per_did", cfg.MaxOfflinePerDID,
		"max_call_participants", cfg.MaxCallParticipants,
	)

	httpSrv := &http.Server{Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func offlineStoreName(redisAddr string) string {
	if redisAddr != "" {
		return "redis"
	}
	return "memory"
}
