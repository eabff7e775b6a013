package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/internal/config"
	"github.com/network-goods-institute/negation-game-sub014/internal/metrics"
	"github.com/network-goods-institute/negation-game-sub014/pkg/store"
	"github.com/network-goods-institute/negation-game-sub014/pkg/transport/wsrelay"
)

func openStore(cfg config.RelayConfig, logger *zap.Logger) (*store.BadgerStore, error) {
	switch {
	case cfg.InMemory:
		return store.OpenBadger("", store.WithInMemory(), store.WithBadgerLogger(logger))
	case cfg.DataDir != "":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return store.OpenBadger(cfg.DataDir, store.WithBadgerLogger(logger))
	}
	return nil, nil
}

func runRelay(cfg config.Config, logger *zap.Logger) error {
	opts := []wsrelay.ServerOption{wsrelay.WithServerLogger(logger.Named("relay"))}
	serverCfg := wsrelay.DefaultServerConfig()
	serverCfg.CompactEvery = cfg.Relay.CompactEvery
	opts = append(opts, wsrelay.WithServerConfig(serverCfg))

	kv, err := openStore(cfg.Relay, logger.Named("badger"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if kv != nil {
		defer kv.Close()
		opts = append(opts, wsrelay.WithStore(store.NewDocuments(kv)))
	}
	relay := wsrelay.NewServer(opts...)

	mux := http.NewServeMux()
	mux.Handle(cfg.Relay.Path, relay)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Relay.MetricsPath != "" {
		reg, err := metrics.NewRegistry(metrics.NewRelayCollector(relay.Stats))
		if err != nil {
			return err
		}
		mux.Handle(cfg.Relay.MetricsPath, metrics.Handler(reg))
	}

	server := &http.Server{
		Addr:        cfg.Relay.Addr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("relay listening",
			zap.String("addr", cfg.Relay.Addr),
			zap.String("path", cfg.Relay.Path),
			zap.Bool("persistent", kv != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
