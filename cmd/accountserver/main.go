package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sw2proto/lobbyd/internal/clock"
	"github.com/sw2proto/lobbyd/internal/config"
	"github.com/sw2proto/lobbyd/internal/lobby"
	"github.com/sw2proto/lobbyd/internal/metrics"
)

const configPath = "config/accountserver.yaml"
const tickInterval = 20 * time.Millisecond

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	slog.Info("lobby account server starting")

	path := configPath
	if p := os.Getenv("LOBBY_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.Info("config loaded", "addr_account", cfg.AddrAccount, "max_server", cfg.MaxServer)

	m := metrics.NewLobby("lobby_account")

	srv, err := lobby.NewAccountServer(cfg, clock.System{})
	if err != nil {
		return fmt.Errorf("creating account server: %w", err)
	}
	srv.Metrics = m
	srv.OnNewServerReady = func(linkID int) {
		slog.Info("session server link ready", "link", linkID)
	}
	slog.Info("account server listening", "addr", srv.Addr())

	httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := srv.Tick(); err != nil {
					return fmt.Errorf("account server tick: %w", err)
				}
			}
		}
	})
	g.Go(func() error {
		slog.Info("metrics server listening", "addr", cfg.MetricsAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
