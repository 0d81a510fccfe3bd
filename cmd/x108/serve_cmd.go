package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/obsidia-labs/x108/pkg/api"
	"github.com/obsidia-labs/x108/pkg/config"
	"github.com/obsidia-labs/x108/pkg/observability"
)

// runServeCmd implements `x108 serve`. It blocks until SIGINT or SIGTERM.
func runServeCmd(cfg *config.Config, args []string, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	cmd.StringVar(&cfg.Port, "port", cfg.Port, "Listen port")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default().With("component", "server")

	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = Version
	otelCfg.Environment = cfg.Environment
	otelCfg.OTLPEndpoint = cfg.OTLPEndpoint
	provider, err := observability.New(ctx, otelCfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(sctx)
	}()

	rec, err := observability.NewRecorder(provider.Meter())
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cfg, rec, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.ProfilePath != "" {
		w, err := config.NewWatcher(cfg.ProfilePath, rt.engine)
		if err != nil {
			return err
		}
		go func() { _ = w.Run(ctx) }()
	}

	limiter := api.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	go limiter.Run(ctx)

	handler := api.NewServer(rt.engine,
		api.WithAuth(api.NewJWTValidator([]byte(cfg.JWTSecret))),
		api.WithClientClock(time.Duration(cfg.ClockSkew*float64(time.Second))),
	).Handler(limiter)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "listening", "addr", srv.Addr, "store", cfg.Store, "profile", rt.engine.Profile().Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
