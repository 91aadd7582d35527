package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/webhook-relay/internal/codec"
	"github.com/tjfontaine/webhook-relay/internal/config"
	"github.com/tjfontaine/webhook-relay/internal/converter"
	"github.com/tjfontaine/webhook-relay/internal/converter/echo"
	"github.com/tjfontaine/webhook-relay/internal/converter/sns"
	"github.com/tjfontaine/webhook-relay/internal/metrics"
	"github.com/tjfontaine/webhook-relay/internal/pkg/safehttp"
	"github.com/tjfontaine/webhook-relay/internal/relay"
	"github.com/tjfontaine/webhook-relay/internal/server"
	"github.com/tjfontaine/webhook-relay/internal/subscription"
	"github.com/tjfontaine/webhook-relay/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	configPath := os.Getenv("RELAY_CONFIG")
	if configPath == "" {
		configPath = config.DefaultPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry, os.Stderr, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	client := safehttp.NewClient(safehttp.Options{
		Timeout:      cfg.Upstream.Timeout,
		BlockPrivate: cfg.Upstream.BlockPrivate,
	})

	confirmer := subscription.NewConfirmer(client,
		subscription.WithTimeout(cfg.Converters.SNS.ConfirmTimeout),
		subscription.WithLogger(logger),
	)

	converters := converter.NewRegistry(
		echo.New(cfg.Converters.Echo.DefaultURL),
		sns.New(cfg.Converters.SNS.WebhookBase, confirmer, logger),
	)

	engine := relay.New(codec.Default(), converters,
		relay.WithClient(client),
		relay.WithLogger(logger),
	)

	srv := server.New(cfg.Server, logger)
	if cfg.Server.MetricsPath != "" {
		srv.Router.Get(cfg.Server.MetricsPath, metrics.Handler().ServeHTTP)
	}
	engine.Register(srv.Router)

	logger.Info("relay configured",
		slog.Int("port", cfg.Server.Port),
		slog.Any("converters", converters.Names()),
		slog.Any("formats", codec.Default().Names()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
		return
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received, stopping relay...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	if err := confirmer.Wait(shutdownCtx); err != nil {
		logger.Warn("pending subscription confirmations abandoned", slog.String("error", err.Error()))
	}

	logger.Info("Relay shutdown complete")
}
