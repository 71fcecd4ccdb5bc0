// Package main is the entry point for the trading companion.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tradepilot/companion/internal/chat"
	"github.com/tradepilot/companion/internal/config"
	"github.com/tradepilot/companion/internal/ingest"
	"github.com/tradepilot/companion/internal/metrics"
	"github.com/tradepilot/companion/internal/monitor"
	"github.com/tradepilot/companion/internal/notify"
	"github.com/tradepilot/companion/internal/store"
	"github.com/tradepilot/companion/internal/ui"
	"github.com/tradepilot/companion/internal/wallet"
)

const (
	// ShutdownTimeout bounds the backend calls made while stopping
	ShutdownTimeout = 10 * time.Second
	// StartupTimeout bounds the initial start-monitoring call
	StartupTimeout = 15 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger. The TUI owns stdout, so logs go to a file.
	out, closeLog := logOutput(cfg)
	defer closeLog()
	slog.SetDefault(setupLogger(cfg.LogLevel, out))

	slog.Info("companion starting",
		"version", "1.0.0",
	)

	slog.Info("config_loaded",
		"wallet", store.Subject(cfg.WalletAddress).Short(),
		"backend_url", cfg.BackendURL,
		"ws_url", cfg.WSURL,
		"price_feed_url", cfg.PriceFeedURL,
		"price_api_key", cfg.MaskedPriceAPIKey(),
		"health_poll", cfg.HealthPollInterval,
		"position_poll", cfg.PositionPollInterval,
		"price_poll", cfg.PricePollInterval,
		"max_notifications", cfg.MaxNotifications,
		"enable_tui", cfg.EnableTUI,
		"prometheus_port", cfg.PrometheusPort,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize metrics tracker
	tracker := metrics.NewTracker()
	metricsServer := startMetricsServer(cfg.PrometheusPort)

	// Connect the wallet
	w, err := wallet.NewStatic(cfg.WalletAddress)
	if err != nil {
		slog.Error("wallet_invalid", "error", err)
		os.Exit(1)
	}
	subject, err := w.Connect(ctx)
	if err != nil {
		slog.Error("wallet_connect_failed", "error", err)
		os.Exit(1)
	}

	// Wire the backend, price feed and live channel into the monitor
	client := ingest.NewClient(ingest.ClientConfig{
		BaseURL:           cfg.BackendURL,
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxRecentErrors:   cfg.MaxRecentErrors,
	})
	prices := ingest.NewPriceFeed(cfg.PriceFeedURL, cfg.PriceAPIKey, cfg.RequestTimeout)

	reconnect := ingest.DefaultReconnectConfig()
	reconnect.InitialBackoff = cfg.ReconnectInitial
	reconnect.MaxBackoff = cfg.ReconnectMax
	reconnect.LongOutageAfter = cfg.LongOutageAfter
	channel := ingest.NewChannel(cfg.WSURL, nil, reconnect, tracker)

	mon := monitor.New(client, prices, channel, monitor.Config{
		HealthInterval:   cfg.HealthPollInterval,
		PositionInterval: cfg.PositionPollInterval,
		PriceInterval:    cfg.PricePollInterval,
		MaxNotifications: cfg.MaxNotifications,
	}, tracker)

	flow := chat.NewFlow(subject, client,
		chat.WithHistory(chat.NewHistory()),
		chat.WithRefresher(mon),
		chat.WithTracker(tracker),
	)

	startCtx, startCancel := context.WithTimeout(ctx, StartupTimeout)
	if err := mon.StartMonitoring(startCtx, subject); err != nil {
		slog.Warn("start_monitoring_failed", "subject", subject.Short(), "error", err)
	}
	startCancel()

	slog.Info("companion_started",
		"subject", subject.Short(),
		"monitoring", mon.Monitoring(subject),
		"tui_enabled", cfg.EnableTUI,
	)

	// Start TUI or run in background mode
	if cfg.EnableTUI {
		slog.Info("starting_tui")
		app := ui.NewApp(subject, mon, flow, tracker, cfg.UIRefreshRate)

		// Start TUI in goroutine so we can still handle signals
		go func() {
			if err := app.Run(); err != nil {
				slog.Error("tui_error", "error", err)
			}
			cancel()
		}()

		select {
		case sig := <-sigChan:
			slog.Info("shutdown_signal_received", "signal", sig.String())
			app.Stop()
		case <-ctx.Done():
		}
	} else {
		// Background mode - log notifications until a signal arrives
		unsubscribe := mon.Bus(subject).Subscribe(logNotification)
		sig := <-sigChan
		slog.Info("shutdown_signal_received", "signal", sig.String())
		unsubscribe()
	}

	cancel()

	// Graceful shutdown
	slog.Info("shutting_down", "status", "stopping monitor")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	if err := mon.Close(shutdownCtx); err != nil {
		slog.Warn("monitor_close_failed", "error", err)
	}
	w.Disconnect()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics_server_shutdown_failed", "error", err)
		}
	}

	slog.Info("shutdown_complete")
}

// logNotification reports a notification in headless mode. Urgent ones are
// logged at warn level.
func logNotification(n store.Notification) {
	level := slog.LevelInfo
	if notify.Urgent(n) {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "notification",
		"type", n.Type,
		"priority", n.Priority,
		"message", n.Message,
	)
}

// startMetricsServer exposes Prometheus metrics. A port of zero disables it.
func startMetricsServer(port int) *http.Server {
	if port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics_server_failed", "port", port, "error", err)
		}
	}()

	slog.Info("metrics_server_started", "port", port)
	return srv
}

// logOutput picks where logs are written. With the TUI enabled they go to the
// configured log file, falling back to discarding them.
func logOutput(cfg *config.Config) (io.Writer, func()) {
	if !cfg.EnableTUI {
		return os.Stdout, func() {}
	}
	if cfg.LogFile == "" {
		return io.Discard, func() {}
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", cfg.LogFile, err)
		return io.Discard, func() {}
	}
	return f, func() { f.Close() }
}

// setupLogger creates a structured logger with the specified level.
// Format: 2025-01-04 14:32:01 [INFO]  message key=value
func setupLogger(levelStr string, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05"))
				}
			}
			return a
		},
	}

	handler := slog.NewTextHandler(w, opts)
	return slog.New(handler)
}
