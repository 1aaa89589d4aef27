// Command calstored runs the calendar object store daemon: a SQLite-backed
// store with mutation publishing and scheduled retry of failed invitation
// deliveries.
package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calpod/calstore/config"
	"github.com/calpod/calstore/notify"
	"github.com/calpod/calstore/schedule"
	"github.com/calpod/calstore/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("loading config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	store, err := sqlite.New(cfg.DatabasePath, logger)
	if err != nil {
		logger.Error("opening store", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	notifier := notify.New(&notify.LogPublisher{Logger: logger}, logger)
	store.Subscribe(notifier.HandleEvent)

	relay := schedule.NewRelay(
		cfg.APIRoot,
		store,
		schedule.StaticCredentials(cfg.AuthCookie),
		&http.Client{Timeout: time.Duration(cfg.HTTPTimeoutSeconds) * time.Second},
		logger,
	)
	retries, err := schedule.NewRetryScheduler(relay, cfg.RetryCron, logger)
	if err != nil {
		logger.Error("building retry scheduler", "spec", cfg.RetryCron, "error", err)
		os.Exit(1)
	}
	retries.Start()
	defer retries.Stop()

	logger.Info("calstored started", "database", cfg.DatabasePath, "api_root", cfg.APIRoot)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
