package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-gateway/internal/api"
	"whatsapp-gateway/internal/config"
	"whatsapp-gateway/internal/connection"
	"whatsapp-gateway/internal/database"
	"whatsapp-gateway/internal/metrics"
	"whatsapp-gateway/internal/session"
	"whatsapp-gateway/internal/types"
	"whatsapp-gateway/internal/whatsapp"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// .env is optional; real environment variables take precedence
	envErr := godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg, "Main")
	if envErr != nil && !os.IsNotExist(envErr) {
		logger.Warnf("Failed to read .env: %v", envErr)
	}
	logger.Infof("Starting WhatsApp gateway...")
	if cfg.BrowserPath != "" {
		logger.Infof("CHROMIUM_PATH is set but unused; this gateway talks to WhatsApp directly")
	}

	if err := run(cfg, logger); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger waLog.Logger) error {
	ctx := context.Background()

	db, err := database.NewStore(cfg.BridgeDB)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway database: %w", err)
	}
	defer db.Close()

	if err := database.EnsureDir(cfg.WhatsAppDB); err != nil {
		return err
	}
	container, err := whatsapp.OpenDeviceStore(ctx, cfg.WhatsAppDB, newLogger(cfg, "Database"))
	if err != nil {
		return err
	}
	defer container.Close()

	store, err := session.Open(cfg, db, logger.Sub("Session"))
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	logger.Infof("Session backend: %s", store.Name())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	factory := whatsapp.NewGatewayFactory(container, whatsapp.OptionsFromConfig(cfg), newLogger(cfg, "Client"))
	controller := connection.NewController(factory, store, connection.Options{
		MaxRetries:                       cfg.MaxRetries,
		RetryDelay:                       cfg.RetryDelay,
		DiscardSessionOnExhaustedRetries: cfg.DiscardSessionOnExhaustedRetries,
		ConnectedWhenAuthenticated:       cfg.ConnectedOn == config.ConnectedOnAuthenticated,
		Logger:                           logger.Sub("Controller"),
		Observers: []connection.Observer{
			m.ObserveTransition,
			recordTransition(db, logger),
		},
	})

	// Start the API before connecting so the status page is reachable while pairing
	server := api.NewServer(cfg, controller, db, m, reg, logger.Sub("API"))
	server.Start()

	if err := controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connection: %w", err)
	}

	exitChan := make(chan os.Signal, 1)
	signal.Notify(exitChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exitChan
	logger.Infof("Received %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("HTTP server shutdown: %v", err)
	}
	if err := controller.Close(shutdownCtx); err != nil {
		logger.Warnf("Connection shutdown: %v", err)
	}
	return nil
}

// recordTransition appends every committed transition to the gateway database.
func recordTransition(db *database.Store, logger waLog.Logger) connection.Observer {
	return func(tr connection.Transition) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := db.RecordConnectionEvent(ctx, &types.ConnectionEvent{
			FromPhase:  tr.From.String(),
			ToPhase:    tr.To.String(),
			Event:      tr.Event,
			Reason:     tr.Reason,
			RetryCount: tr.RetryCount,
			Instance:   tr.Instance,
			CreatedAt:  tr.At,
		})
		if err != nil {
			logger.Warnf("Failed to record connection event: %v", err)
		}
	}
}

// newLogger returns a whatsmeow logger in the configured format.
func newLogger(cfg *config.Config, module string) waLog.Logger {
	if cfg.LogFormat == "json" {
		level, err := zerolog.ParseLevel(lowerLevel(cfg.LogLevel))
		if err != nil {
			level = zerolog.InfoLevel
		}
		zl := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
		return waLog.Zerolog(zl).Sub(module)
	}
	return waLog.Stdout(module, cfg.LogLevel, true)
}

func lowerLevel(level string) string {
	switch level {
	case "WARN":
		return "warn"
	case "ERROR":
		return "error"
	case "DEBUG":
		return "debug"
	default:
		return "info"
	}
}
