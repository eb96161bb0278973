// Command server is the process bootstrap: it loads configuration, opens
// the state store, constructs the object-store adapter, assembles the
// engine, runs the recovery pass, starts the Worker Pool and Monitor,
// mounts the external HTTP surface, and handles SIGINT/SIGTERM with a
// bounded graceful drain — grounded on the teacher's root main.go.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"uploadengine/api"
	"uploadengine/config"
	"uploadengine/internal/engine"
	"uploadengine/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg := config.New()

	logger, err := logging.New("upload-engine", logging.ConfigForEnvironment(cfg.Environment))
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		log.Fatalf("failed to construct engine: %v", err)
	}

	if err := eng.Start(); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}
	logger.Info("engine started", "state_db", cfg.StateDBPath, "workers", cfg.WorkerConcurrency)

	var srv *api.Server
	if cfg.HTTPAddr != "" {
		srv = api.New(api.Config{RateLimitPerSec: cfg.APIRateLimitPerSec}, eng, logger)

		go func() {
			logger.Info("http api starting", "addr", cfg.HTTPAddr)
			if err := srv.Listen(cfg.HTTPAddr); err != nil {
				logger.Error("http api stopped", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")

	if srv != nil {
		if err := srv.Shutdown(shutdownTimeout); err != nil {
			logger.Error("error shutting down http api", "error", err)
		}
	}

	if err := eng.Stop(shutdownTimeout); err != nil {
		logger.Error("error shutting down engine", "error", err)
	}

	logger.Info("graceful shutdown complete")
}
