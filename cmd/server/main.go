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

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"

	"parley/auth"
	"parley/infrastructure/ws"
	"parley/internal"
	"parley/observability"
	"parley/repositories"
	"parley/runtime"
	"parley/runtime/workers"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components and manages the server lifecycle. Keeping
// the logic out of main means every defer (database close included) executes
// before the process exits.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := internal.LoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Core wiring. The presence tracker and the registry reference each
	// other, hence the late Bind.
	clock := runtime.SystemClock()
	stats := observability.NewManager()
	presence := runtime.NewPresenceTracker(clock, log)
	registry := runtime.NewSessionRegistry(presence, clock)
	presence.Bind(registry)

	convRepo := repositories.NewConversationRepository(db)
	msgRepo := repositories.NewMessageRepository(db, log, config.LimitMessages)

	router := runtime.NewRoomRouter(convRepo, registry, log)
	pipeline := runtime.NewDeliveryPipeline(msgRepo, router, clock, stats, log)
	typing := runtime.NewTypingBroadcaster(router, clock, stats, log,
		config.TypingTTL, config.TypingDebounce, config.TypingSweep)

	// 4. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. Background workers under supervision
	sup := workers.NewSupervisor(log)
	sup.Add(typing, workers.NewTelemetryWorker(log, stats, config.TelemetryInterval))
	go sup.Run(ctx)

	// 6. HTTP server with the websocket endpoint
	verifier := auth.NewVerifier(config.AuthSecret, config.AuthIssuer)
	server := ws.NewServer(log, verifier, registry, router, pipeline, typing,
		convRepo, msgRepo, stats, config.SessionBufferSize)

	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	httpServer := &http.Server{
		Addr:              address,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting server", "address", address, "at", time.Now().UTC())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	// 7. Wait for Stop or Error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		return err
	}

	// 8. Final Cleanup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	sup.Stop()
	log.Info("Program stopped cleanly")

	return nil
}
