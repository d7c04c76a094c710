package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// openStore opens the configured backend and registers it for store dumps
func openStore(cfg AppConfig) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Store {
	case "memory":
		store = newMemoryStore()
	case "sqlite":
		store, err = openSQLiteStore(cfg.DB)
	case "bolt":
		store, err = openBoltStore(cfg.BoltPath)
	default:
		err = fmt.Errorf("unknown store %q", cfg.Store)
	}
	if err != nil {
		return nil, err
	}
	if d, ok := store.(storeDumper); ok {
		dumpSource = d
	}
	return store, nil
}

func main() {
	fv := registerFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := loadConfig(fv.configPath)
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}
	fv.applyTo(&cfg)
	if err := cfg.validate(); err != nil {
		log.Fatal("Invalid config: ", err)
	}
	devMode = cfg.Dev

	// Set up logging to both stdout and file
	logFile, err := os.OpenFile("impostor.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		log.Fatal("Failed to open log file: ", err)
	}
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))

	if err := InitAppLogger(cfg.toLogConfig()); err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer CloseAppLogger()
	if appLogger.IsEnabled() {
		log.Println("Extended logging enabled")
	}

	if cfg.Dev {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, cfg.OtelEndpoint)
	if err != nil {
		log.Printf("Tracing disabled: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal("Failed to open store: ", err)
	}
	defer store.Close()
	log.Printf("Document store: %s (atomic writes: %v)", cfg.Store, cfg.Atomic)
	LogStoreState("after open")

	verifier, _ := verifierFor(cfg.Credentials)
	events := make(chan LobbyEvent, 8)
	engine := NewEngine(store, defaultGameConfig(),
		WithAtomicWrites(cfg.Atomic),
		WithVerifier(verifier),
		WithLobbyEvents(events),
		WithStoryteller(initStoryteller(cfg)),
	)
	hub := newHub(engine, rate.Limit(cfg.WSRate), cfg.WSBurst)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           wrapHandler(newRouter(engine, hub)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.run(gctx) })
	g.Go(func() error { return runLobbyOrchestrator(gctx, engine, events) })
	g.Go(func() error {
		log.Printf("Server starting on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("Server stopped: %v", err)
	}
	hub.stop()
	engine.WaitForStories()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		log.Printf("Tracing shutdown: %v", err)
	}
	log.Println("Shutdown complete")
}
