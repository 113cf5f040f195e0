package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"greenova.io/internal/config"
	"greenova.io/internal/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/greenova.yaml", "config path (missing file means defaults)")
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config)")
		storeKind  = flag.String("store", "", "account store: memdb|sqlite (overrides config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if v := strings.TrimSpace(*addr); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(*dataDir); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(*storeKind); v != "" {
		cfg.Store = v
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: "greenova-server",
		Endpoint:    cfg.Telemetry.Endpoint,
		Enabled:     cfg.Telemetry.Enabled,
	})
	if err != nil {
		logger.Fatalf("telemetry: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracing(sctx)
	}()

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		logger.Fatalf("init: %v", err)
	}
	defer rt.Close()

	if err := rt.recover(ctx); err != nil {
		logger.Fatalf("recover: %v", err)
	}
	seq, chain := rt.ledger.Head()
	logger.Printf("ledger ready store=%s seq=%d chain=%s", cfg.Store, seq, chain)

	go rt.snapshotLoop(ctx)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newMux(rt),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http: %v", err)
		}
	}

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	_ = srv.Shutdown(sctx)
	// Shutdown leaves hijacked websocket sessions alone; drain them before the journal
	// closes.
	rt.ws.Close()

	// Final snapshot so a memdb restart does not replay the whole journal.
	if path, snap, err := rt.takeSnapshot(sctx, false); err != nil {
		logger.Printf("final snapshot: %v", err)
	} else if snap.Header.Seq != 0 {
		logger.Printf("final snapshot seq=%d path=%s", snap.Header.Seq, path)
	}
	logger.Printf("shutdown complete")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
