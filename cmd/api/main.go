package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"linereview/api/internal/app"
	"linereview/api/internal/config"
	"linereview/api/internal/imagery"
	"linereview/api/internal/metrics"
	"linereview/api/internal/nav"
	"linereview/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		log.Fatalf("database open failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewSQLiteStore(db)
	service := app.New(cfg, dataStore)
	navigator := nav.New(service)
	if err := navigator.Refresh(ctx); err != nil {
		log.Printf("WARNING: initial navigation refresh failed: %v", err)
	}

	imageryClient := imagery.New(cfg.MapillaryURL, cfg.MapillaryToken, cfg.MapillaryTimeout)
	if !imageryClient.Configured() {
		log.Printf("Mapillary token not set, imagery lookup disabled")
	}

	httpServer := app.NewHTTPServer(service, navigator, imageryClient, cfg.CORSOrigin)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Line review API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
