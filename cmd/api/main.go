package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"texrender/internal/api"
	"texrender/internal/db"
	"texrender/internal/latex"
	"texrender/internal/latex/policy"
	"texrender/internal/storage"
)

func init() {
	if err := godotenv.Load("config/.env"); err != nil {
		log.Println("No .env file found, relying on system env vars")
	}
}

func main() {
	cfg := latex.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pol, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("loading policy %s: %v", cfg.PolicyFile, err)
	}
	holder := policy.NewHolder(pol)
	if cfg.PolicyFile != "" {
		w, err := policy.NewWatcher(cfg.PolicyFile, holder)
		if err != nil {
			log.Fatalf("watching policy %s: %v", cfg.PolicyFile, err)
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Printf("policy watcher stopped: %v", err)
			}
		}()
	}
	log.Printf("Policy: %d allowed packages, %d forbidden tokens", len(pol.Packages()), len(pol.Forbidden()))

	var opts []latex.Option
	var history api.HistoryReader
	if cfg.HistoryDB != "" {
		h, err := db.Open(cfg.HistoryDB)
		if err != nil {
			log.Fatalf("opening history %s: %v", cfg.HistoryDB, err)
		}
		defer h.Close()
		opts = append(opts, latex.WithHistory(h))
		history = h
		log.Printf("History: %s", cfg.HistoryDB)
	}
	if cfg.S3.Enabled() {
		archive, err := storage.NewS3Archive(ctx, storage.Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
		})
		if err != nil {
			log.Fatalf("configuring archive: %v", err)
		}
		opts = append(opts, latex.WithArchive(archive))
		log.Printf("Archive: s3://%s/%s", cfg.S3.Bucket, cfg.S3.Prefix)
	}

	svc := latex.NewService(cfg, holder, opts...)
	handler := api.NewRouter(api.NewHandler(svc, history, cfg.MaxRequestBytes), cfg.AllowedOrigins)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.DocumentTimeout + cfg.RasterTimeout + 30*time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("Starting server on %s", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	log.Println("Server stopped")
}
