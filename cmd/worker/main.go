package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/andreafio/competition-platform/internal/archive"
	"github.com/andreafio/competition-platform/internal/config"
	"github.com/andreafio/competition-platform/internal/engine"
	"github.com/andreafio/competition-platform/internal/store"
	"github.com/andreafio/competition-platform/internal/telemetry"
	"github.com/andreafio/competition-platform/internal/webhook"
	workerproc "github.com/andreafio/competition-platform/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	engineClient := engine.NewClient(cfg)
	dispatcher := webhook.NewDispatcher(cfg, st)

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init archiver: %v", err)
	}

	processor := workerproc.NewProcessor(cfg, st, engineClient, dispatcher, archiverOrNil(archiver))
	reaper := workerproc.NewReaper(cfg, st)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started with poll=%s concurrency=%d job_max_age=%s", cfg.WorkerPollInterval, cfg.WorkerConcurrency, cfg.JobMaxAge)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("worker stopped: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := reaper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("reaper stopped: %v", err)
		}
	}()
	wg.Wait()
}

// archiverOrNil keeps the nil-archiver case (archival disabled) from turning
// into a typed-nil interface inside the processor.
func archiverOrNil(a *archive.Archiver) workerproc.Archiver {
	if a == nil {
		return nil
	}
	return a
}
