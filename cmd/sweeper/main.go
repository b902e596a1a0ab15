package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"wadispatch/internal/awsutil"
	"wadispatch/internal/config"
	"wadispatch/internal/httpapi"
	"wadispatch/internal/ledger"
	"wadispatch/internal/logging"
	"wadispatch/internal/observability"
	"wadispatch/internal/quota"
	sqsqueue "wadispatch/internal/queue/sqs"
	"wadispatch/internal/store/pg"
	"wadispatch/internal/sweeper"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadSweeper()
	logging.Init("sweeper", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("sweeper db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("sweeper sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	staleness, err := time.ParseDuration(cfg.Staleness)
	if err != nil {
		slog.Error("invalid STUCK_STALENESS", "err", err)
		os.Exit(1)
	}
	orphanAge, err := time.ParseDuration(cfg.OrphanAge)
	if err != nil {
		slog.Error("invalid ORPHAN_AGE", "err", err)
		os.Exit(1)
	}

	producer := &sqsqueue.Producer{
		SQS:              sqsClient,
		DispatchQueueURL: cfg.DispatchQueueURL,
	}
	sw := sweeper.New(ledger.New(st), quota.New(st), producer)
	sw.Staleness = staleness
	sw.OrphanAge = orphanAge
	sw.BatchLimit = cfg.BatchLimit

	c := cron.New()
	schedule := func(name, spec string, fn func(context.Context) error) {
		_, err := c.AddFunc(spec, func() {
			runCtx, runCancel := context.WithTimeout(ctx, 2*time.Minute)
			defer runCancel()
			if err := fn(runCtx); err != nil {
				slog.Error("sweep failed", "sweep", name, "err", err)
			}
		})
		if err != nil {
			slog.Error("bad cron schedule", "sweep", name, "spec", spec, "err", err)
			os.Exit(1)
		}
	}
	schedule("stuck", cfg.StuckSchedule, sw.SweepStuck)
	schedule("retries", cfg.RetrySchedule, sw.SweepRetries)
	schedule("reservations", cfg.ResSchedule, sw.SweepReservations)

	healthMux := httpapi.New().Mux
	healthMux.HandleFunc("/healthz", httpapi.Healthz())
	healthMux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
	))
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: httpapi.Logging(healthMux)}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("sweeper health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	c.Start()
	slog.Info("sweeper schedules active",
		"stuck", cfg.StuckSchedule,
		"retries", cfg.RetrySchedule,
		"reservations", cfg.ResSchedule,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("sweeper health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("sweeper shutdown", "signal", sig.String())
	}

	cancel()

	cronCtx := c.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(10 * time.Second):
		slog.Info("sweeper shutdown timeout waiting for running sweeps")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
}
