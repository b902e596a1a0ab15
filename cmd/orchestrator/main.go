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

	"wadispatch/internal/awsutil"
	"wadispatch/internal/config"
	"wadispatch/internal/httpapi"
	"wadispatch/internal/ledger"
	"wadispatch/internal/logging"
	"wadispatch/internal/observability"
	"wadispatch/internal/orchestrator"
	"wadispatch/internal/quota"
	sqsqueue "wadispatch/internal/queue/sqs"
	"wadispatch/internal/store/pg"
	"wadispatch/internal/util"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadOrchestrator()
	logging.Init("orchestrator", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("orchestrator db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("orchestrator sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	sendInterval, err := time.ParseDuration(cfg.SendInterval)
	if err != nil {
		slog.Error("invalid SEND_INTERVAL", "err", err)
		os.Exit(1)
	}
	processingTimeout, err := time.ParseDuration(cfg.ProcessingTimeout)
	if err != nil {
		slog.Error("invalid PROCESSING_TIMEOUT", "err", err)
		os.Exit(1)
	}

	producer := &sqsqueue.Producer{
		SQS:              sqsClient,
		DispatchQueueURL: cfg.DispatchQueueURL,
		CampaignQueueURL: cfg.CampaignQueueURL,
	}
	orch := &orchestrator.Orchestrator{
		Campaigns: st,
		Ledger:    ledger.New(st),
		Quota:     quota.New(st),
		Queue:     producer,
		Cfg: orchestrator.Config{
			BatchSize:         cfg.BatchSize,
			SendInterval:      sendInterval,
			PartialBatch:      cfg.PartialBatch,
			ProcessingTimeout: processingTimeout,
		},
		NewResID: util.NewReservationID,
	}

	consumer := &sqsqueue.Consumer{
		SQS: sqsClient, QueueURL: cfg.CampaignQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	healthMux := httpapi.New().Mux
	healthMux.HandleFunc("/healthz", httpapi.Healthz())
	healthMux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
	))
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: httpapi.Logging(healthMux)}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("orchestrator health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("orchestrator starting poll", "queue_url", cfg.CampaignQueueURL)
		pollErrCh <- consumer.PollCampaigns(ctx, func(ctx context.Context, job sqsqueue.CampaignJob) error {
			if job.Finalize {
				return orch.Finalize(ctx, job.CampaignID)
			}
			return orch.RunPass(ctx, job.CampaignID)
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("orchestrator poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("orchestrator health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("orchestrator shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
}
