package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wadispatch/internal/awsutil"
	"wadispatch/internal/config"
	"wadispatch/internal/httpapi"
	"wadispatch/internal/ledger"
	"wadispatch/internal/logging"
	"wadispatch/internal/observability"
	"wadispatch/internal/providers/wacloud"
	"wadispatch/internal/quota"
	sqsqueue "wadispatch/internal/queue/sqs"
	"wadispatch/internal/ratelimit"
	"wadispatch/internal/store/pg"
	workerproc "wadispatch/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("worker sqs client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()

	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if _, err := sqsClient.GetQueueAttributes(startupCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &cfg.DispatchQueueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	}); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	consumer := &sqsqueue.Consumer{
		SQS: sqsClient, QueueURL: cfg.DispatchQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}
	producer := &sqsqueue.Producer{
		SQS:              sqsClient,
		DispatchQueueURL: cfg.DispatchQueueURL,
		CampaignQueueURL: cfg.CampaignQueueURL,
	}

	// health server (liveness + readiness)
	healthMux := httpapi.New().Mux
	healthMux.HandleFunc("/healthz", httpapi.Healthz())
	healthMux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.DispatchQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		},
	))

	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(healthMux),
	}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	wa := &wacloud.Client{
		AccessToken:   cfg.WAAccessToken,
		PhoneNumberID: cfg.WAPhoneNumberID,
		BaseURL:       cfg.WABaseURL,
		HTTP:          &http.Client{Timeout: 65 * time.Second},
	}
	pace := rate.NewLimiter(rate.Limit(cfg.WARPSPerPod), cfg.WABurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "whatsapp",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	rateWindow, err := time.ParseDuration(cfg.RateWindow)
	if err != nil {
		slog.Error("invalid RATE_WINDOW", "err", err)
		os.Exit(1)
	}
	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.Window = rateWindow
	limiterCfg.TenantLimit = cfg.TenantRateLimit
	limiterCfg.IdentityLimit = cfg.IdentityRateLimit
	limiterCfg.CampaignLimit = cfg.CampaignRateLimit

	lockTTL, err := time.ParseDuration(cfg.LockTTL)
	if err != nil {
		slog.Error("invalid DISPATCH_LOCK_TTL", "err", err)
		os.Exit(1)
	}
	sendTimeout, err := time.ParseDuration(cfg.SendTimeout)
	if err != nil {
		slog.Error("invalid SEND_TIMEOUT", "err", err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	dispatcher := &workerproc.Dispatcher{
		Ledger:       ledger.New(st),
		Quota:        quota.New(st),
		Limiter:      ratelimit.New(st, limiterCfg),
		Sender:       wa,
		Queue:        producer,
		Campaigns:    st,
		Breaker:      cb,
		Pace:         pace,
		WorkerID:     hostname,
		MessagePrice: cfg.MessagePrice,
		LockTTL:      lockTTL,
		SendTimeout:  sendTimeout,
	}

	// start polling
	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting poll", "queue_url", cfg.DispatchQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, func(ctx context.Context, job sqsqueue.DispatchJob) (err error) {
			start := time.Now()
			slog.Info("dispatch start", "key", job.IdempotencyKey)
			defer func() {
				if err != nil {
					slog.Info("dispatch finish",
						"key", job.IdempotencyKey,
						"status", "error",
						"duration", time.Since(start),
						"err", err,
					)
				} else {
					slog.Info("dispatch finish",
						"key", job.IdempotencyKey,
						"status", "ok",
						"duration", time.Since(start),
					)
				}
			}()
			err = dispatcher.Process(ctx, job)
			return err
		})
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("worker poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("worker shutdown timeout waiting for poll loop")
	}
}
