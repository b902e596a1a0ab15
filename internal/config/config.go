package config

import "github.com/kelseyhightower/envconfig"

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Price of one non-campaign message in minor units.
	MessagePrice int64 `envconfig:"MESSAGE_PRICE" default:"100"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	DispatchQueueURL   string `envconfig:"DISPATCH_QUEUE_URL" required:"true"`
	CampaignQueueURL   string `envconfig:"CAMPAIGN_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type WorkerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	DispatchQueueURL   string `envconfig:"DISPATCH_QUEUE_URL" required:"true"`
	CampaignQueueURL   string `envconfig:"CAMPAIGN_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"120"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"20"`

	MessagePrice int64  `envconfig:"MESSAGE_PRICE" default:"100"`
	LockTTL      string `envconfig:"DISPATCH_LOCK_TTL" default:"2m"`
	SendTimeout  string `envconfig:"SEND_TIMEOUT" default:"60s"`

	// WhatsApp transport
	WAAccessToken   string  `envconfig:"WA_ACCESS_TOKEN" required:"true"`
	WAPhoneNumberID string  `envconfig:"WA_PHONE_NUMBER_ID" required:"true"`
	WABaseURL       string  `envconfig:"WA_BASE_URL" default:"https://graph.facebook.com/v19.0"`
	WARPSPerPod     float64 `envconfig:"WA_RPS_PER_POD" default:"5"`
	WABurst         int     `envconfig:"WA_BURST" default:"10"`

	// Rate limiter buckets
	RateWindow        string `envconfig:"RATE_WINDOW" default:"1m"`
	TenantRateLimit   int    `envconfig:"TENANT_RATE_LIMIT" default:"60"`
	IdentityRateLimit int    `envconfig:"IDENTITY_RATE_LIMIT" default:"20"`
	CampaignRateLimit int    `envconfig:"CAMPAIGN_RATE_LIMIT" default:"30"`
}

type OrchestratorConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	DispatchQueueURL   string `envconfig:"DISPATCH_QUEUE_URL" required:"true"`
	CampaignQueueURL   string `envconfig:"CAMPAIGN_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"120"`

	BatchSize         int    `envconfig:"BATCH_SIZE" default:"50"`
	SendInterval      string `envconfig:"SEND_INTERVAL" default:"2s"`
	PartialBatch      bool   `envconfig:"PARTIAL_BATCH" default:"true"`
	ProcessingTimeout string `envconfig:"PROCESSING_TIMEOUT" default:"10m"`
}

type SweeperConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	DispatchQueueURL   string `envconfig:"DISPATCH_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	Staleness     string `envconfig:"STUCK_STALENESS" default:"5m"`
	OrphanAge     string `envconfig:"ORPHAN_AGE" default:"20m"`
	BatchLimit    int    `envconfig:"SWEEP_BATCH_LIMIT" default:"100"`
	StuckSchedule string `envconfig:"STUCK_SCHEDULE" default:"@every 1m"`
	RetrySchedule string `envconfig:"RETRY_SCHEDULE" default:"@every 30s"`
	ResSchedule   string `envconfig:"RESERVATION_SCHEDULE" default:"@every 5m"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadOrchestrator() OrchestratorConfig {
	var cfg OrchestratorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadSweeper() SweeperConfig {
	var cfg SweeperConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
