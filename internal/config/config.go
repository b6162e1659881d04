package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/claimflow/claimflow/internal/apperr"
)

// Stage names accepted by Require.
const (
	StageSubmission   = "submission"
	StageExtraction   = "extraction"
	StageValidation   = "validation"
	StageNotification = "notification"
)

// Backend selectors.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreDynamoDB = "dynamodb"

	BlobsS3 = "s3"
	BlobsFS = "fs"

	EventsEventBridge = "eventbridge"
	EventsLocal       = "local"

	NotifierSNS     = "sns"
	NotifierWebhook = "webhook"
)

const (
	defaultEventSource     = "benefit-claim-validation-function"
	defaultEventDetailType = "Benefit Claim Validation Completed"
)

type Config struct {
	// Extraction engine
	ProjectARN       string
	ProfileARN       string
	ExtractionBucket string
	OutputPrefix     string

	// Job store
	Store       string
	TableName   string
	DBPath      string
	DatabaseURL string

	// Result objects
	Blobs   string
	BlobDir string

	// Decision engine
	KnowledgeBaseID string
	ModelID         string
	PromptsFile     string

	// Domain events
	Events          string
	EventBusName    string
	EventSource     string
	EventDetailType string

	// Notifications
	Notifier            string
	TopicARN            string
	WebhookURL          string
	WebhookAllowPrivate bool

	// Ingress and local delivery
	ListenAddr    string
	APIKeys       []string
	RateLimit     int
	Concurrency   int
	QueueSize     int
	MaxDeliveries int

	LogLevel slog.Level
}

func Load() (*Config, error) {
	cfg := &Config{
		ProjectARN:       getEnv("BDA_PROJECT_ARN", ""),
		ProfileARN:       getEnv("BDA_PROFILE_ARN", ""),
		ExtractionBucket: getEnv("EXTRACTION_BUCKET_NAME", ""),
		OutputPrefix:     strings.Trim(getEnv("EXTRACTION_OUTPUT_PREFIX", "output"), "/"),
		Store:            getEnv("CLAIMFLOW_STORE", StoreSQLite),
		TableName:        getEnv("BDA_TABLE_NAME", ""),
		DBPath:           getEnv("CLAIMFLOW_DB_PATH", "claimflow.db"),
		DatabaseURL:      getEnv("CLAIMFLOW_DATABASE_URL", ""),
		Blobs:            getEnv("CLAIMFLOW_BLOBS", BlobsS3),
		BlobDir:          getEnv("CLAIMFLOW_BLOB_DIR", "blobs"),
		KnowledgeBaseID:  getEnv("KNOWLEDGE_BASE_ID", ""),
		ModelID:          getEnv("KNOWLEDGE_BASE_MODEL_ID", ""),
		PromptsFile:      getEnv("CLAIMFLOW_PROMPTS_FILE", ""),
		Events:           getEnv("CLAIMFLOW_EVENTS", EventsLocal),
		EventBusName:     getEnv("EVENT_BUS_NAME", "default"),
		EventSource:      getEnv("CLAIMFLOW_EVENT_SOURCE", defaultEventSource),
		EventDetailType:  getEnv("CLAIMFLOW_EVENT_DETAIL_TYPE", defaultEventDetailType),
		Notifier:         getEnv("CLAIMFLOW_NOTIFIER", NotifierSNS),
		TopicARN:         getEnv("NOTIFICATION_TOPIC_ARN", ""),
		WebhookURL:       getEnv("CLAIMFLOW_WEBHOOK_URL", ""),
		ListenAddr:       getEnv("CLAIMFLOW_LISTEN_ADDR", ":8080"),
	}

	if err := oneOf("CLAIMFLOW_STORE", cfg.Store, StoreSQLite, StorePostgres, StoreDynamoDB); err != nil {
		return nil, err
	}
	if err := oneOf("CLAIMFLOW_BLOBS", cfg.Blobs, BlobsS3, BlobsFS); err != nil {
		return nil, err
	}
	if err := oneOf("CLAIMFLOW_EVENTS", cfg.Events, EventsEventBridge, EventsLocal); err != nil {
		return nil, err
	}
	if err := oneOf("CLAIMFLOW_NOTIFIER", cfg.Notifier, NotifierSNS, NotifierWebhook); err != nil {
		return nil, err
	}

	for _, k := range strings.Split(getEnv("CLAIMFLOW_API_KEYS", ""), ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			cfg.APIKeys = append(cfg.APIKeys, k)
		}
	}

	cfg.WebhookAllowPrivate = getEnv("CLAIMFLOW_WEBHOOK_ALLOW_PRIVATE", "false") == "true"

	var err error
	cfg.RateLimit, err = getEnvInt("CLAIMFLOW_RATE_LIMIT", 0)
	if err != nil {
		return nil, fmt.Errorf("CLAIMFLOW_RATE_LIMIT: %w", err)
	}
	if cfg.RateLimit < 0 {
		return nil, errors.New("CLAIMFLOW_RATE_LIMIT must be >= 0")
	}

	cfg.Concurrency, err = getEnvInt("CLAIMFLOW_CONCURRENCY", 1)
	if err != nil {
		return nil, fmt.Errorf("CLAIMFLOW_CONCURRENCY: %w", err)
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("CLAIMFLOW_CONCURRENCY must be > 0")
	}

	cfg.QueueSize, err = getEnvInt("CLAIMFLOW_QUEUE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("CLAIMFLOW_QUEUE_SIZE: %w", err)
	}
	if cfg.QueueSize < 1 {
		return nil, errors.New("CLAIMFLOW_QUEUE_SIZE must be > 0")
	}

	cfg.MaxDeliveries, err = getEnvInt("CLAIMFLOW_MAX_DELIVERIES", 3)
	if err != nil {
		return nil, fmt.Errorf("CLAIMFLOW_MAX_DELIVERIES: %w", err)
	}
	if cfg.MaxDeliveries < 1 {
		return nil, errors.New("CLAIMFLOW_MAX_DELIVERIES must be > 0")
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("CLAIMFLOW_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("CLAIMFLOW_LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// Require reports the settings a stage cannot run without. Loading never
// fails on these so that each stage only demands what it actually uses.
func (c *Config) Require(stage string) error {
	var missing []string
	need := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	switch stage {
	case StageSubmission:
		need("BDA_PROJECT_ARN", c.ProjectARN)
		need("EXTRACTION_BUCKET_NAME", c.ExtractionBucket)
	case StageExtraction:
	case StageValidation:
		need("KNOWLEDGE_BASE_ID", c.KnowledgeBaseID)
		need("KNOWLEDGE_BASE_MODEL_ID", c.ModelID)
	case StageNotification:
		switch c.Notifier {
		case NotifierSNS:
			need("NOTIFICATION_TOPIC_ARN", c.TopicARN)
		case NotifierWebhook:
			need("CLAIMFLOW_WEBHOOK_URL", c.WebhookURL)
		}
	default:
		return apperr.New(apperr.KindConfiguration, "config.require", "unknown stage %q", stage)
	}

	switch stage {
	case StageSubmission, StageValidation:
		switch c.Store {
		case StoreDynamoDB:
			need("BDA_TABLE_NAME", c.TableName)
		case StorePostgres:
			need("CLAIMFLOW_DATABASE_URL", c.DatabaseURL)
		}
	}

	if len(missing) > 0 {
		return apperr.New(apperr.KindConfiguration, "config.require",
			"%s stage requires %s", stage, strings.Join(missing, ", "))
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be one of: %s", key, value, strings.Join(allowed, ", "))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}
