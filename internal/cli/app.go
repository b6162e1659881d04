package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockdataautomationruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/claimflow/claimflow/internal/apperr"
	"github.com/claimflow/claimflow/internal/blob"
	"github.com/claimflow/claimflow/internal/bus"
	"github.com/claimflow/claimflow/internal/config"
	"github.com/claimflow/claimflow/internal/decision"
	"github.com/claimflow/claimflow/internal/extraction"
	"github.com/claimflow/claimflow/internal/job"
	"github.com/claimflow/claimflow/internal/notify"
	"github.com/claimflow/claimflow/internal/pipeline"
	"github.com/claimflow/claimflow/internal/queue"
	"github.com/claimflow/claimflow/internal/webhook"
)

// App is a fully wired process: the Job Store, the stages and the local queue
// that carries events between them.
type App struct {
	Config *config.Config
	Store  job.Store
	Queue  *queue.Queue
	Stages *pipeline.Stages

	closers []func() error
}

// Route registers every stage on the local queue.
func (a *App) Route() {
	if a.Stages.Submission != nil {
		a.Queue.Handle(queue.KindObjectCreated, a.Stages.Submission.Handle)
	}
	a.Queue.Handle(queue.KindJobCompleted, a.Stages.JobCompleted)
	if a.Stages.Notification != nil {
		a.Queue.Handle(queue.KindValidationCompleted, a.Stages.Notification.Handle)
	}
}

func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func loadAWS(ctx context.Context) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, apperr.Wrap(apperr.KindConfiguration, "cli.load_aws", err, "load AWS configuration")
	}
	return awsCfg, nil
}

// OpenStore opens the Job Store backend selected by CLAIMFLOW_STORE.
func OpenStore(ctx context.Context, cfg *config.Config) (job.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Store {
	case config.StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, apperr.New(apperr.KindConfiguration, "cli.open_store", "CLAIMFLOW_DATABASE_URL is not set")
		}
		s, err := job.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.StoreDynamoDB:
		if cfg.TableName == "" {
			return nil, nil, apperr.New(apperr.KindConfiguration, "cli.open_store", "BDA_TABLE_NAME is not set")
		}
		awsCfg, err := loadAWS(ctx)
		if err != nil {
			return nil, nil, err
		}
		return job.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.TableName), noop, nil
	default:
		s, err := job.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}

// Build wires every stage against the backends cfg selects.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	awsCfg, err := loadAWS(ctx)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Store: store, Queue: queue.New(cfg, logger), closers: []func() error{closeStore}}

	var blobs pipeline.BlobGetter = blob.NewS3Store(s3.NewFromConfig(awsCfg))
	if cfg.Blobs == config.BlobsFS {
		blobs = blob.NewFSStore(cfg.BlobDir)
	}

	if cfg.ProfileARN == "" && cfg.ProjectARN != "" {
		arn, err := extraction.ResolveProfileARN(ctx, sts.NewFromConfig(awsCfg), awsCfg.Region, "")
		if err != nil {
			logger.Warn("automation profile unresolved, submission disabled", "error", err)
		} else {
			cfg.ProfileARN = arn
		}
	}

	catalog, err := decision.LoadCatalog(cfg.PromptsFile)
	if err != nil {
		app.Close() //nolint:errcheck
		return nil, apperr.Wrap(apperr.KindConfiguration, "cli.build", err, "prompt catalog")
	}

	var publisher pipeline.EventPublisher = app.Queue
	if cfg.Events == config.EventsEventBridge {
		publisher = bus.NewEventBridgePublisher(eventbridge.NewFromConfig(awsCfg), cfg.EventBusName)
	}

	var notifier pipeline.Notifier = notify.NewSNSPublisher(sns.NewFromConfig(awsCfg), cfg.TopicARN)
	if cfg.Notifier == config.NotifierWebhook {
		notifier = webhook.New(cfg.WebhookURL, cfg.WebhookAllowPrivate)
	}

	listener := pipeline.NewListener(blobs)
	app.Stages = &pipeline.Stages{
		Submission: pipeline.NewSubmission(cfg,
			extraction.NewBDAClient(bedrockdataautomationruntime.NewFromConfig(awsCfg)), store, logger),
		Observer: pipeline.NewObserver(listener, logger),
		Validation: pipeline.NewValidation(cfg, pipeline.ValidationDeps{
			Listener:  listener,
			Store:     store,
			Catalog:   catalog,
			Engine:    decision.NewBedrockEngine(bedrockagentruntime.NewFromConfig(awsCfg)),
			Publisher: publisher,
		}, logger),
		Notification: pipeline.NewNotification(cfg, notifier, logger),
	}
	app.Route()
	return app, nil
}
