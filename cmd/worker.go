package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"policypulse/src/infrastructure/integrations/enrichment"
	"policypulse/src/infrastructure/job"
	"policypulse/src/infrastructure/realtime"
	"policypulse/src/ingestctrl"
	"policypulse/src/log"
	"policypulse/src/storage/postgres/commentctrl"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a dedicated ingest worker consuming from RabbitMQ",
	Long: `The worker command runs the ingest pipeline without the HTTP API.
It requires AMQP_URL. Realtime events published by a dedicated worker
only reach clients connected to the same process; running API and worker
separately trades realtime job updates for queue durability, and clients
fall back to polling the job status endpoint.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	settingDefaultConfig()
}

func runWorker(cmd *cobra.Command, args []string) error {
	url := viper.GetString("amqp.url")
	if url == "" {
		return fmt.Errorf("the worker command requires AMQP_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase()
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %v", err)
	}
	defer sqlDB.Close()

	wmLogger := log.NewWatermillAdapter(log.WithName("watermill"))

	subscriberConfig := amqp.NewDurableQueueConfig(url)
	subscriberConfig.Consume.NoRequeueOnNack = true
	subscriber, err := amqp.NewSubscriber(subscriberConfig, wmLogger)
	if err != nil {
		return fmt.Errorf("failed to create AMQP subscriber: %v", err)
	}
	defer subscriber.Close()

	broadcaster := realtime.NewGoChannelBroadcaster(wmLogger)
	defer broadcaster.Close()

	jobRepo := job.NewPostgresRepository(db)
	progress := job.NewProgressTracker()

	commentService, err := commentctrl.NewCommentService(db)
	if err != nil {
		return fmt.Errorf("failed to initialize comment service: %v", err)
	}

	var enricher ingestctrl.Enricher
	if url := viper.GetString("enrichment.url"); url != "" {
		enricher = enrichment.NewClient(enrichment.Config{
			BaseURL: url,
			APIKey:  viper.GetString("enrichment.api_key"),
			Model:   viper.GetString("enrichment.model"),
			Timeout: viper.GetDuration("enrichment.timeout"),
		}, log.WithName("enrichment"))
	}

	task := ingestctrl.NewIngestTask(
		jobRepo,
		commentService,
		enricher,
		broadcaster,
		progress,
		ingestctrl.Config{
			BatchSize: viper.GetInt("ingest.batch_size"),
			MaxErrors: viper.GetInt("ingest.max_job_errors"),
		},
		log.WithName("ingest"),
	)

	worker := job.NewWorker(subscriber, task, job.WorkerConfig{
		PoolSize:      viper.GetInt("ingest.worker_pool"),
		MaxRetries:    viper.GetInt("ingest.max_retries"),
		RetryInterval: viper.GetDuration("ingest.retry_interval"),
	}, log.WithName("worker"), wmLogger)

	log.Info("worker starting")
	return worker.Run(ctx)
}
