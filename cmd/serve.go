package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	httpHdlr "policypulse/handler/http"
	"policypulse/src/infrastructure/integrations/enrichment"
	"policypulse/src/infrastructure/job"
	"policypulse/src/infrastructure/realtime"
	"policypulse/src/ingestctrl"
	"policypulse/src/log"
	"policypulse/src/storage/minioctrl"
	"policypulse/src/storage/postgres/commentctrl"
	"policypulse/src/storage/postgres/policyctrl"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the policy feedback API with the in-process ingest worker",
	Long: `The serve command starts the HTTP API, the realtime broadcaster and
the background ingest worker in one process. Set AMQP_URL to move the
queue onto RabbitMQ and run dedicated workers with the worker command.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	settingDefaultConfig()
}

func runServe(cmd *cobra.Command, args []string) error {
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

	if err := db.AutoMigrate(&job.IngestJob{}, &commentctrl.Comment{}, &policyctrl.Policy{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %v", err)
	}

	// Upload archiving is best-effort: the API stays up without MinIO.
	var archive job.UploadArchive
	minioService, err := minioctrl.NewMinioService(
		viper.GetString("minio.endpoint"),
		viper.GetString("minio.access_key"),
		viper.GetString("minio.secret_key"),
		viper.GetBool("minio.use_ssl"),
	)
	if err != nil {
		log.Error(err, "minio unavailable, uploads will not be archived")
	} else if err := minioService.EnsureBucketExists(ctx, minioctrl.IngestUploadsBucket); err != nil {
		log.Error(err, "minio bucket unavailable, uploads will not be archived")
	} else {
		archive = minioService
	}

	wmLogger := log.NewWatermillAdapter(log.WithName("watermill"))

	// In-process queue by default; RabbitMQ when AMQP_URL is configured.
	var queuePublisher message.Publisher
	var queueSubscriber message.Subscriber
	if url := viper.GetString("amqp.url"); url != "" {
		publisher, err := amqp.NewPublisher(amqp.NewDurableQueueConfig(url), wmLogger)
		if err != nil {
			return fmt.Errorf("failed to create AMQP publisher: %v", err)
		}
		defer publisher.Close()

		subscriberConfig := amqp.NewDurableQueueConfig(url)
		subscriberConfig.Consume.NoRequeueOnNack = true
		subscriber, err := amqp.NewSubscriber(subscriberConfig, wmLogger)
		if err != nil {
			return fmt.Errorf("failed to create AMQP subscriber: %v", err)
		}
		defer subscriber.Close()

		queuePublisher, queueSubscriber = publisher, subscriber
	} else {
		// Blocking publish keeps submissions in enqueue order; the worker
		// acks on dispatch, so Submit never waits on job processing.
		queue := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		}, wmLogger)
		defer queue.Close()
		queuePublisher, queueSubscriber = queue, queue
	}

	broadcaster := realtime.NewGoChannelBroadcaster(wmLogger)
	defer broadcaster.Close()

	jobRepo := job.NewPostgresRepository(db)
	progress := job.NewProgressTracker()

	commentService, err := commentctrl.NewCommentService(db)
	if err != nil {
		return fmt.Errorf("failed to initialize comment service: %v", err)
	}
	policyService := policyctrl.NewPolicyService(db)

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

	worker := job.NewWorker(queueSubscriber, task, job.WorkerConfig{
		PoolSize:      viper.GetInt("ingest.worker_pool"),
		MaxRetries:    viper.GetInt("ingest.max_retries"),
		RetryInterval: viper.GetDuration("ingest.retry_interval"),
	}, log.WithName("worker"), wmLogger)

	jobService := job.NewService(queuePublisher, jobRepo, archive, log.WithName("jobs"))

	ingestHandler := httpHdlr.NewIngestHandler(
		jobService,
		jobRepo,
		policyService,
		progress,
		viper.GetInt64("ingest.max_upload_mb")<<20,
	)
	commentHandler := httpHdlr.NewCommentHandler(commentService)
	realtimeHandler := httpHdlr.NewRealtimeHandler(broadcaster)

	r := gin.Default()
	r.POST("/policies/:policyId/ingest-jobs", ingestHandler.Submit)
	r.GET("/policies/:policyId/ingest-jobs", ingestHandler.ListByPolicy)
	r.GET("/ingest-jobs/:id", ingestHandler.Status)
	r.GET("/policies/:policyId/comments", commentHandler.ListByPolicy)
	r.GET("/ws", realtimeHandler.Serve)

	srv := &http.Server{
		Addr:    ":" + viper.GetString("server.port"),
		Handler: r,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(ctx)
	})
	g.Go(func() error {
		log.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("server.shutdown_timeout"))
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openDatabase() (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		viper.GetString("postgres.host"),
		viper.GetString("postgres.user"),
		viper.GetString("postgres.password"),
		viper.GetString("postgres.db"),
		viper.GetString("postgres.port"),
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}
	return db, nil
}
