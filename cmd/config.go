package cmd

import "github.com/spf13/viper"

func settingDefaultConfig() {
	// Enable automatic environment variable binding
	viper.AutomaticEnv()

	// Map environment variables to Viper keys for PostgreSQL
	viper.BindEnv("postgres.host", "POSTGRES_HOST")
	viper.BindEnv("postgres.port", "POSTGRES_PORT")
	viper.BindEnv("postgres.user", "POSTGRES_USER")
	viper.BindEnv("postgres.password", "POSTGRES_PASSWORD")
	viper.BindEnv("postgres.db", "POSTGRES_DB")

	// Map environment variables for MinIO and the HTTP server
	viper.BindEnv("minio.endpoint", "MINIO_ENDPOINT")
	viper.BindEnv("minio.access_key", "MINIO_ACCESS_KEY")
	viper.BindEnv("minio.secret_key", "MINIO_SECRET_KEY")
	viper.BindEnv("minio.use_ssl", "MINIO_USE_SSL")
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.shutdown_timeout", "SERVER_SHUTDOWN_TIMEOUT")

	// RabbitMQ; when unset the serve command runs an in-process queue
	viper.BindEnv("amqp.url", "AMQP_URL")

	// Logging
	viper.BindEnv("log.production", "LOG_PRODUCTION")

	// Enrichment service (OpenAI-compatible)
	viper.BindEnv("enrichment.url", "ENRICHMENT_URL")
	viper.BindEnv("enrichment.api_key", "ENRICHMENT_API_KEY")
	viper.BindEnv("enrichment.model", "ENRICHMENT_MODEL")
	viper.BindEnv("enrichment.timeout", "ENRICHMENT_TIMEOUT")

	// Ingestion pipeline
	viper.BindEnv("ingest.max_upload_mb", "INGEST_MAX_UPLOAD_MB")
	viper.BindEnv("ingest.batch_size", "INGEST_BATCH_SIZE")
	viper.BindEnv("ingest.max_job_errors", "INGEST_MAX_JOB_ERRORS")
	viper.BindEnv("ingest.worker_pool", "INGEST_WORKER_POOL")
	viper.BindEnv("ingest.max_retries", "INGEST_MAX_RETRIES")
	viper.BindEnv("ingest.retry_interval", "INGEST_RETRY_INTERVAL")

	// Set default values for PostgreSQL
	viper.SetDefault("postgres.host", "localhost")
	viper.SetDefault("postgres.port", "5432")
	viper.SetDefault("postgres.user", "postgres")
	viper.SetDefault("postgres.password", "postgres")
	viper.SetDefault("postgres.db", "policypulse")

	// Set default values for MinIO and the server
	viper.SetDefault("minio.endpoint", "localhost:9000")
	viper.SetDefault("minio.access_key", "minioadmin")
	viper.SetDefault("minio.secret_key", "minioadmin")
	viper.SetDefault("minio.use_ssl", false)
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.shutdown_timeout", "5s")

	viper.SetDefault("amqp.url", "")

	viper.SetDefault("log.production", false)

	viper.SetDefault("enrichment.url", "")
	viper.SetDefault("enrichment.api_key", "")
	viper.SetDefault("enrichment.model", "gpt-4o-mini")
	viper.SetDefault("enrichment.timeout", "30s")

	viper.SetDefault("ingest.max_upload_mb", 10)
	viper.SetDefault("ingest.batch_size", 10)
	viper.SetDefault("ingest.max_job_errors", 1000)
	viper.SetDefault("ingest.worker_pool", 4)
	viper.SetDefault("ingest.max_retries", 3)
	viper.SetDefault("ingest.retry_interval", "2s")
}
