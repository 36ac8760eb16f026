package main

import (
	"os"
	"strings"
	"time"

	"github.com/codingconcepts/env"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/honam867/tasty-banana-v2-sub001/internal/app"
	"github.com/honam867/tasty-banana-v2-sub001/internal/catalog"
	"github.com/honam867/tasty-banana-v2-sub001/internal/generation"
	"github.com/honam867/tasty-banana-v2-sub001/internal/ledger"
	"github.com/honam867/tasty-banana-v2-sub001/internal/postgres"
	"github.com/honam867/tasty-banana-v2-sub001/internal/provider"
	"github.com/honam867/tasty-banana-v2-sub001/internal/queue"
	"github.com/honam867/tasty-banana-v2-sub001/internal/realtime"
	"github.com/honam867/tasty-banana-v2-sub001/internal/rmq"
	"github.com/honam867/tasty-banana-v2-sub001/internal/storage"
	"github.com/honam867/tasty-banana-v2-sub001/internal/worker"
)

type Config struct {
	GeminiApiKey string `env:"GEMINI_API_KEY" required:"true"`
	Concurrency  int    `env:"WORKER_CONCURRENCY" default:"5"`

	ProviderRateLimitWindowSeconds int `env:"PROVIDER_RATE_LIMIT_WINDOW_SECONDS" default:"60"`
	ProviderRateLimitMaxRequests   int `env:"PROVIDER_RATE_LIMIT_MAX_REQUESTS" default:"15"`

	SpacesBucketName     string `env:"SPACES_BUCKET_NAME" required:"true"`
	SpacesRegionName     string `env:"SPACES_REGION_NAME" required:"true"`
	SpacesEndpointOrigin string `env:"SPACES_ENDPOINT_URL" required:"true"`
	SpacesAccessKeyId    string `env:"SPACES_ACCESS_KEY_ID" required:"true"`
	SpacesSecretKey      string `env:"SPACES_SECRET_KEY" required:"true"`
	SpacesPublicBaseUrl  string `env:"SPACES_PUBLIC_BASE_URL" required:"true"`
	StorageAllowedHosts  string `env:"STORAGE_ALLOWED_HOSTS" required:"true"`

	RmqHost     string `env:"RMQ_HOST" required:"true"`
	RmqPort     int    `env:"RMQ_PORT" required:"true"`
	RmqVhost    string `env:"RMQ_VHOST" required:"true"`
	RmqUser     string `env:"RMQ_USER" required:"true"`
	RmqPassword string `env:"RMQ_PASSWORD" required:"true"`

	RedisAddr     string `env:"REDIS_ADDR" required:"true"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDb       int    `env:"REDIS_DB"`

	DatabaseHost     string `env:"PGHOST" required:"true"`
	DatabasePort     int    `env:"PGPORT" required:"true"`
	DatabaseName     string `env:"PGDATABASE" required:"true"`
	DatabaseUser     string `env:"PGUSER" required:"true"`
	DatabasePassword string `env:"PGPASSWORD" required:"true"`
	DatabaseSslMode  string `env:"PGSSLMODE"`
}

func main() {
	application, ctx := app.NewApplication("banana-worker")
	defer application.Stop()

	// Parse config from environment variables
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		application.Fail("Failed to load .env file", err)
	}
	config := Config{}
	if err := env.Set(&config); err != nil {
		application.Fail("Failed to load config", err)
	}

	// Configure our database connection; the server binary owns migrations
	connectionString := postgres.FormatConnectionString(
		config.DatabaseHost,
		config.DatabasePort,
		config.DatabaseName,
		config.DatabaseUser,
		config.DatabasePassword,
		config.DatabaseSslMode,
	)
	db, err := postgres.Open(connectionString)
	if err != nil {
		application.Fail("Failed to open database connection", err)
	}
	defer db.Close()

	// Initialize the AMQP consumer for the generation work queue, a producer
	// for retry republishes, and the Redis-backed job state store
	amqpConn, err := amqp.Dial(rmq.FormatConnectionString(config.RmqHost, config.RmqPort, config.RmqVhost, config.RmqUser, config.RmqPassword))
	if err != nil {
		application.Fail("Failed to connect to AMQP server", err)
	}
	defer amqpConn.Close()
	producer, err := rmq.NewProducer(amqpConn, queue.QueueName)
	if err != nil {
		application.Fail("Failed to initialize AMQP producer", err)
	}
	consumer, err := rmq.NewConsumer(amqpConn, queue.QueueName)
	if err != nil {
		application.Fail("Failed to initialize AMQP consumer", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDb,
	})
	defer rdb.Close()
	state := queue.NewState(rdb)
	jobQueue := queue.New(producer, consumer, state, application.Log())

	// Prepare the object-store facade for input downloads and output writes
	blobStore, err := storage.NewS3Store(
		config.SpacesAccessKeyId,
		config.SpacesSecretKey,
		config.SpacesEndpointOrigin,
		config.SpacesRegionName,
		config.SpacesBucketName,
		config.SpacesPublicBaseUrl,
	)
	if err != nil {
		application.Fail("Failed to initialize storage client", err)
	}
	store := storage.NewFacade(
		blobStore,
		storage.NewUploadRepo(db),
		"spaces",
		config.SpacesBucketName,
		strings.Split(config.StorageAllowedHosts, ","),
	)

	// The worker owns no sockets; pipeline and balance events are published
	// to the realtime events queue and fanned out by the server process
	eventsProducer, err := rmq.NewProducer(amqpConn, realtime.EventsQueueName)
	if err != nil {
		application.Fail("Failed to initialize AMQP producer for realtime events", err)
	}
	events := realtime.NewPublisher(eventsProducer, application.Log())
	ledgerService := ledger.NewService(db, application.Log(), events)

	// Prepare the Gemini client with its per-user rate limiter
	limiter := provider.NewSlidingWindowLimiter(
		time.Duration(config.ProviderRateLimitWindowSeconds)*time.Second,
		config.ProviderRateLimitMaxRequests,
	)
	providerClient, err := provider.NewClient(ctx, config.GeminiApiKey, limiter, application.Log())
	if err != nil {
		application.Fail("Failed to initialize provider client", err)
	}

	processor := worker.NewProcessor(
		generation.NewRepository(db),
		ledgerService,
		catalog.NewRepo(db),
		store,
		providerClient,
		events,
		state,
		application.Log(),
	)

	application.Log().Info("Consuming generation jobs", "concurrency", config.Concurrency)
	if err := jobQueue.Subscribe(ctx, config.Concurrency, processor.Process, processor.OnFailure); err != nil {
		application.Fail("Encountered an error during job processing", err)
	}
}
