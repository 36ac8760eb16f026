package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/codingconcepts/env"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/honam867/tasty-banana-v2-sub001/internal/api"
	"github.com/honam867/tasty-banana-v2-sub001/internal/app"
	"github.com/honam867/tasty-banana-v2-sub001/internal/auth"
	"github.com/honam867/tasty-banana-v2-sub001/internal/catalog"
	"github.com/honam867/tasty-banana-v2-sub001/internal/generation"
	"github.com/honam867/tasty-banana-v2-sub001/internal/ledger"
	"github.com/honam867/tasty-banana-v2-sub001/internal/postgres"
	"github.com/honam867/tasty-banana-v2-sub001/internal/provider"
	"github.com/honam867/tasty-banana-v2-sub001/internal/queue"
	"github.com/honam867/tasty-banana-v2-sub001/internal/realtime"
	"github.com/honam867/tasty-banana-v2-sub001/internal/rmq"
	"github.com/honam867/tasty-banana-v2-sub001/internal/storage"
)

type Config struct {
	BindAddr    string `env:"BIND_ADDR"`
	ListenPort  uint16 `env:"LISTEN_PORT" default:"5000"`
	CorsOrigins string `env:"CORS_ORIGINS" default:"*"`

	AuthJwtSecret     string `env:"AUTH_JWT_SECRET" required:"true"`
	SignupBonusTokens int    `env:"SIGNUP_BONUS_TOKENS" default:"1000"`

	IntakeRateLimitWindowSeconds int `env:"INTAKE_RATE_LIMIT_WINDOW_SECONDS" default:"60"`
	IntakeRateLimitMaxRequests   int `env:"INTAKE_RATE_LIMIT_MAX_REQUESTS" default:"15"`

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
	application, ctx := app.NewApplication("banana-server")
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

	// Configure our database connection and run any pending migrations
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
	if err := postgres.Migrate(db); err != nil {
		application.Fail("Failed to run database migrations", err)
	}

	// Initialize an AMQP connection and a producer bound to the generation
	// work queue, plus the Redis client that holds queryable job state
	amqpConn, err := amqp.Dial(rmq.FormatConnectionString(config.RmqHost, config.RmqPort, config.RmqVhost, config.RmqUser, config.RmqPassword))
	if err != nil {
		application.Fail("Failed to connect to AMQP server", err)
	}
	defer amqpConn.Close()
	producer, err := rmq.NewProducer(amqpConn, queue.QueueName)
	if err != nil {
		application.Fail("Failed to initialize AMQP producer", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDb,
	})
	defer rdb.Close()
	jobQueue := queue.New(producer, nil, queue.NewState(rdb), application.Log())

	// Prepare the object-store facade backing uploads and generated images
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

	// Wire the realtime hub into the ledger so every committed balance
	// change is pushed to the owning user's sockets, and attach the relay
	// that fans worker-published events out to those sockets
	hub := realtime.NewHub(application.Log())
	ledgerService := ledger.NewService(db, application.Log(), hub)
	eventsConsumer, err := rmq.NewConsumer(amqpConn, realtime.EventsQueueName)
	if err != nil {
		application.Fail("Failed to initialize AMQP consumer for realtime events", err)
	}
	relay := realtime.NewRelay(eventsConsumer, hub, application.Log())

	verifier := auth.NewVerifier(config.AuthJwtSecret)
	limiter := provider.NewSlidingWindowLimiter(
		time.Duration(config.IntakeRateLimitWindowSeconds)*time.Second,
		config.IntakeRateLimitMaxRequests,
	)
	server := api.NewServer(
		generation.NewRepository(db),
		ledgerService,
		catalog.NewRepo(db),
		store,
		jobQueue,
		hub,
		verifier,
		limiter,
		config.SignupBonusTokens,
		application.Log(),
	)

	// Serve HTTP until the process is signaled, then drain connections
	addr := fmt.Sprintf("%s:%d", config.BindAddr, config.ListenPort)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Routes(strings.Split(config.CorsOrigins, ",")),
	}
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return relay.Run(ctx)
	})
	wg.Go(func() error {
		application.Log().Info("Listening", "addr", addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	wg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := wg.Wait(); err != nil {
		application.Fail("Server terminated unexpectedly", err)
	}
}
