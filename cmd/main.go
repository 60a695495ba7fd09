/**
 * @description
 * This is the main entry point for the payment engine. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the provider gateway registry, message broker, repositories, the
 * core application service, the transfer expiry sweeper, and the HTTP server.
 * It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/provider: Payment provider gateway adapters.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerpay/payment-engine/internal/api"
	"github.com/ledgerpay/payment-engine/internal/app"
	"github.com/ledgerpay/payment-engine/internal/config"
	"github.com/ledgerpay/payment-engine/internal/store"
	"github.com/ledgerpay/payment-engine/pkg/provider"
	"github.com/ledgerpay/payment-engine/pkg/rabbitmq"
)

func main() {
	// Load .env for local development. In deployed environments the
	// variables come from the platform and the file is absent.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.ConfirmationTokenSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"confirmation token secret must be configured\" env=CONFIRMATION_TOKEN_SECRET")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting payment-engine\" port=%s currency=%s", cfg.ServerPort, cfg.LedgerCurrency)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	repository := store.NewPostgresRepository(dbpool)
	deadLetters := store.NewPostgresDeadLetterSink(dbpool)

	// Idempotency entries live in Redis when available, otherwise in
	// Postgres alongside the ledger.
	var idemStore store.IdempotencyStore = store.NewPostgresIdempotencyStore(dbpool)
	if cfg.RedisURL != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; idempotency entries stay in postgres\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; idempotency entries stay in postgres\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				idemStore = store.NewRedisIdempotencyStore(redisClient, "ledgerpay:idempotency")
				log.Println("level=info component=bootstrap msg=\"redis connected; idempotency entries in redis\"")
			}
		}
	}

	// Initialize the RabbitMQ producer to publish lifecycle events.
	var events rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		events = &rabbitmq.EventProducerFallback{}
	} else {
		defer producer.Close()
		events = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Register one HMAC gateway per configured provider secret.
	registry := provider.NewRegistry()
	for code, secret := range config.ParseWebhookSecrets(cfg.WebhookSecrets) {
		registry.Register(provider.NewHMACGateway(code, secret, nil))
	}
	log.Printf("level=info component=bootstrap msg=\"provider gateways registered\" providers=%v", registry.Codes())

	tokens := app.NewConfirmationTokenService(cfg.ConfirmationTokenSecret)
	svc := app.NewService(
		repository,
		tokens,
		events,
		cfg.LedgerCurrency,
		cfg.DepositFeeMinor,
		time.Duration(cfg.ConfirmationTokenTTLHours)*time.Hour,
	)
	guard := app.NewIdempotencyGuard(idemStore, time.Duration(cfg.IdempotencyTTLHours)*time.Hour)
	pipeline := app.NewWebhookPipeline(registry, svc, repository, deadLetters)

	// Start the transfer expiry sweeper in the background.
	sweeper := app.NewSweeper(svc, cfg.TransferExpirySweepSchedule)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"sweeper start failed\" err=%v", err)
	}

	handlers := api.NewHandlers(svc, guard, pipeline, deadLetters, cfg.LedgerCurrency)
	router := api.Routes(handlers, cfg.JWTSecret)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	sweepCtx := sweeper.Stop()
	<-sweepCtx.Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
