/**
 * @description
 * This is the main entry point for the bank-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, external API clients, message brokers, repositories, the core
 * application service, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages.
 * - pkg/oracleclient, pkg/tokenclient, pkg/reputationclient: HTTP collaborators.
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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/communio/bank-service/internal/api"
	"github.com/communio/bank-service/internal/app"
	"github.com/communio/bank-service/internal/config"
	"github.com/communio/bank-service/internal/store"
	"github.com/communio/bank-service/pkg/oracleclient"
	"github.com/communio/bank-service/pkg/rabbitmq"
	"github.com/communio/bank-service/pkg/reputationclient"
	"github.com/communio/bank-service/pkg/tokenclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.OracleBaseURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"price oracle must be configured\" env=ORACLE_BASE_URL")
	}
	if strings.TrimSpace(cfg.TokenServiceURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"token service must be configured\" env=TOKEN_SERVICE_URL")
	}

	log.Printf("level=info component=bootstrap msg=\"starting bank-service\" port=%s", cfg.ServerPort)

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

	// Initialize the RabbitMQ producer to publish ledger and deal events.
	var producer rabbitmq.Publisher
	rabbitProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the HTTP collaborators.
	oracleClient := oracleclient.NewClient(cfg.OracleBaseURL, cfg.OracleAPIKey)
	tokenClient := tokenclient.NewClient(cfg.TokenServiceURL, cfg.TokenServiceAPIKey)

	// Missing reputation-service config should not prevent the bank from
	// booting; deal reputation minting will degrade.
	var reputationClient *reputationclient.Client
	if strings.TrimSpace(cfg.ReputationURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"reputation-service client not configured; reputation minting disabled\"")
	} else {
		reputationClient = reputationclient.NewClient(cfg.ReputationURL, cfg.ReputationAPIKey)
	}

	var redisClient *redis.Client
	rateLimitingEnabled := cfg.DealCreateRateLimitPerMinute > 0 || cfg.DealDetailsRateLimitPerMinute > 0
	if rateLimitingEnabled {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; deal rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; deal rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; deal rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	var reputation app.ReputationMinter
	if reputationClient != nil {
		reputation = reputationClient
	}
	bankService := app.NewService(
		repository,
		oracleClient,
		tokenClient,
		reputation,
		producer,
		cfg.GuarantorFee(),
	)
	if redisClient != nil {
		bankService.SetDealRateLimiter(
			app.NewRedisDealRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.DealCreateRateLimitPerMinute,
			cfg.DealDetailsRateLimitPerMinute,
		)
	}

	// Resolve the role-scoped internal API keys.
	internalKeys := make(map[string]app.Role)
	for key, role := range cfg.InternalKeyRoles() {
		internalKeys[key] = app.Role(role)
	}
	if len(internalKeys) == 0 {
		log.Println("level=warn component=bootstrap msg=\"no internal api keys configured; service-to-service routes will reject all callers\"")
	}

	// Initialize the API handlers.
	bankHandlers := api.NewBankHandlers(bankService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/bank", api.BankRoutes(bankHandlers, cfg.JWKSURL, cfg.JWTAudience, cfg.JWTIssuer, internalKeys))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the governance consumer: fee votes flow in over RabbitMQ.
	governanceConsumer := app.NewGovernanceFeeConsumer(bankService)

	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	feeBindings := map[string]func([]byte) bool{
		"governance.fee.post.updated":    governanceConsumer.HandleFeeUpdate,
		"governance.fee.comment.updated": governanceConsumer.HandleFeeUpdate,
	}

	if err := rabbitConsumer.ConsumeWithBindings(cfg.GovernanceExchange, cfg.GovernanceFeeQueue, feeBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"governance consumer start failed\" err=%v", err)
	}

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
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

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
