package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/tienda-cart/internal/cache"
	"github.com/fjod/tienda-cart/internal/catalog"
	"github.com/fjod/tienda-cart/internal/config"
	h "github.com/fjod/tienda-cart/internal/http"
	"github.com/fjod/tienda-cart/internal/metrics"
	"github.com/fjod/tienda-cart/internal/poller"
	"github.com/fjod/tienda-cart/internal/repository"
	"github.com/fjod/tienda-cart/internal/service"
	"github.com/fjod/tienda-cart/pkg/circuitbreaker"
	"github.com/fjod/tienda-cart/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	cfg := config.Load()
	logger.SetDefault(logger.New(os.Stdout, cfg.LogLevel))
	log := logger.L().With("app", cfg.AppName, "version", cfg.AppVersion)

	ctx := context.Background()

	// Product catalog
	products, err := catalog.Open(cfg.CatalogDBPath)
	if err != nil {
		fatal(log, "failed to open catalog", err)
	}
	defer products.Close()
	if err := products.Migrate(); err != nil {
		fatal(log, "failed to migrate catalog", err)
	}
	log.Info("catalog ready", "path", cfg.CatalogDBPath)

	// Cart repository
	var (
		repo    repository.CartRepository
		mongoDB *mongo.Database
	)
	switch cfg.CartStore {
	case config.StoreMongo:
		mongoDB, err = repository.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName, cfg.AppName)
		if err != nil {
			fatal(log, "failed to connect to MongoDB", err)
		}
		repo = repository.NewMongoRepository(mongoDB)
		if err := repository.EnsureIndexes(ctx, repo); err != nil {
			fatal(log, "failed to create indexes", err)
		}
		log.Info("connected to MongoDB", "uri", cfg.MongoURI, "database", cfg.MongoDBName)
	default:
		repo = repository.NewMemoryRepository()
		log.Info("using in-memory cart repository")
	}

	// Cart cache
	var cartCache cache.CartCache = cache.Nop{}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			fatal(log, "redis connection failed", err)
		}
		log.Info("redis ping succeeded", "addr", cfg.RedisAddr)
		cartCache = cache.NewGuarded(
			cache.NewRedisCache(redisClient, cfg.CartCacheTTL),
			circuitbreaker.DefaultSettings("redis"),
		)
	}

	m := metrics.New()
	carts := service.NewCartService(repo, cartCache, products, m)

	router := h.NewRouter(h.RouterConfig{
		AppName:            cfg.AppName,
		AppVersion:         cfg.AppVersion,
		RequestTimeout:     cfg.RequestTimeout,
		MaxRequestBodySize: cfg.MaxRequestBodySize,
	}, carts, products, m)

	// WriteTimeout stays unset: /api/v1/cart/events streams for the life of the client.
	// Cancelling the base context on shutdown ends those streams.
	baseCtx, cancelStreams := context.WithCancel(ctx)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           otelhttp.NewHandler(router, cfg.AppName),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelStreams)

	// gRPC health endpoint for orchestrators
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		fatal(log, "failed to listen", err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for grpcurl/grpcui
	reflection.Register(grpcServer)

	go func() {
		log.Info("gRPC health server listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			fatal(log, "failed to serve gRPC", err)
		}
	}()

	go func() {
		log.Info("HTTP server starting", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(log, "server error", err)
		}
	}()

	// Idle cart eviction
	evictCtx, stopEviction := context.WithCancel(ctx)
	defer stopEviction()
	go carts.RunEviction(evictCtx, cfg.CartEvictInterval, cfg.CartIdleTTL)

	// Checkout poller
	pollCtx, stopPolling := context.WithCancel(ctx)
	pollDone := make(chan struct{})
	if len(cfg.KafkaBrokers) > 0 {
		p := poller.NewPoller(carts, cfg.KafkaTopic, cfg.KafkaGroupID, cfg.KafkaBrokers...)
		go func() {
			defer close(pollDone)
			defer p.Close()
			log.Info("checkout poller started", "topic", cfg.KafkaTopic, "group", cfg.KafkaGroupID)
			p.Run(pollCtx)
		}()
	} else {
		close(pollDone)
		log.Info("KAFKA_BROKERS not set, checkout poller disabled")
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")
	healthServer.Shutdown()
	stopPolling()
	stopEviction()
	<-pollDone

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	grpcServer.GracefulStop()

	if mongoDB != nil {
		if err := mongoDB.Client().Disconnect(shutdownCtx); err != nil {
			log.Error("failed to disconnect from MongoDB", "error", err)
		}
	}

	log.Info("server exited")
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
