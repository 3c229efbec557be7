package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yourorg/condominio/internal/handler"
	"github.com/yourorg/condominio/internal/infrastructure/logger"
	"github.com/yourorg/condominio/internal/infrastructure/redis"
	"github.com/yourorg/condominio/internal/messaging"
	"github.com/yourorg/condominio/internal/observability/metrics"
	"github.com/yourorg/condominio/internal/observability/tracing"
	"github.com/yourorg/condominio/internal/repository"
	"github.com/yourorg/condominio/internal/security/audit"
	"github.com/yourorg/condominio/internal/security/auth"
	"github.com/yourorg/condominio/internal/security/middleware"
	"github.com/yourorg/condominio/internal/security/ratelimit"
	"github.com/yourorg/condominio/internal/service"
	"github.com/yourorg/condominio/internal/worker"
	"github.com/yourorg/condominio/pkg/config"
	"github.com/yourorg/condominio/pkg/database"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize structured logger
	log := logger.NewLogger(cfg.LogLevel)
	log.Info("starting condominio server", slog.String("environment", cfg.Environment))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize tracing (no-op without an exporter endpoint)
	shutdownTracing, err := tracing.Init(ctx, log, "condominio", cfg.Environment)
	if err != nil {
		log.Error("failed to initialize tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Connect to Postgres
	pool, err := database.NewConnectionPool(ctx, &database.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, log)
	if err != nil {
		log.Error("failed to connect to Postgres", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 5. Connect to Redis
	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer redisClient.Close()

	// 6. Connect to Kafka
	publisher, err := messaging.NewKafkaPublisher(cfg.KafkaBrokers, cfg.WorkerCreationTopic, log)
	if err != nil {
		log.Error("failed to create Kafka publisher", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer publisher.Close()

	// 7. Initialize repositories and services
	store := repository.NewStore(pool, log)
	userRepo := repository.NewPostgresUserRepository(pool.GetDB(), log)

	provisioningService := service.NewProvisioningService(store, publisher, log, service.ProvisioningOptions{
		WorkerTimeout:  time.Duration(cfg.WorkerTimeoutMinutes) * time.Minute,
		PublishTimeout: time.Duration(cfg.PublishTimeoutMs) * time.Millisecond,
	})

	tokenManager := auth.NewTokenManager(cfg.JWTSecret, "condominio")
	authService := service.NewAuthService(
		userRepo,
		tokenManager,
		cfg.MaxFailedLogins,
		time.Duration(cfg.LockoutMinutes)*time.Minute,
		log,
	)

	// 8. Initialize handlers
	provisionHandler := handler.NewProvisionHandler(provisioningService, log)
	statusHandler := handler.NewProvisionStatusHandler(
		provisioningService,
		redisClient,
		time.Duration(cfg.StatusCacheTTLSecs)*time.Second,
		log,
	)
	resolveHandler := handler.NewResolveHandler(provisioningService, log)
	loginHandler := handler.NewLoginHandler(authService, log)
	healthHandler := handler.NewHealthHandler(map[string]handler.Pinger{
		"postgres": handler.PingerFunc(pool.Health),
		"redis":    redisClient,
		"kafka":    publisher,
	}, log)

	// 8a. Initialize security components
	rateLimiter := ratelimit.NewLimiter(100, time.Minute)
	auditLogger := audit.NewLogger(log)

	// 9. Setup HTTP routes
	mux := http.NewServeMux()
	mux.Handle("POST /api/users", provisionHandler)
	mux.HandleFunc("POST /api/users/standalone", provisionHandler.CreateStandalone)
	mux.HandleFunc("POST /api/users/password", loginHandler.ChangePassword)
	mux.Handle("GET /api/provisioning/{id}", statusHandler)
	mux.Handle("POST /api/provisioning/{id}/resolve", resolveHandler)
	mux.Handle("POST /api/login", loginHandler)
	mux.HandleFunc("GET /healthz", healthHandler.Health)
	mux.HandleFunc("GET /readyz", healthHandler.Ready)
	mux.Handle("/metrics", promhttp.Handler())

	// Chain middleware: request ID -> metrics -> JWT -> audit -> rate limit.
	// JWT runs first of the three so audit and rate limiting see the
	// authenticated caller's claims.
	rootHandler := withRequestID(
		metrics.HTTPMetricsMiddleware(
			middleware.JWTMiddleware(tokenManager, auditLogger, log)(
				middleware.AuditMiddleware(auditLogger)(
					middleware.RateLimitMiddleware(rateLimiter, log)(mux),
				),
			),
		),
		log,
	)

	// 10. Start background workers
	consumer, err := messaging.NewOutcomeConsumer(
		cfg.KafkaBrokers,
		cfg.WorkerOutcomeTopic,
		cfg.WorkerConsumerGroup,
		store,
		redisClient,
		log,
		cfg.MaxPublishAttempts,
		time.Duration(cfg.RetryBackoffSeconds)*time.Second,
	)
	if err != nil {
		log.Error("failed to create outcome consumer", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer consumer.Close()
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("outcome consumer exited", slog.String("error", err.Error()))
		}
	}()

	sweeper := worker.NewSweeper(
		store,
		publisher,
		redisClient,
		log,
		time.Duration(cfg.SweepIntervalSeconds)*time.Second,
		cfg.MaxPublishAttempts,
		time.Duration(cfg.RetryBackoffSeconds)*time.Second,
		time.Duration(cfg.WorkerTimeoutMinutes)*time.Minute,
	)
	go sweeper.Start(ctx)

	// 11. Start HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      rootHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info("server starting",
		slog.Int("port", cfg.ServerPort),
		slog.String("auth", "jwt"),
		slog.String("creation_topic", cfg.WorkerCreationTopic),
		slog.String("outcome_topic", cfg.WorkerOutcomeTopic),
	)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	<-sigChan
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
	}

	cancel() // Stop sweeper and consumer
	rateLimiter.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", slog.String("error", err.Error()))
	}
	log.Info("server stopped")
}

type requestIDKey struct{}

// withRequestID attaches a request ID to the context and response headers for traceability
func withRequestID(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := generateRequestID()
		w.Header().Set("X-Request-ID", reqID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		start := time.Now()

		next.ServeHTTP(w, r.WithContext(ctx))

		log.Info("request completed",
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration_ms", time.Since(start)),
		)
	})
}

func generateRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("req-%d", time.Now().UnixNano())
}
