package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/database"
	appointmentHandler "consultlink-backend/internal/handler/http/appointment"
	chatHandler "consultlink-backend/internal/handler/http/chat"
	pushHandler "consultlink-backend/internal/handler/http/push"
	storageHandler "consultlink-backend/internal/handler/http/storage"
	wsHandler "consultlink-backend/internal/handler/ws"
	"consultlink-backend/internal/middleware"
	"consultlink-backend/internal/repository/cassandra"
	"consultlink-backend/internal/repository/postgres"
	redisRepo "consultlink-backend/internal/repository/redis"
	chatService "consultlink-backend/internal/service/chat"
	roomService "consultlink-backend/internal/service/room"
	storageService "consultlink-backend/internal/service/storage"
	"consultlink-backend/pkg/config"
	"consultlink-backend/pkg/constants"
	"consultlink-backend/pkg/jwt"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/metrics"
	"consultlink-backend/pkg/push"
	"consultlink-backend/pkg/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Service:  cfg.Server.ServiceName,
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Metrics first so every component can register on the same registry
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	database.InitRedisMetrics(appMetrics.Registry())

	// 2. Postgres: appointment read model
	var pg *database.PostgresDB
	err = connectWithRetry(ctx, "postgres", func() error {
		var err error
		pg, err = database.NewPostgresDB(ctx, &database.PostgresConfig{
			DSN:      cfg.Database.PostgresDSN(),
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		return err
	})
	if err != nil {
		logger.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer pg.Close()

	// 3. Cassandra: message store
	var cass *database.CassandraDB
	err = connectWithRetry(ctx, "cassandra", func() error {
		var err error
		cass, err = database.NewCassandraDB(&database.CassandraConfig{
			Hosts:       cfg.Cassandra.Hosts,
			Keyspace:    cfg.Cassandra.Keyspace,
			Consistency: cfg.Cassandra.Consistency,
			Timeout:     cfg.Cassandra.Timeout,
		})
		return err
	})
	if err != nil {
		logger.Fatal("Failed to connect to Cassandra", zap.Error(err))
	}
	defer cass.Close()

	// 4. Redis with degraded mode: presence, rooms, push tokens, fan-out
	redisDB, err := database.NewRedisDB(&database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	})
	if err != nil {
		logger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisDB.Close()
	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unavailable at startup, running degraded", zap.Error(err))
	}
	redisDB.StartHealthCheck(ctx, 10*time.Second)

	// 5. Push notifications
	pushProvider, err := push.NewProvider(ctx, cfg.Push)
	if err != nil {
		if cfg.Server.Environment == "production" {
			logger.Fatal("Failed to initialize push provider", zap.Error(err))
		}
		logger.Warn("Push provider unavailable, falling back to mock", zap.Error(err))
		pushProvider = &push.MockProvider{}
	}
	pushSvc := push.NewService(pushProvider, redisRepo.NewPushTokenRepository(redisDB.Client))

	// 6. Repositories and services
	appointmentRepo := postgres.NewAppointmentRepository(pg.Pool)
	messageRepo := cassandra.NewMessageRepository(cass)
	presenceRepo := redisRepo.NewPresenceRepository(redisDB)

	rooms := roomService.NewService(redisRepo.NewRoomRepository(redisDB), appointmentRepo, appMetrics).
		WithFallback(roomService.NewMemoryStore())
	chatSvc := chatService.NewService(messageRepo, appointmentRepo, appMetrics)

	minioClient, err := storageService.NewMinioClient(cfg.MinIO)
	if err != nil {
		logger.Fatal("Failed to create MinIO client", zap.Error(err))
	}
	breaker := resilience.NewBreaker("minio", resilience.DefaultConfig(), appMetrics.Registry())
	storageSvc, err := storageService.NewService(ctx, minioClient, cfg.MinIO.Bucket, chatSvc, breaker)
	if err != nil {
		logger.Fatal("Failed to initialize attachment storage", zap.Error(err))
	}

	// 7. Websocket hubs, fanned out across instances through Redis
	instanceID := instanceName()
	hubCfg := wsHandler.SignalingConfig{
		MaxConnections: cfg.Signaling.MaxConnections,
		AllowedOrigins: cfg.Signaling.AllowedOrigins,
	}
	signalingHub := wsHandler.NewSignalingHub(hubCfg,
		wsHandler.NewRedisBus(redisDB, wsHandler.SignalChannelPrefix, instanceID),
		rooms, appointmentRepo, presenceRepo, pushSvc, appMetrics)
	chatHub := wsHandler.NewChatHub(hubCfg,
		wsHandler.NewRedisBus(redisDB, wsHandler.ChatChannelPrefix, instanceID),
		chatSvc, presenceRepo, pushSvc, appMetrics)
	go signalingHub.Run(ctx)
	go chatHub.Run(ctx)

	// 8. Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.Signaling.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", middleware.HealthHandler(cfg.Server.ServiceName, map[string]middleware.HealthChecker{
		"postgres": func(c *gin.Context) error { return pg.Ping(c.Request.Context()) },
		"cassandra": func(c *gin.Context) error {
			return cass.QueryWithContext(c.Request.Context(), "SELECT now() FROM system.local").Exec()
		},
		"redis": func(c *gin.Context) error { return redisDB.SafePing(c.Request.Context()) },
	}))
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)
	appointmentHdlr := appointmentHandler.NewHandler(appointmentRepo)
	chatHdlr := chatHandler.NewHandler(chatSvc)
	storageHdlr := storageHandler.NewHandler(storageSvc)
	pushHdlr := pushHandler.NewHandler(pushSvc)

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		v1.GET("/appointments", appointmentHdlr.ListAppointments)

		v1.GET("/messages", chatHdlr.GetMessages)
		v1.POST("/messages/read", chatHdlr.MarkRead)

		v1.POST("/attachments", storageHdlr.CreateAttachment)
		v1.GET("/attachments/url", storageHdlr.GetDownloadURL)

		v1.POST("/push/tokens", pushHdlr.RegisterToken)
		v1.DELETE("/push/tokens", pushHdlr.UnregisterToken)

		v1.GET("/ws/calls", signalingHub.ServeWS)
		v1.GET("/ws/chat", chatHub.ServeWS)
	}

	// 9. Serve until signalled
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Signaling service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("instance", instanceID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down signaling service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

// connectWithRetry retries connect with exponential backoff
func connectWithRetry(ctx context.Context, name string, connect func() error) error {
	const (
		maxRetries = 5
		baseDelay  = 1 * time.Second
		maxDelay   = 30 * time.Second
	)

	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err = connect(); err == nil {
			logger.Info("Connected", zap.String("store", name), zap.Int("attempt", attempt))
			return nil
		}
		if attempt == maxRetries {
			break
		}

		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("Connection attempt failed",
			zap.String("store", name),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", name, maxRetries, err)
}

// instanceName tags this process on the fan-out bus
func instanceName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "relay"
	}
	return host + "-" + uuid.NewString()[:8]
}
