// Command collabkitd runs the collaboration server: a WebSocket endpoint
// speaking the join/operation/presence/signaling protocol, plus health and
// metrics HTTP endpoints. Grounded on the teacher's cmd/v1/session/main.go
// wiring shape (config -> logging -> tracing -> gin router -> graceful
// shutdown).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/collabkit-go/internal/auth"
	"github.com/RoseWrightdev/collabkit-go/internal/config"
	"github.com/RoseWrightdev/collabkit-go/internal/health"
	"github.com/RoseWrightdev/collabkit-go/internal/logging"
	"github.com/RoseWrightdev/collabkit-go/internal/middleware"
	"github.com/RoseWrightdev/collabkit-go/internal/permission"
	"github.com/RoseWrightdev/collabkit-go/internal/presence"
	"github.com/RoseWrightdev/collabkit-go/internal/ratelimit"
	"github.com/RoseWrightdev/collabkit-go/internal/room"
	"github.com/RoseWrightdev/collabkit-go/internal/session"
	"github.com/RoseWrightdev/collabkit-go/internal/storage"
	"github.com/RoseWrightdev/collabkit-go/internal/storage/redisstore"
	"github.com/RoseWrightdev/collabkit-go/internal/tracing"
	"github.com/RoseWrightdev/collabkit-go/internal/transportws"
)

// roomCleanupGracePeriod is how long an emptied room survives before its
// state is discarded, giving a refreshing client time to rejoin.
const roomCleanupGracePeriod = 30 * time.Second

func main() {
	for _, path := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	ctx := context.Background()
	logging.Info(ctx, "starting collabkitd", zap.String("port", cfg.Port), zap.String("go_env", cfg.GoEnv))

	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "collabkitd", collectorAddr)
		if err != nil {
			logging.Warn(ctx, "failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	backend := buildStorage(ctx, cfg)
	defer func() { _ = backend.Disconnect(context.Background()) }()

	tracingEnabled := os.Getenv("OTEL_COLLECTOR_ADDR") != ""

	authProvider := buildAuthProvider(ctx, cfg)

	rooms := room.NewManager(roomCleanupGracePeriod)
	pres := presence.NewManager(
		time.Duration(cfg.PresenceStaleTimeoutSeconds)*time.Second,
		time.Duration(cfg.PresenceCleanupIntervalSeconds)*time.Second,
	)

	sessionServer := session.New(session.Options{
		RequireAuth:                cfg.RequireAuth,
		AllowAnonymous:             cfg.AllowAnonymous,
		AutoCreateRooms:            cfg.AutoCreateRooms,
		SaveOnOperation:            cfg.SaveOnOperation,
		MaxMessageSize:             cfg.MaxMessageSize,
		MessageTimeout:             time.Duration(cfg.MessageTimeoutSeconds) * time.Second,
		FunctionTimeout:            time.Duration(cfg.FunctionTimeoutSeconds) * time.Second,
		MaxConnectionsPerUser:      cfg.MaxConnectionsPerUser,
		RateLimitMessagesPerSecond: cfg.RateLimitMessagesPerSecond,
		AuthMaxAttempts:            cfg.AuthMaxAttempts,
		AuthLockoutDuration:        time.Duration(cfg.AuthLockoutSeconds) * time.Second,
	}, authProvider, permission.AllowAll{}, backend, rooms, pres)
	sessionServer.Start()
	defer sessionServer.Stop()

	admission, err := ratelimit.NewAdmission(cfg, nil)
	if err != nil {
		logging.Fatal(ctx, "failed to build rate limiter", zap.Error(err))
	}

	upgrader := transportws.NewUpgrader(allowedOrigins(cfg), 4096, 4096)
	healthHandler := health.NewHandler(backendOrNil(cfg, backend))

	router := gin.New()
	router.Use(gin.Recovery(), middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins(cfg)
	router.Use(cors.New(corsConfig))
	router.Use(admission.GlobalMiddleware())
	if tracingEnabled {
		router.Use(otelgin.Middleware("collabkitd"))
	}

	router.GET("/ws", func(c *gin.Context) {
		if !admission.CheckWebSocketIP(c) {
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request)
		if err != nil {
			logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
			return
		}
		connID := uuid.New().String()
		go sessionServer.HandleConnection(context.Background(), conn, connID)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "graceful shutdown failed", zap.Error(err))
	}
	logging.Info(ctx, "server exited")
}

// buildStorage wires a Redis-backed store when enabled, falling back to the
// in-memory backend for local development and tests.
func buildStorage(ctx context.Context, cfg *config.Config) storage.Backend {
	if !cfg.RedisEnabled {
		logging.Info(ctx, "storage backend: in-memory")
		return storage.NewMemory()
	}

	store, err := redisstore.New(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logging.Fatal(ctx, "failed to connect to redis", zap.Error(err))
	}
	logging.Info(ctx, "storage backend: redis", zap.String("addr", cfg.RedisAddr))
	return store
}

// backendOrNil reports storage as healthy unconditionally when running
// in-memory, matching health.Handler's nil-backend contract.
func backendOrNil(cfg *config.Config, backend storage.Backend) storage.Backend {
	if !cfg.RedisEnabled {
		return nil
	}
	return backend
}

// buildAuthProvider constructs a JWKS-backed provider when Auth0 is
// configured and auth is not explicitly skipped; otherwise returns nil,
// which session.Server treats as anonymous-only.
func buildAuthProvider(ctx context.Context, cfg *config.Config) auth.Provider {
	if cfg.SkipAuth || cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
		logging.Warn(ctx, "auth provider disabled, all connections will be anonymous")
		return nil
	}

	provider, err := auth.NewJWKSProvider(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize auth provider", zap.Error(err))
	}
	logging.Info(ctx, "auth provider initialized", zap.String("domain", cfg.Auth0Domain))
	return provider
}

func allowedOrigins(cfg *config.Config) []string {
	return auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
}
