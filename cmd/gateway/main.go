// Command gateway is the collaboration gateway's process entrypoint: it
// loads configuration, wires every collaborator explicitly (no globals),
// serves the WebSocket upgrade endpoint and the read-only admin
// surface over gin, and shuts down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/surgicollab/collab-gateway/internal/v1/admin"
	"github.com/surgicollab/collab-gateway/internal/v1/auth"
	"github.com/surgicollab/collab-gateway/internal/v1/bus"
	"github.com/surgicollab/collab-gateway/internal/v1/config"
	"github.com/surgicollab/collab-gateway/internal/v1/connection"
	"github.com/surgicollab/collab-gateway/internal/v1/dispatcher"
	"github.com/surgicollab/collab-gateway/internal/v1/health"
	"github.com/surgicollab/collab-gateway/internal/v1/lock"
	"github.com/surgicollab/collab-gateway/internal/v1/logging"
	"github.com/surgicollab/collab-gateway/internal/v1/middleware"
	"github.com/surgicollab/collab-gateway/internal/v1/ratelimit"
	"github.com/surgicollab/collab-gateway/internal/v1/resourcevalidator"
	"github.com/surgicollab/collab-gateway/internal/v1/room"
	"github.com/surgicollab/collab-gateway/internal/v1/sweeper"
	"github.com/surgicollab/collab-gateway/internal/v1/tracing"
	"github.com/surgicollab/collab-gateway/internal/v1/transport"
	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

const (
	shutdownGracePeriod = 10 * time.Second
	serviceName         = "collab-gateway"
)

func main() {
	if err := godotenv.Load(); err != nil {
		os.Stderr.WriteString("no .env file found, relying on process environment\n")
	}

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	development := cfg.GoEnv != "production"
	if err := logging.Initialize(development); err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if addr := os.Getenv("OTEL_COLLECTOR_ADDR"); addr != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, addr)
		if err != nil {
			logging.Error(ctx, "failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	conns := connection.NewRegistry(cfg.MaxConnectionsPerUser)
	rooms := room.NewRegistry(cfg.RoomLimits)
	locks := lock.NewManager(conns, rooms, cfg.LockTTL, cfg.WarningTime)
	socketLimiter := ratelimit.NewSocketLimiter()
	validator := resourcevalidator.NewHTTPValidator(cfg.ResourceValidatorBaseURL)

	var tokenValidator auth.Validator
	if cfg.SkipAuth {
		logging.Warn(ctx, "SKIP_AUTH enabled: using unsigned mock token validator, do not run this in production")
		tokenValidator = &auth.MockValidator{}
	} else {
		jwksValidator, err := auth.NewJWKSValidator(ctx, cfg.JWKSURL, cfg.AuthAudience)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize JWKS validator", zap.Error(err))
		}
		tokenValidator = jwksValidator
	}

	var redisClient *redis.Client
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to Redis", zap.Error(err))
		}
		redisClient = busService.Client()
		defer busService.Close()
	}

	dispatch := dispatcher.New(conns, rooms, locks, socketLimiter, validator, cfg)
	wsServer := transport.NewServer(tokenValidator, conns, dispatch, cfg)

	var busWg sync.WaitGroup
	if busService != nil {
		busService.Subscribe(ctx, &busWg, func(event bus.ResourceUpdateEvent) {
			roomID := types.RoomIDType(event.RoomID())
			if _, current, _ := rooms.QueryUsers(roomID); current == 0 {
				logging.Debug(ctx, "dropping resource update for empty room", zap.String("room_id", string(roomID)))
				return
			}
			rooms.Broadcast(roomID, "resource:updated", map[string]any{
				"roomId":          roomID,
				"resourceType":    event.ResourceType,
				"resourceId":      event.ResourceUUID,
				"newRevisionId":   event.ResourceRevisionUUID,
				"updatedBy":       event.UpdatedBy,
				"updatedByUserId": event.UpdatedByUserID,
				"subResourceId":   event.SubResourceID,
				"timestamp":       event.Timestamp,
				"changesSummary":  event.ChangesSummary,
			})
		})
	}

	sweep := sweeper.New(rooms, locks, cfg.SweepInterval, cfg.LockTTL, cfg.WarningTime)
	go sweep.Run(ctx)

	adminLimiter, err := ratelimit.NewAdminRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize admin rate limiter", zap.Error(err))
	}
	adminHandler := admin.NewHandler(conns, rooms, locks, time.Now())
	healthHandler := health.NewHandler(busService)

	router := buildRouter(cfg, wsServer, adminHandler, healthHandler, adminLimiter)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "collaboration gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "gateway server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info(context.Background(), "shutdown signal received, draining connections")

	wsServer.BroadcastShutdown("The server is restarting, please reconnect shortly.", shutdownGracePeriod)
	time.Sleep(shutdownGracePeriod)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(context.Background(), "server forced to shutdown", zap.Error(err))
	}

	busWg.Wait()
	logging.Info(context.Background(), "gateway exited cleanly")
}

func buildRouter(cfg *config.Config, wsServer *transport.Server, adminHandler *admin.Handler, healthHandler *health.Handler, adminLimiter *ratelimit.AdminRateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))

	router.GET(cfg.Namespace+"ws", wsServer.ServeWs)

	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	adminGroup := router.Group("/admin-socket")
	adminGroup.Use(otelgin.Middleware(serviceName))
	adminGroup.Use(middleware.CorrelationID())
	adminGroup.Use(adminLimiter.Middleware())
	adminGroup.Use(admin.RequireBearer(cfg.AdminToken))
	{
		adminGroup.GET("/metrics", adminHandler.Metrics)
		adminGroup.GET("/rooms", adminHandler.Rooms)
		adminGroup.GET("/users", adminHandler.Users)
		adminGroup.GET("/overview", adminHandler.Overview)
		adminGroup.GET("/aggregations/sockets", adminHandler.AggregationSockets)
		adminGroup.GET("/aggregations/rooms", adminHandler.AggregationRooms)
		adminGroup.GET("/aggregations/users", adminHandler.AggregationUsers)
	}

	return router
}
