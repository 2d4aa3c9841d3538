package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/engine"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/handlers"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/kafka"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/lock"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/middleware"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/notification"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/realtime"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/scheduler"
	"github.com/aegisshield/patrol/shared/utils"
)

const healthCheckInterval = 15 * time.Second

func serve(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger
	logger.Info("Starting patrol engine",
		zap.String("database_driver", cfg.Database.Driver),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("kafka", cfg.Kafka.Enabled))

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Redis backs the scheduler leases and the cross-instance live feed
	var rdb redis.UniversalClient
	var locker scheduler.Locker
	if cfg.Redis.Enabled {
		client := lock.NewRedisClient(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr(), err)
		}
		rdb = client
		locker = lock.NewRedisLocker(client, logger)
	}
	hub := realtime.NewHub(rdb, "", a.metrics, logger)

	var stream notification.MessageWriter
	if cfg.Kafka.Enabled && cfg.Notifications.Stream.Enabled {
		stream = notification.NewKafkaWriter(cfg.Kafka)
	}
	renderer, err := notification.NewRenderer(cfg.Notifications.Templates)
	if err != nil {
		return err
	}
	transports := notification.BuildTransports(cfg.Notifications, stream, logger)
	notifier := notification.NewManager(cfg.Notifications, a.store, renderer, transports, utils.SystemClock{}, a.metrics, logger)

	eng := engine.New(&cfg, a.store, notifier, hub, utils.SystemClock{}, a.metrics, logger)

	sched, err := scheduler.NewScheduler(cfg.Scheduler, eng, notifier, locker, a.metrics, logger)
	if err != nil {
		return err
	}

	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		consumer = kafka.NewConsumer(cfg.Kafka, kafka.NewReader(cfg.Kafka, logger), eng, a.metrics, logger)
	}

	// HTTP
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.Logging(logger),
		middleware.Metrics(a.metrics),
		middleware.CORS(),
	)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	handlers.NewHTTPHandler(eng, sched, hub.HandleWebSocket, logger).
		RegisterRoutes(router, middleware.Auth(cfg.Security))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC carries the standard health service for orchestrators
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	if cfg.Debug {
		reflection.Register(grpcServer)
	}

	notifier.Start(ctx)
	if err := sched.Start(ctx); err != nil {
		notifier.Stop()
		return err
	}
	if consumer != nil {
		if err := consumer.Start(ctx); err != nil {
			sched.Stop()
			notifier.Stop()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("failed to listen on gRPC port %d: %w", cfg.Server.GRPCPort, err)
		}
		logger.Info("Starting gRPC health server", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		watchHealth(gctx, eng, healthServer, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		healthServer.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down HTTP server gracefully", zap.Error(err))
		}
		grpcServer.GracefulStop()
		hub.Close()
		return nil
	})

	err = g.Wait()

	if consumer != nil {
		consumer.Stop()
	}
	sched.Stop()
	notifier.Stop()
	if cerr := notifier.Close(); cerr != nil {
		logger.Warn("Failed to close notification transports", zap.Error(cerr))
	}

	if err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Service shutdown complete")
	return nil
}

// watchHealth mirrors store reachability into the gRPC health status
func watchHealth(ctx context.Context, eng *engine.Engine, hs *health.Server, logger *zap.Logger) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	last := grpc_health_v1.HealthCheckResponse_UNKNOWN
	for {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := eng.Ping(pingCtx); err != nil && ctx.Err() == nil {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			logger.Warn("Store health check failed", zap.Error(err))
		}
		cancel()

		if status != last {
			hs.SetServingStatus("", status)
			hs.SetServingStatus(serviceName, status)
			last = status
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
