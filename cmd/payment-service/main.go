package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/checkout"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/collaborator/rpc"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/config"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/cache"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

func main() {
	cfg := config.Load()
	logger := telemetry.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupTracer(ctx, "payment-service", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialise tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	addr := cfg.GRPCAddr
	if addr == "" {
		addr = ":9091"
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("failed to listen", "addr", addr, "error", err)
		os.Exit(1)
	}

	// Charge dedup only survives a restart when Redis is reachable.
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	var c cache.Cache = cache.NewMemory("payment")
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unavailable, charge dedup is process-local", "addr", cfg.RedisAddr, "error", err)
	} else {
		c = cache.NewRedisCache(redisClient, "payment")
	}

	grpcServer := rpc.NewServer(logger)
	rpc.RegisterPaymentServer(grpcServer, checkout.NewPayments(c, logger))

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	slog.Info("payment service gRPC running", "addr", addr)

	if err := grpcServer.Serve(lis); err != nil {
		slog.Error("failed to serve", "error", err)
		os.Exit(1)
	}
}
