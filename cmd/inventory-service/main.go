package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/checkout"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/collaborator/rpc"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/config"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

func main() {
	cfg := config.Load()
	logger := telemetry.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupTracer(ctx, "inventory-service", cfg.OTLPEndpoint)
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
		addr = ":9092"
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("failed to listen", "addr", addr, "error", err)
		os.Exit(1)
	}

	grpcServer := rpc.NewServer(logger)
	rpc.RegisterInventoryServer(grpcServer, checkout.NewInventory(checkout.DefaultStock(), logger))

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	slog.Info("inventory service gRPC running", "addr", addr)

	if err := grpcServer.Serve(lis); err != nil {
		slog.Error("failed to serve", "error", err)
		os.Exit(1)
	}
}
