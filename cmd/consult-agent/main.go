package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"consultlink-backend/internal/agent"
	"consultlink-backend/internal/call"
	"consultlink-backend/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to consult-agent.yaml")
	flag.Parse()

	cfg, err := agent.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Service: "consult-agent",
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Output:  "stdout",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	peers, err := call.NewPionFactory(call.PeerOptions{ICEServers: cfg.Call.ICEServers})
	if err != nil {
		logger.Fatal("Failed to initialize WebRTC", zap.Error(err))
	}

	a, err := agent.New(cfg, peers, &call.SyntheticDevices{})
	if err != nil {
		logger.Fatal("Failed to create agent", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Consult agent starting",
		zap.String("user_id", cfg.Identity.UserID),
		zap.String("role", cfg.Identity.Role),
		zap.Bool("auto_accept", cfg.Call.AutoAccept),
		zap.Bool("auto_call", cfg.Call.AutoCall))

	if err := a.Run(ctx); err != nil {
		logger.Fatal("Agent stopped", zap.Error(err))
	}
	logger.Info("Consult agent stopped")
}
