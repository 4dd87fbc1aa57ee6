package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mama165/sdk-go/logs"

	"github.com/xiaot623/chatsync/internal/config"
	"github.com/xiaot623/chatsync/internal/hub"
	"github.com/xiaot623/chatsync/internal/metrics"
	"github.com/xiaot623/chatsync/internal/policy"
	store "github.com/xiaot623/chatsync/internal/repository"
	"github.com/xiaot623/chatsync/internal/service"
	chathttp "github.com/xiaot623/chatsync/internal/transport/http"
	"github.com/xiaot623/chatsync/internal/transport/ws"
)

func main() {
	// Load configuration
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logs.GetLoggerFromString(strings.ToUpper(cfg.LogLevel))

	logger.Info("starting chatd", "port", cfg.Port, "database", cfg.DatabaseURL)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize policy engine
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		logger.Error("failed to initialize policy engine", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	// Initialize hub
	connectionHub := hub.NewHub(logger, m, cfg.SendBuffer)
	go connectionHub.RunSweeper(ctx, cfg.SweepInterval, cfg.SessionExpiry)

	svc := service.New(db, connectionHub, cfg, policyEngine, m, logger)
	wsServer := ws.NewServer(cfg, connectionHub, svc, m, logger)
	e := chathttp.NewServer(svc, connectionHub, wsServer, m)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("chatd listening", "port", cfg.Port)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down chatd")
	stop()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown server gracefully", "error", err)
	}
	connectionHub.CloseAll()

	logger.Info("chatd stopped")
}
