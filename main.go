package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"hammer/api"
)

func main() {
	args, err := ParseArgs()
	if err != nil {
		slog.Error("Fail to parse arguments", slog.Any("error", err))
		os.Exit(2)
	}
	if err := args.Validate(); err != nil {
		slog.Error("Invalid arguments", slog.Any("error", err))
		os.Exit(2)
	}
	logger, err := args.Logger()
	if err != nil {
		slog.Error("Invalid log arguments", slog.Any("error", err))
		os.Exit(2)
	}
	slog.SetDefault(logger)

	server, err := api.NewServer(args.ServerConfig, api.WithServerLogger(logger))
	if err != nil {
		logger.Error("Fail to create server", slog.Any("error", err))
		os.Exit(1)
	}
	server.Start()
	defer server.Close()

	router := gin.New()
	router.Use(gin.Recovery())
	server.RegisterRoutes(router)
	httpServer := &http.Server{
		Addr:              args.ServerURL,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// SSE連線不會自己結束，關閉時先結束串流才能讓 Shutdown 等到其他請求完成
	httpServer.RegisterOnShutdown(server.CloseStreams)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Listening", slog.String("addr", args.ServerURL))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := args.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		logger.Info("Shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", slog.Any("error", err))
	}
}
