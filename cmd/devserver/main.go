// Package main runs a local stand-in for the food-sharing backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/foodshare-chat/internal/config"
	"github.com/omochice/foodshare-chat/internal/devserver"
	"github.com/omochice/foodshare-chat/pkg/logger"
)

func main() {
	cfg := config.Load()

	port := flag.String("port", cfg.ServerPort, "Port to listen on")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of the printed demo tokens")
	flag.Parse()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	data := devserver.NewData()
	alice, bob, conv := devserver.SeedDemo(data)

	srv := devserver.New(data, devserver.Options{
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            log,
	})

	for _, u := range []string{alice.ID, bob.ID} {
		token, err := srv.IssueToken(u, *tokenTTL)
		if err != nil {
			log.Fatal("failed to issue demo token", zap.Error(err))
		}
		fmt.Printf("%s: AUTH_TOKEN=%s\n", u, token)
	}
	fmt.Printf("demo conversation: %s\n", conv.ID)

	server := &http.Server{
		Addr:        ":" + *port,
		Handler:     srv.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", *port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info("shutting down server", zap.String("signal", sig.String()))

	// Hijacked websocket connections are not tracked by Shutdown.
	srv.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
