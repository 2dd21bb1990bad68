package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rongwang/fieldops-server/internal/api"
	"github.com/rongwang/fieldops-server/internal/config"
	"github.com/rongwang/fieldops-server/internal/service"
	"github.com/rongwang/fieldops-server/internal/utils"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()
	logger := utils.NewLogger(cfg.Log)

	// Repository, locks and service
	svc, _, closeBackend, err := service.Bootstrap(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to set up backend")
	}
	defer closeBackend()

	// Create API handler
	handler := api.NewHandler(svc, logger)

	// Set up Gin router
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(logger), api.RequestTimeout(cfg.Server.RequestLimit))

	// Add middleware for JWT secret
	router.Use(func(c *gin.Context) {
		c.Set("jwtSecret", []byte(cfg.Auth.JWTSecret))
		c.Next()
	})

	// Set up routes
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.WithField("addr", srv.Addr).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown failed")
	}
}
