package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	billingstripe "github.com/mwinters/roadlog/internal/billing/stripe"
	"github.com/mwinters/roadlog/internal/logging"
	"github.com/mwinters/roadlog/internal/push"
	"github.com/mwinters/roadlog/internal/server"
	"github.com/mwinters/roadlog/internal/server/database"
)

func main() {
	logger := logging.Setup(os.Getenv("ROADLOGD_LOG_LEVEL"))

	port := os.Getenv("ROADLOGD_PORT")
	if port == "" {
		port = "8090"
	}

	dbPath := os.Getenv("ROADLOGD_DB_PATH")
	if dbPath == "" {
		dbPath = "roadlogd.db"
	}

	tokenSecret := os.Getenv("ROADLOGD_TOKEN_SECRET")
	if tokenSecret == "" {
		slog.Error("ROADLOGD_TOKEN_SECRET is required")
		os.Exit(1)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cfg := server.Config{
		TokenSecret: tokenSecret,
		PairingCode: os.Getenv("ROADLOGD_PAIRING_CODE"),
		Stripe: billingstripe.Config{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		},
		Push: push.Config{
			VAPIDPublicKey:  os.Getenv("ROADLOGD_VAPID_PUBLIC_KEY"),
			VAPIDPrivateKey: os.Getenv("ROADLOGD_VAPID_PRIVATE_KEY"),
			Subscriber:      os.Getenv("ROADLOGD_VAPID_SUBSCRIBER"),
		},
	}

	srv := server.New(db, cfg, logger)

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if notifier := srv.Notifier(); notifier != nil {
		notifier.Start(context.Background())
		defer notifier.Stop()
	}

	// Background sweeps: due unlinks, lapsed subscriptions, limiter state.
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := srv.Pool().SweepUnlinks(); err != nil {
					slog.Error("sweep unlinks", "error", err)
				} else if n > 0 {
					slog.Info("released unlinked seats", "count", n)
				}
				if n, err := srv.Pool().SweepExpiredSubscriptions(); err != nil {
					slog.Error("sweep expired subscriptions", "error", err)
				} else if n > 0 {
					slog.Info("expired lapsed subscriptions", "count", n)
				}
				srv.RateLimiter().Cleanup()
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("roadlogd starting", "addr", ":"+port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	sweepCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
