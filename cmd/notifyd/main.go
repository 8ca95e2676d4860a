package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mednotify/internal/api"
	"mednotify/internal/auth"
	"mednotify/internal/channel"
	"mednotify/internal/config"
	"mednotify/internal/db"
	"mednotify/internal/dedup"
	"mednotify/internal/dispatcher"
	"mednotify/internal/identity"
	"mednotify/internal/logger"
	"mednotify/internal/mq"
	"mednotify/internal/preference"
	"mednotify/internal/redisclient"
	"mednotify/internal/repository"
	"mednotify/internal/scheduler"
	"mednotify/internal/template"
	"mednotify/internal/ws"
)

var routingKeys = []string{"notification.*", "appointment.*", "prescription.*"}

func main() {
	// 1. Config and logging
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// 2. Infrastructure connections
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	rdb, err := redisclient.New(cfg.Redis)
	if err != nil {
		log.Fatal("Redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	// 3. Repositories
	notifRepo := repository.NewNotificationRepository(dbConn)
	deliveryRepo := repository.NewDeliveryLogRepository(dbConn)
	retryRepo := repository.NewRetryRepository(dbConn)
	templateRepo := repository.NewTemplateRepository(dbConn)
	prefRepo := repository.NewPreferenceRepository(dbConn)

	// 4. Identity and auth
	identityClient := identity.NewClient(cfg.Auth.IdentityURL, 5*time.Second, log)
	var validator auth.TokenValidator
	if cfg.Auth.JWTSecret != "" {
		validator = auth.NewJWTValidator(cfg.Auth.JWTSecret)
	} else {
		validator = auth.NewRemoteValidator(identityClient)
	}

	// 5. Real-time hub and channel senders
	hub := ws.NewHub(log)
	defer hub.Close()

	senders := []channel.Sender{
		channel.NewWebSender(hub, log),
		channel.NewEmailSender(cfg.SMTP, cfg.SendTimeout, log),
		channel.NewSMSSender(cfg.SMS, cfg.SendTimeout, log),
	}

	// 6. Delivered-event publisher, best effort: a broker hiccup here must
	// not block delivery.
	var publisher dispatcher.Publisher
	if pub, err := mq.NewPublisher(cfg.MQ.URL); err != nil {
		log.Warn("Publisher unavailable, delivered events disabled", zap.Error(err))
	} else {
		publisher = pub
		defer pub.Close()
	}

	// 7. Dispatcher
	disp := dispatcher.New(dispatcher.Deps{
		Notifications: notifRepo,
		Deliveries:    deliveryRepo,
		Retries:       retryRepo,
		Renderer:      template.NewRenderer(templateRepo),
		Preferences:   preference.NewFilter(prefRepo, log),
		Deduper:       dedup.NewDeduper(rdb, 24*time.Hour, log),
		Senders:       senders,
		Resolver:      identityClient,
		Publisher:     publisher,
		RetryConfig:   cfg.Retry,
		SendTimeout:   cfg.SendTimeout,
		Logger:        log,
	})

	// Replay web deliveries parked while the user was offline.
	hub.SetConnectHook(disp.FlushDeferredWeb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 8. Queue consumer
	consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.MQ.Queue, routingKeys, log)
	if err != nil {
		log.Fatal("Consumer initialization failed", zap.Error(err))
	}
	defer consumer.Close()
	consumer.SetHandler(disp.HandleEvent)

	go func() {
		if err := consumer.StartConsuming(); err != nil {
			log.Fatal("Consumer start failed", zap.Error(err))
		}
	}()

	// 9. Retry scheduler
	retrySched := scheduler.New(retryRepo, disp, cfg.Retry, log)
	go retrySched.Start(ctx)

	// 10. Hourly sweep of expired notifications
	c := cron.New()
	if _, err := c.AddFunc("@hourly", func() {
		sweepCtx, sweepCancel := context.WithTimeout(ctx, time.Minute)
		defer sweepCancel()
		deleted, err := notifRepo.DeleteExpired(sweepCtx, time.Now())
		if err != nil {
			log.Error("Expired notification sweep failed", zap.Error(err))
			return
		}
		if deleted > 0 {
			log.Info("Swept expired notifications", zap.Int64("deleted", deleted))
		}
	}); err != nil {
		log.Fatal("Cron registration failed", zap.Error(err))
	}
	c.Start()
	defer c.Stop()

	// 11. HTTP server
	server := api.NewServer(api.ServerDeps{
		Creator:   disp,
		Retries:   retryRepo,
		Processor: retrySched,
		Hub:       hub,
		WSHandler: ws.NewHandler(hub, validator, log),
		Validator: validator,
		DB:        dbConn,
		Redis:     redisclient.NewProber(rdb),
		Logger:    log,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 12. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", zap.Error(err))
	}
}
