package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/teachlink/teachlink-realtime/internal/config"
	"github.com/teachlink/teachlink-realtime/internal/database"
	"github.com/teachlink/teachlink-realtime/internal/handler"
	"github.com/teachlink/teachlink-realtime/internal/middleware"
	"github.com/teachlink/teachlink-realtime/internal/models"
	"github.com/teachlink/teachlink-realtime/internal/repository"
	"github.com/teachlink/teachlink-realtime/internal/router"
	"github.com/teachlink/teachlink-realtime/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.Application{}, &models.ChatMessage{}, &models.Notification{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.NATSURL, nats.Name(cfg.AppName))
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	messageRepo := repository.NewMessageRepository(db)
	applicationRepo := repository.NewApplicationRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fanout := service.NewFanout(redisClient, cfg.ChannelBase, natsConn, logger)
	fanout.Start(ctx)

	chatService := service.NewChatService(messageRepo, applicationRepo, fanout, validate, logger)
	presenceService := service.NewPresenceService(redisClient, cfg.ChannelBase, logger)
	feedService := service.NewFeedService(notificationRepo, fanout, validate, logger)
	realtimeService := service.NewRealtimeService(applicationRepo, chatService, presenceService, fanout, logger)

	chatHandler := handler.NewChatHandler(chatService, validate, logger)
	realtimeHandler := handler.NewRealtimeHandler(realtimeService, logger)
	notificationHandler := handler.NewNotificationHandler(feedService, logger)
	applicationHandler := handler.NewApplicationHandler(chatService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		ChatHandler:         chatHandler,
		RealtimeHandler:     realtimeHandler,
		NotificationHandler: notificationHandler,
		ApplicationHandler:  applicationHandler,
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
