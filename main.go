// Package main implements a Cloud Run service that tracks CTFd events,
// announces new solves to Telegram, and watches CTFtime for upcoming CTFs.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"

	"ctfd-notifier/catalog"
	"ctfd-notifier/ctfd"
	"ctfd-notifier/pkg/tracker"
	"ctfd-notifier/poll"
	"ctfd-notifier/server"
	"ctfd-notifier/storage"
	"ctfd-notifier/telegram"
	"ctfd-notifier/upcoming"
)

func main() {
	ctx := context.Background()

	// Optional for local development; Cloud Run injects real env vars
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	localStorage := os.Getenv("LOCAL_STORAGE")
	bucket := os.Getenv("STORAGE_BUCKET")
	botToken := os.Getenv("TELEGRAM_BOT_TOKEN")

	// Default to local development mode if no bucket specified
	if bucket == "" && localStorage == "" {
		localStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localStorage)
	}

	var storageClient *gcs.Client
	if localStorage != "" {
		logger.Info("Running in local development mode", "storage_path", localStorage)
		if err := os.MkdirAll(localStorage, 0o755); err != nil {
			logger.Error("Failed to create local storage directory", "error", err)
			os.Exit(1)
		}
	} else {
		var opts []option.ClientOption
		if credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON"); credsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(credsJSON)))
		}
		var err error
		storageClient, err = gcs.NewClient(ctx, opts...)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	}

	store := storage.New(storageClient, bucket, localStorage, logger)

	httpClient := &http.Client{Timeout: 30 * time.Second}

	// Without a bot token messages are logged instead of delivered
	var sender server.Sender
	var membership server.Membership
	if botToken == "" {
		logger.Info("Mock Telegram mode enabled (no TELEGRAM_BOT_TOKEN)")
		mock := telegram.NewMock(logger)
		sender = mock
		membership = mock
	} else {
		tg := telegram.New(httpClient, botToken, telegram.DefaultBaseURL, logger)
		sender = tg
		membership = tg
	}

	broadcast := os.Getenv("BROADCAST_CHANNEL")
	memberChat := os.Getenv("MEMBER_CHANNEL")

	budget := time.Duration(0)
	if v := os.Getenv("CATALOG_BUDGET"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("Invalid CATALOG_BUDGET", "value", v, "error", err)
			os.Exit(1)
		}
		budget = d
	}

	ctftimeURL := os.Getenv("CTFTIME_URL")
	if ctftimeURL == "" {
		ctftimeURL = upcoming.DefaultBaseURL
	}

	platform := func(baseURL string, creds tracker.Credentials) server.Platform {
		return ctfd.New(httpClient, baseURL, creds, logger)
	}
	pollPlatform := func(baseURL string, creds tracker.Credentials) poll.Platform {
		return ctfd.New(httpClient, baseURL, creds, logger)
	}
	login := func(ctx context.Context, baseURL, username, password string) (string, error) {
		return ctfd.Login(ctx, httpClient, baseURL, username, password, logger)
	}

	directory := upcoming.NewDirectory(httpClient, store, ctftimeURL, logger)

	srv := server.New(&server.Config{
		Store:      store,
		Sender:     sender,
		Membership: membership,
		Poller:     poll.New(store, sender, pollPlatform, broadcast, logger),
		Watcher:    upcoming.NewWatcher(directory, store, sender, broadcast, logger),
		Directory:  directory,
		Builder:    catalog.New(store, budget, logger),
		Platform:   platform,
		Login:      login,
		Logger:     logger,
		Broadcast:  broadcast,
		MemberChat: memberChat,
		BotName:    os.Getenv("BOT_NAME"),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := srv.ListenAndServe(port); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
