package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reloft/auction-service/internal/api"
	"github.com/reloft/auction-service/internal/bidding"
	"github.com/reloft/auction-service/internal/clock"
	"github.com/reloft/auction-service/internal/config"
	"github.com/reloft/auction-service/internal/health"
	"github.com/reloft/auction-service/internal/leader"
	"github.com/reloft/auction-service/internal/lifecycle"
	"github.com/reloft/auction-service/internal/notify"
	"github.com/reloft/auction-service/internal/payment"
	"github.com/reloft/auction-service/internal/store"
	"github.com/reloft/auction-service/internal/telemetry"
	"github.com/reloft/auction-service/internal/winner"

	// Register store drivers so they are available via store.Open.
	_ "github.com/reloft/auction-service/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open store using the configured driver.
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	// Pick the ops notifier.
	var notifier notify.Notifier = &notify.Log{Logger: logger}
	if cfg.Notifications.DiscordToken != "" && cfg.Notifications.DiscordChannelID != "" {
		discord, discordErr := notify.NewDiscord(cfg.Notifications.DiscordToken, cfg.Notifications.DiscordChannelID, logger)
		if discordErr != nil {
			return fmt.Errorf("creating discord notifier: %w", discordErr)
		}
		defer discord.Close()
		notifier = discord
		logger.InfoContext(ctx, "discord ops notifications enabled",
			slog.String("channel_id", cfg.Notifications.DiscordChannelID))
	}

	// Wire the services.
	resolver := winner.NewResolver(repos.Auctions, repos.Events, notifier, clk,
		cfg.Auction.GracePeriod, logger, tp.TracerProvider)
	bidSvc := bidding.NewService(repos.Auctions, repos.Bids, repos.Items, repos.Accounts,
		repos.Events, notifier, clk, logger, tp.TracerProvider)
	paySvc := payment.NewService(repos.Auctions, repos.Payments, resolver,
		payment.AutoApproveGateway{}, repos.Events, notifier, clk,
		cfg.Auction.GracePeriod, logger, tp.TracerProvider)
	lifecycleMgr := lifecycle.NewManager(repos.Auctions, resolver, repos.Events, notifier,
		clk, cfg.Auction, logger, tp.TracerProvider)

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
	)

	// The API and health endpoints run on every replica.
	apiServer := api.NewServer(bidSvc, resolver, paySvc, lifecycleMgr, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())
	mux.Handle("/v1/", apiServer.Handler())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
		}
	}()

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "auctiond is running", slog.String("version", version))

	// The lifecycle sweep runs on the leader only; bids and reads stay
	// available on every replica regardless of leadership.
	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for sweep leadership...")

		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, lifecycleMgr.Run, func() {
			logger.Info("lost sweep leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		// Single instance, sweep directly.
		go lifecycleMgr.Run(ctx)
		<-ctx.Done()
	}

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
