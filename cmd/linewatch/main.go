package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/app"
	"github.com/ternarybob/linewatch/internal/common"
	"github.com/ternarybob/linewatch/internal/server"
)

var (
	configFile   = flag.String("config", "", "Configuration file path")
	configFileC  = flag.String("c", "", "Configuration file path (shorthand)")
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	serverPortP  = flag.Int("p", 0, "Server port (shorthand, overrides config)")
	serverHost   = flag.String("host", "", "Server host (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func main() {
	defer common.RecoverWithCrashFile()
	flag.Parse()

	version := common.LoadVersionFromFile()
	if *showVersion || *showVersionV {
		fmt.Printf("Linewatch version %s\n", version)
		os.Exit(0)
	}

	// Merge shorthand flags (shorthand takes precedence)
	configPath := *configFile
	if *configFileC != "" {
		configPath = *configFileC
	}
	finalPort := *serverPort
	if *serverPortP != 0 {
		finalPort = *serverPortP
	}

	// Auto-discover config file if not specified
	if configPath == "" {
		if _, err := os.Stat("linewatch.toml"); err == nil {
			configPath = "linewatch.toml"
		} else if _, err := os.Stat("deployments/local/linewatch.toml"); err == nil {
			configPath = "deployments/local/linewatch.toml"
		}
	}

	// Startup order: config (defaults -> file -> env) -> CLI overrides ->
	// logger -> banner.
	config, err := common.LoadFromFile(configPath)
	if err != nil {
		arbor.NewLogger().Fatal().Str("path", configPath).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	common.ApplyFlagOverrides(config, finalPort, *serverHost)

	logger := common.InitLogger(config)
	common.PrintBanner(version)
	common.InstallCrashHandler("./logs")

	logger.Info().
		Str("config_file", configPath).
		Int("port", config.Server.Port).
		Str("host", config.Server.Host).
		Msg("Application configuration loaded")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer application.Close()

	// Fan progress events from the broker out to WebSocket subscribers.
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	common.SafeGoWithContext(hubCtx, logger, "progress-hub", func() {
		if err := application.Hub.Run(hubCtx, application.Queue); err != nil && hubCtx.Err() == nil {
			logger.Error().Err(err).Msg("Progress hub stopped")
		}
	})

	if err := application.Retention.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start retention sweeper")
	}

	srv := server.New(application)
	common.SafeGo(logger, "http-server", func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	})

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Server ready - Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Interrupt signal received")

	// Graceful shutdown
	hubCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	logger.Info().Msg("Server stopped")
}
