package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/app"
	"github.com/ternarybob/linewatch/internal/common"
)

var (
	configFile   = flag.String("config", "", "Configuration file path")
	configFileC  = flag.String("c", "", "Configuration file path (shorthand)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func main() {
	defer common.RecoverWithCrashFile()
	flag.Parse()

	version := common.LoadVersionFromFile()
	if *showVersion || *showVersionV {
		fmt.Printf("Linewatch worker version %s\n", version)
		os.Exit(0)
	}

	configPath := *configFile
	if *configFileC != "" {
		configPath = *configFileC
	}

	// Auto-discover config file if not specified
	if configPath == "" {
		if _, err := os.Stat("linewatch.toml"); err == nil {
			configPath = "linewatch.toml"
		} else if _, err := os.Stat("deployments/local/linewatch.toml"); err == nil {
			configPath = "deployments/local/linewatch.toml"
		}
	}

	config, err := common.LoadFromFile(configPath)
	if err != nil {
		arbor.NewLogger().Fatal().Str("path", configPath).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	common.PrintBanner(version)
	common.InstallCrashHandler("./logs")

	logger.Info().
		Str("config_file", configPath).
		Str("queue", config.Queue.TaskQueue).
		Msg("Worker configuration loaded")

	workerApp, err := app.NewWorker(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize worker")
	}
	defer workerApp.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Msg("Worker consuming analysis tasks - Press Ctrl+C to stop")

	if err := workerApp.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("Worker stopped with error")
	}

	logger.Info().Msg("Worker stopped")
}
