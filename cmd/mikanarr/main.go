// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mikanarr/mikanarr/internal/buildinfo"
	"github.com/mikanarr/mikanarr/internal/config"
	"github.com/mikanarr/mikanarr/internal/database"
	"github.com/mikanarr/mikanarr/internal/feed"
	"github.com/mikanarr/mikanarr/internal/models"
	"github.com/mikanarr/mikanarr/internal/poller"
	"github.com/mikanarr/mikanarr/internal/qbittorrent"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "mikanarr",
		Short: "Automated anime torrent downloader",
		Long: `mikanarr - watches fansub feed subscriptions and hands new
releases to a qBittorrent instance.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the subscription polling daemon",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/mikanarr/ or %APPDATA%\\mikanarr\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath)
		app.run()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of mikanarr",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the daemon.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/mikanarr/config.toml
- Windows: %APPDATA%\mikanarr\config.toml

You can specify either a directory path or a direct file path:
- Directory: mikanarr generate-config --config-dir /path/to/config/
- File: mikanarr generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
}

func NewApplication(configDir, dataDir, logPath string) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
	}
}

func (app *Application) run() {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("MIKANARR__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("MIKANARR__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting mikanarr")

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	subscriptionStore := models.NewSubscriptionStore(db)
	historyStore := models.NewDownloadHistoryStore(db)

	feedClient := feed.NewClient(cfg.Config.MikanBaseURL, cfg.Config.RequestTimeoutSeconds)

	breakers := qbittorrent.NewBreakerRegistry(qbittorrent.BreakerConfig{
		CredentialCooldown: time.Duration(cfg.Config.CredentialCooldownMinutes) * time.Minute,
		EndpointSuspend:    time.Duration(cfg.Config.EndpointSuspendSeconds) * time.Second,
		RequestTimeout:     time.Duration(cfg.Config.RequestTimeoutSeconds) * time.Second,
	})
	qbitClient := qbittorrent.NewClient(qbittorrent.Config{
		Host:           cfg.Config.QbitHost,
		Username:       cfg.Config.QbitUsername,
		Password:       cfg.Config.QbitPassword,
		TimeoutSeconds: cfg.Config.RequestTimeoutSeconds,
	}, breakers)

	engine := poller.NewEngine(subscriptionStore, historyStore, feedClient, qbitClient, cfg.Config)

	interval := time.Duration(cfg.Config.CheckIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	pollCtx, cancelPoll := context.WithCancel(context.Background())
	defer cancelPoll()

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		engine.Run(pollCtx, interval)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	sig := <-sigCh
	log.Info().Msgf("got signal %v, shutting down", sig.String())

	cancelPoll()
	select {
	case <-pollDone:
	case <-time.After(30 * time.Second):
		log.Error().Msg("polling loop did not stop in time")
	}
}
