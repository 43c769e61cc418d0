package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/config"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/logger"
)

var version = "dev" // set via ldflags at build time

var rootCmd = &cobra.Command{
	Use:   "ollama-chat-service",
	Short: "Chat front end for a local Ollama server with a Python sandbox",
	Long: `Streams replies from an Ollama server with stop, continue and crash
recovery, runs Python snippets in a resource-limited sandbox, and renders
HTML previews. Without a subcommand the HTTP server is started.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(checkpointsCmd)
}

// setup loads .env and the environment configuration and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, log, nil
}
