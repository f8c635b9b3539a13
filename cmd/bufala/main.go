package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bufala/bufala-llm/internal/config"
	"github.com/bufala/bufala-llm/internal/core"
	"github.com/bufala/bufala-llm/internal/logging"
	"github.com/bufala/bufala-llm/internal/output"
)

// Exit codes
const (
	exitError       = 1
	exitFatalConfig = 2
)

var (
	configPath string
	jsonFlag   bool

	rootCmd = &cobra.Command{
		Use:   "bufala",
		Short: "Adaptive LLM router for low-resource hosts",
		Long: `Bu Fala routes each request to the most accurate local model the host
can run, falls back to smaller models or an in-process engine when the
runtime fails, and answers with safe canned guidance when nothing works.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			output.JSONMode = jsonFlag
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("BUFALA_CONFIG"), "path to a YAML or JSON config file")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "print machine-readable JSON")

	rootCmd.AddCommand(serveCmd, probeCmd, catalogCmd, classifyCmd, askCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		output.Error("command failed", err)
		if !output.JSONMode {
			printError(err.Error())
		}
		if errors.Is(err, config.ErrFatalConfig) {
			os.Exit(exitFatalConfig)
		}
		os.Exit(exitError)
	}
}

// loadConfig resolves file > env > defaults and validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithPriority(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	logger, cleanup, err := logging.New(logging.Config{
		Level: cfg.LogLevel,
		JSON:  cfg.LogJSON,
		File:  cfg.LogFile,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	slog.SetDefault(logger)
	return logger, cleanup, nil
}

// withCore loads configuration, builds a core and hands it to fn.
func withCore(fn func(c *core.Core, logger *slog.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, cleanup, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	c, err := core.New(cfg, core.WithLogger(logger))
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c, logger)
}
