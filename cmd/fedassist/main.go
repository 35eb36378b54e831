package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ekisa-team/fedassist/internal/config"
	"github.com/ekisa-team/fedassist/internal/env"
	"github.com/ekisa-team/fedassist/internal/envvar"
	"github.com/ekisa-team/fedassist/internal/logger"
)

const defaultLogFile = "logs/fedassist.log"

type rootFlags struct {
	configPath  string
	schemaPath  string
	logLevel    string
	envFile     string
	logToFile   bool
	metricsAddr string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "fedassist",
		Short:         "Financial assistant chat demo and parameter-efficient adapter tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setup(cmd, flags)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", filepath.Join(config.DefaultConfigPath(), "config.yaml"), "Path to config file (.yaml, .json or .toml)")
	pf.StringVar(&flags.schemaPath, "schema", "", "Path to schema file (embedded schema when empty)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	pf.StringVar(&flags.envFile, "env-file", "", "Load environment variables from this file (default .env when present)")
	pf.BoolVar(&flags.logToFile, "log-to-file", false, "Also write JSON logs to a rotated file")

	root.AddCommand(newChatCmd(flags), newAdapterCmd(flags))

	return root
}

func setup(cmd *cobra.Command, flags *rootFlags) error {
	if flags.envFile != "" {
		if err := godotenv.Load(flags.envFile); err != nil {
			return err
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	logFile := defaultLogFile
	if p := os.Getenv(envvar.FedassistLogFile); p != "" {
		logFile = p
	}

	opts := []logger.Option{
		logger.WithLogToFile(flags.logToFile),
		logger.WithLogFile(logFile),
	}
	if cmd.Flags().Changed("log-level") {
		opts = append(opts, logger.WithLevel(logger.ParseLevel(flags.logLevel)))
	}

	slog.SetDefault(logger.New(env.FromEnv(), opts...))

	return nil
}
