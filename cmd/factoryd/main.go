package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/taskfactory/taskfactory/internal/config"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "factoryd",
		Short: "Task Factory - automated coding agent scheduler",
		Long: `Task Factory decomposes a project into tasks and has coding agents
execute them. It admits, queues, runs and tracks concurrent attempts
under a parallelism cap, a monthly spend budget and readiness gates.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
