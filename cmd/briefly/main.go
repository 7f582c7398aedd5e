package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brieflyhq/briefly/internal/config"
)

var (
	configPath string
	redisURL   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "briefly",
		Short:        "Briefly - text summarization with a Redis cache-aside layer",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", "", "Redis URL, overrides config and environment")

	rootCmd.AddCommand(
		serveCmd(),
		cacheCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, then applies flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	return cfg, nil
}
