package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaydesk/relaydesk/internal/config"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "relaydesk",
		Short:         "Multi-tenant messaging gateway",
		Long:          "Relaydesk connects chat and email platforms to a unified inbox:\ninbound webhooks are verified, classified and routed per tenant, and\noutbound sends go through each tenant's own provider credentials.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (falls back to $CONFIG_PATH, then ./config.toml)")
	root.AddCommand(newServeCmd(), newMigrateCmd(), newRulesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
