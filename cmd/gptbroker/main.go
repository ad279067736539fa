package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/gptbroker/pkg/config"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "gptbroker",
		Short:         "Cached, budget-limited broker for OpenAI-compatible completions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "gptbroker.yaml", "path to config file")

	load := func() (*config.Config, error) {
		cfg, err := config.LoadOrDefault(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
		}
		return cfg, nil
	}

	root.AddCommand(
		newServeCmd(load, &configPath),
		newSubmitCmd(load),
		newStatsCmd(load),
		newCacheCmd(load),
		newBudgetCmd(load),
		newAuditCmd(load),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configLoader returns the validated configuration named by --config.
type configLoader func() (*config.Config, error)
