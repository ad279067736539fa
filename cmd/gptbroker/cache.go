package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	cachepkg "github.com/pario-ai/gptbroker/pkg/cache/sqlite"
	"github.com/pario-ai/gptbroker/pkg/config"
)

func newCacheCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the result cache",
	}

	open := func() (*cachepkg.Cache, error) {
		cfg, err := load()
		if err != nil {
			return nil, err
		}
		return openCache(cfg)
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			stats, err := c.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("Entries: %d\nBytes:   %d\n", stats.Entries, stats.Bytes)
			return nil
		},
	}

	var olderThan time.Duration
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cached results",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			n, err := c.Clear(olderThan)
			if err != nil {
				return err
			}
			if olderThan > 0 {
				fmt.Printf("Deleted %d cache entries older than %s.\n", n, olderThan)
			} else {
				fmt.Printf("Deleted %d cache entries.\n", n)
			}
			return nil
		},
	}
	clearCmd.Flags().DurationVar(&olderThan, "older-than", 0, "only delete entries older than this age")

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

func openCache(cfg *config.Config) (*cachepkg.Cache, error) {
	return cachepkg.New(cfg.DBPath(), cachepkg.Options{
		Compression:      cfg.Cache.Compression,
		CompressionLevel: cfg.Cache.CompressionLevel,
		Synchronous:      cfg.Cache.Synchronous,
	})
}
