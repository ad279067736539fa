package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pario-ai/gptbroker/pkg/audit"
	"github.com/pario-ai/gptbroker/pkg/broker"
	"github.com/pario-ai/gptbroker/pkg/budget"
	cachepkg "github.com/pario-ai/gptbroker/pkg/cache/sqlite"
	"github.com/pario-ai/gptbroker/pkg/config"
	"github.com/pario-ai/gptbroker/pkg/logging"
	"github.com/pario-ai/gptbroker/pkg/provider"
	"github.com/pario-ai/gptbroker/pkg/tracker"
	"github.com/pario-ai/gptbroker/pkg/transport"
)

func newServeCmd(load configLoader, configPath *string) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker on its Unix socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, *configPath, watch, log)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload budget and pricing when the config file changes")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, configPath string, watch bool, log zerolog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tr, err := tracker.New(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("init tracker: %w", err)
	}
	defer func() { _ = tr.Close() }()

	limiter := budget.NewLimiter(cfg.Budget.Ceiling, cfg.Budget.Window)
	if err := limiter.Load(ctx, tr); err != nil {
		return err
	}
	prices := budget.NewPriceTable(cfg.Budget.Pricing)

	client := provider.New(provider.Config{
		BaseURL: cfg.Provider.URL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: cfg.Provider.Timeout,
	}, provider.WithLogger(logging.Component(log, "provider")))

	bcfg := broker.Config{
		Provider:       client,
		Screener:       provider.NoopScreener{},
		Limiter:        limiter,
		Prices:         prices,
		State:          tr,
		Ledger:         tr,
		Logger:         logging.Component(log, "broker"),
		TextModel:      cfg.Provider.TextModel,
		EmbeddingModel: cfg.Provider.EmbeddingModel,
		DedupeInFlight: cfg.Broker.DedupeInFlight,
	}
	if cfg.Provider.Moderation {
		bcfg.Screener = client
	}

	if cfg.Cache.Enabled {
		cache, err := cachepkg.New(cfg.DBPath(), cachepkg.Options{
			Compression:      cfg.Cache.Compression,
			CompressionLevel: cfg.Cache.CompressionLevel,
			Synchronous:      cfg.Cache.Synchronous,
		})
		if err != nil {
			return fmt.Errorf("init cache: %w", err)
		}
		defer func() { _ = cache.Close() }()
		bcfg.Cache = cache
	}

	if cfg.Audit.Enabled {
		acfg := cfg.Audit
		acfg.DBPath = cfg.AuditDBPath()
		al, err := audit.New(acfg, logging.Component(log, "audit"))
		if err != nil {
			return fmt.Errorf("init audit log: %w", err)
		}
		defer func() { _ = al.Close() }()
		bcfg.Auditor = al
	}

	d, err := broker.New(bcfg)
	if err != nil {
		return err
	}

	if watch {
		w, err := config.NewWatcher(configPath, func(next *config.Config) error {
			limiter.Reconfigure(next.Budget.Ceiling, next.Budget.Window)
			prices.Replace(next.Budget.Pricing)
			return nil
		}, logging.Component(log, "config"))
		if err != nil {
			log.Warn().Err(err).Msg("config reload disabled")
		} else {
			go w.Run(ctx)
		}
	}

	srv := &transport.Server{
		Path:            cfg.Socket,
		Handler:         d.Handle,
		Logger:          logging.Component(log, "transport"),
		ReadTimeout:     cfg.Broker.ReadTimeout,
		MaxRequestBytes: cfg.Broker.MaxRequestBytes,
	}

	st := limiter.Snapshot()
	log.Info().
		Str("socket", cfg.Socket).
		Float64("ceiling", st.BudgetCeiling).
		Float64("remaining", st.Remaining).
		Bool("cache", cfg.Cache.Enabled).
		Bool("audit", cfg.Audit.Enabled).
		Msg("starting gptbroker")

	err = srv.ListenAndServe(ctx)

	if perr := limiter.Persist(context.WithoutCancel(ctx), tr); perr != nil {
		log.Error().Err(perr).Msg("failed to persist limiter state on shutdown")
	}
	return err
}
