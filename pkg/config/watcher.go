package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounceDelay = 500 * time.Millisecond

// Watcher reloads the config file on change or SIGHUP and hands valid
// configs to an apply function. Invalid configs are logged and ignored.
type Watcher struct {
	path    string
	apply   func(*Config) error
	log     zerolog.Logger
	watcher *fsnotify.Watcher
	reloads chan struct{}
}

// NewWatcher watches the directory containing path so that editors which
// replace the file on save are still noticed.
func NewWatcher(path string, apply func(*Config) error, log zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	return &Watcher{
		path:    path,
		apply:   apply,
		log:     log,
		watcher: fw,
		reloads: make(chan struct{}, 1),
	}, nil
}

// Run processes file events and SIGHUP until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP)
	defer signal.Stop(sigs)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	w.log.Info().Str("path", w.path).Msg("config watcher started")
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("config watcher stopped")
			return

		case sig := <-sigs:
			w.log.Info().Str("signal", sig.String()).Msg("reloading configuration")
			w.Reload()

		case <-w.reloads:
			w.Reload()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.log.Debug().Str("op", event.Op.String()).Msg("config file changed")
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				select {
				case w.reloads <- struct{}{}:
				default:
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("config watcher error")
		}
	}
}

// Reload loads, validates and applies the config file once.
func (w *Watcher) Reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error().Err(err).Msg("load configuration, keeping current")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.log.Error().Err(err).Msg("invalid configuration, keeping current")
		return
	}
	if err := w.apply(cfg); err != nil {
		w.log.Error().Err(err).Msg("apply configuration, keeping current")
		return
	}
	w.log.Info().Msg("configuration reloaded")
}
