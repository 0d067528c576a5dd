package config

import (
	"errors"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/harun/paperlens/pkg/orchestrator"
	"github.com/rs/zerolog"
)

// ChangeFunc receives a freshly decoded config after the file changes.
type ChangeFunc func(cfg *Config)

// Watch reloads the config file whenever it is written and passes the result
// to fn. Configs that fail to decode or validate are logged and dropped.
// Load must have read a file first.
func (l *Loader) Watch(logger zerolog.Logger, fn ChangeFunc) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return errors.New("no config file loaded")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err == nil {
			errs := NewValidator().ValidatePipeline(cfg.Pipeline)
			if len(errs) > 0 {
				err = fmt.Errorf("invalid pipeline settings: %w", errors.Join(errs...))
			}
		}
		if err != nil {
			logger.Warn().Err(err).Str("path", e.Name).Msg("Ignoring config change")
			return
		}
		logger.Info().Str("path", e.Name).Msg("Config file changed")
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}

// Reconfigurer accepts new pipeline tunables at runtime.
type Reconfigurer interface {
	Reconfigure(t orchestrator.Tunables)
}

// ApplyTunables returns a ChangeFunc that pushes pipeline settings into r.
// Other sections need a restart.
func ApplyTunables(r Reconfigurer) ChangeFunc {
	return func(cfg *Config) {
		r.Reconfigure(cfg.Tunables())
	}
}
