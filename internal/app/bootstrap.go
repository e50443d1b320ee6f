package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chjohnst/Tron/internal/config"
	"github.com/chjohnst/Tron/internal/observability/httpd"
	"github.com/chjohnst/Tron/internal/task/engine"
	logx "github.com/chjohnst/Tron/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapDispatchConfig maps config.dispatch; it also returns the shell used by
// the local executor.
func mapDispatchConfig(cfg *config.Config) (engine.Config, string, error) {
	if cfg == nil || cfg.Dispatch == nil {
		return engine.Config{}, "", nil
	}
	d := cfg.Dispatch
	switch {
	case d.Workers < 0:
		return engine.Config{}, "", errors.New("dispatch.workers must be >= 0")
	case d.QueueSize < 0:
		return engine.Config{}, "", errors.New("dispatch.queue_size must be >= 0")
	case d.RatePerSec < 0:
		return engine.Config{}, "", errors.New("dispatch.rate_per_sec must be >= 0")
	case d.RetryMax < 0:
		return engine.Config{}, "", errors.New("dispatch.retry_max must be >= 0")
	case d.HistorySize < 0:
		return engine.Config{}, "", errors.New("dispatch.history_size must be >= 0")
	case d.NodeConcurrency < 0:
		return engine.Config{}, "", errors.New("dispatch.node_concurrency must be >= 0")
	}

	out := engine.Config{
		Workers:         d.Workers,
		QueueSize:       d.QueueSize,
		RatePerSec:      float64(d.RatePerSec),
		Burst:           d.Burst,
		RetryMax:        d.RetryMax,
		NodeConcurrency: d.NodeConcurrency,
		HistorySize:     d.HistorySize,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("dispatch.retry_base", d.RetryBase); err != nil {
		return engine.Config{}, "", err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("dispatch.retry_max_delay", d.RetryMaxDelay); err != nil {
		return engine.Config{}, "", err
	}
	if out.ActionTimeout, err = config.ParseDurationField("dispatch.action_timeout", d.ActionTimeout); err != nil {
		return engine.Config{}, "", err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("dispatch.max_queue_delay", d.MaxQueueDelay); err != nil {
		return engine.Config{}, "", err
	}
	return out, strings.TrimSpace(d.Shell), nil
}

func mapHTTPConfig(cfg *config.Config) (httpd.Config, error) {
	if cfg == nil || cfg.Metrics == nil {
		return httpd.Config{}, nil
	}
	m := cfg.Metrics
	out := httpd.Config{
		Enabled:       m.Enabled,
		Addr:          strings.TrimSpace(m.Addr),
		Pprof:         m.Pprof,
		Token:         strings.TrimSpace(m.Token),
		AllowInsecure: m.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("metrics.read_timeout", m.ReadTimeout, 5*time.Second); err != nil {
		return httpd.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("metrics.write_timeout", m.WriteTimeout, 60*time.Second); err != nil {
		return httpd.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("metrics.idle_timeout", m.IdleTimeout, 60*time.Second); err != nil {
		return httpd.Config{}, err
	}
	return out, nil
}

func keepRuns(cfg *config.Config) int {
	if cfg == nil || cfg.Storage == nil || cfg.Storage.KeepRuns <= 0 {
		return 100
	}
	return cfg.Storage.KeepRuns
}

// Validator is the registry side of validation (mcp.Engine.Validate).
type Validator interface {
	Validate(cfg *config.Config) error
}

// ValidateConfig checks every section the process consumes. It is used both
// before a hot reload is committed and by the validate command.
func ValidateConfig(_ context.Context, cfg *config.Config, v Validator) error {
	if cfg == nil {
		return errors.New("config is empty")
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if _, _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if v != nil {
		return v.Validate(cfg)
	}
	return nil
}
