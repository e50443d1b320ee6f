package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// TimeZone is an IANA zone name used for daily schedules and the
	// shortdate/year/month/day context variables. Empty means local time.
	TimeZone string `json:"time_zone,omitempty"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Dispatch *DispatchConfig `json:"dispatch,omitempty"`
	Metrics  *MetricsConfig  `json:"metrics,omitempty"`

	// CommandContext is the outermost layer of every job's command context.
	CommandContext map[string]string `json:"command_context,omitempty"`

	Nodes     []NodeConfig     `json:"nodes"`
	NodePools []NodePoolConfig `json:"node_pools,omitempty"`
	Jobs      []JobConfig      `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls run/job state persistence.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./tron_state" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// KeepRuns bounds the run history kept per job, in memory and on disk.
	// 0 means 100.
	KeepRuns int `json:"keep_runs,omitempty"`
}

// DispatchConfig controls the run execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - rate_per_sec: 0 (unlimited)
//   - retry_max: 0 (actions are attempted once)
//   - retry_base: "1s"
//   - retry_max_delay: "30s"
//   - action_timeout: "0s" (disabled)
//   - history_size: 200
//   - shell: "/bin/sh"
type DispatchConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	Burst         int    `json:"burst,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	ActionTimeout string `json:"action_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	Shell         string `json:"shell,omitempty"`

	// NodeConcurrency bounds concurrently executing actions per node.
	// 0 means unbounded.
	NodeConcurrency int `json:"node_concurrency,omitempty"`
	// MaxQueueDelay cancels runs that waited longer than this for a worker.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
}

// MetricsConfig controls the optional metrics/pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Pprof         bool   `json:"pprof,omitempty"` // also serve /debug/pprof/
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type NodeConfig struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname,omitempty"`
}

type NodePoolConfig struct {
	Name  string   `json:"name"`
	Nodes []string `json:"nodes"`
}

type JobConfig struct {
	Name          string            `json:"name"`
	Node          string            `json:"node"`
	Schedule      ScheduleConfig    `json:"schedule"`
	Actions       []ActionConfig    `json:"actions"`
	CleanupAction *ActionConfig     `json:"cleanup_action,omitempty"`
	Context       map[string]string `json:"context,omitempty"`
}

type ActionConfig struct {
	Name     string   `json:"name,omitempty"`
	Command  string   `json:"command"`
	Requires []string `json:"requires,omitempty"`
}

// ScheduleConfig is either a shorthand string ("daily", "interval 20s",
// "daily 04:00 MWF") or an object with exactly one of the variant keys.
type ScheduleConfig struct {
	Raw string `json:"-"`

	Interval string `json:"interval,omitempty"`
	Daily    string `json:"daily,omitempty"` // time of day, "HH:MM[:SS]"
	Days     string `json:"days,omitempty"`  // "MWF" or "mon,wed,fri"
	Cron     string `json:"cron,omitempty"`
	Once     string `json:"once,omitempty"` // RFC3339
	Constant bool   `json:"constant,omitempty"`
}

// IsZero reports whether no schedule was given.
func (s ScheduleConfig) IsZero() bool {
	return strings.TrimSpace(s.Raw) == "" && s.Interval == "" && s.Daily == "" &&
		s.Days == "" && s.Cron == "" && s.Once == "" && !s.Constant
}

func (s *ScheduleConfig) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		*s = ScheduleConfig{Raw: raw}
		return nil
	}
	if len(b) == 0 || b[0] != '{' {
		return fmt.Errorf("schedule: expected string or object")
	}

	type tmp ScheduleConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	*s = ScheduleConfig(t)
	return nil
}

func (s ScheduleConfig) MarshalJSON() ([]byte, error) {
	if s.Raw != "" {
		return json.Marshal(s.Raw)
	}
	type tmp ScheduleConfig
	return json.Marshal(tmp(s))
}

// UnmarshalJSON disallows unknown fields so misspelled keys (e.g. "require")
// are reported instead of silently dropping a dependency.
func (a *ActionConfig) UnmarshalJSON(b []byte) error {
	type tmp ActionConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*a = ActionConfig(t)
	return nil
}
