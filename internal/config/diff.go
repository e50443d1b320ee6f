package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/chjohnst/Tron/pkg/logx"
)

// JobChanges lists job names by how they differ between two configs.
type JobChanges struct {
	Added   []string
	Removed []string
	Changed []string
}

func (c JobChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes the metrics token),
// and (3) the per-job changes.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, JobChanges) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.TimeZone) != strings.TrimSpace(newCfg.TimeZone) {
		changed = append(changed, "time_zone")
		attrs = append(attrs, logx.String("time_zone", strings.TrimSpace(newCfg.TimeZone)))
	}

	// Storage is only read at startup; surface the change so operators know
	// a restart is needed.
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
		}
		attrs = append(attrs, logx.String("storage.driver", driver), logx.Bool("storage.restart_required", true))
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		d := derefDispatch(newCfg.Dispatch)
		attrs = append(attrs,
			logx.Int("dispatch.workers", d.Workers),
			logx.Int("dispatch.queue_size", d.QueueSize),
			logx.Int("dispatch.rate_per_sec", d.RatePerSec),
			logx.Int("dispatch.retry_max", d.RetryMax),
		)
	}

	oM, nM := derefMetrics(oldCfg.Metrics), derefMetrics(newCfg.Metrics)
	if oM.Enabled != nM.Enabled || oM.Addr != nM.Addr || oM.Pprof != nM.Pprof ||
		oM.AllowInsecure != nM.AllowInsecure ||
		oM.ReadTimeout != nM.ReadTimeout || oM.WriteTimeout != nM.WriteTimeout || oM.IdleTimeout != nM.IdleTimeout ||
		(strings.TrimSpace(oM.Token) != "") != (strings.TrimSpace(nM.Token) != "") {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nM.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(nM.Addr)),
			logx.Bool("metrics.pprof", nM.Pprof),
			logx.Bool("metrics.token_set", strings.TrimSpace(nM.Token) != ""),
		)
	}

	if !reflect.DeepEqual(normalizeMap(oldCfg.CommandContext), normalizeMap(newCfg.CommandContext)) {
		changed = append(changed, "command_context")
		attrs = append(attrs, logx.Int("command_context.keys", len(newCfg.CommandContext)))
	}

	if fingerprint(oldCfg.Nodes) != fingerprint(newCfg.Nodes) || fingerprint(oldCfg.NodePools) != fingerprint(newCfg.NodePools) {
		changed = append(changed, "nodes")
		attrs = append(attrs,
			logx.Int("nodes.count", len(newCfg.Nodes)),
			logx.Int("node_pools.count", len(newCfg.NodePools)),
		)
	}

	jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if !jobs.Empty() {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Strings("jobs.added", jobs.Added),
			logx.Strings("jobs.removed", jobs.Removed),
			logx.Strings("jobs.changed", jobs.Changed),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobs
}

func derefDispatch(d *DispatchConfig) DispatchConfig {
	if d == nil {
		return DispatchConfig{}
	}
	return *d
}

func derefMetrics(m *MetricsConfig) MetricsConfig {
	if m == nil {
		return MetricsConfig{}
	}
	return *m
}

func normalizeMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func diffJobs(oldJobs, newJobs []JobConfig) JobChanges {
	oldM := make(map[string]uint64, len(oldJobs))
	for _, j := range oldJobs {
		oldM[j.Name] = fingerprint(j)
	}
	newM := make(map[string]uint64, len(newJobs))
	for _, j := range newJobs {
		newM[j.Name] = fingerprint(j)
	}

	var out JobChanges
	for name, h := range newM {
		oh, ok := oldM[name]
		switch {
		case !ok:
			out.Added = append(out.Added, name)
		case oh != h:
			out.Changed = append(out.Changed, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			out.Removed = append(out.Removed, name)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Removed)
	sort.Strings(out.Changed)
	return out
}
