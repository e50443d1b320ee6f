package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chjohnst/Tron/internal/config"
	"github.com/chjohnst/Tron/internal/eventbus"
	"github.com/chjohnst/Tron/internal/job"
	"github.com/chjohnst/Tron/internal/mcp"
	"github.com/chjohnst/Tron/internal/node"
	"github.com/chjohnst/Tron/internal/storage"
	"github.com/chjohnst/Tron/internal/task/engine"
	logx "github.com/chjohnst/Tron/pkg/logx"
)

const jobsYAML = `
time_zone: UTC
nodes:
  - name: node0
    hostname: batch0
jobs:
  - name: poll
    node: node0
    schedule:
      interval: 50ms
    actions:
      - name: fetch
        command: fetch %(runid)s
`

func decode(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("tron.yaml", []byte(doc))
	require.NoError(t, err)
	return cfg
}

func TestMapDispatchConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Dispatch: &config.DispatchConfig{
		Workers:         2,
		RetryBase:       "250ms",
		MaxQueueDelay:   "1m",
		NodeConcurrency: 3,
		Shell:           " /bin/bash ",
	}}
	got, shell, err := mapDispatchConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Workers)
	assert.Equal(t, 250*time.Millisecond, got.RetryBase)
	assert.Equal(t, time.Minute, got.MaxQueueDelay)
	assert.Equal(t, 3, got.NodeConcurrency)
	assert.Equal(t, "/bin/bash", shell)

	cfg.Dispatch.Workers = -1
	_, _, err = mapDispatchConfig(cfg)
	assert.ErrorContains(t, err, "dispatch.workers")

	cfg.Dispatch.Workers = 1
	cfg.Dispatch.RetryBase = "soon"
	_, _, err = mapDispatchConfig(cfg)
	assert.ErrorContains(t, err, "dispatch.retry_base")
}

func TestMapHTTPConfigDefaults(t *testing.T) {
	t.Parallel()
	got, err := mapHTTPConfig(&config.Config{Metrics: &config.MetricsConfig{Enabled: true, Addr: " 127.0.0.1:0 "}})
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, "127.0.0.1:0", got.Addr)
	assert.Equal(t, 5*time.Second, got.ReadTimeout)
	assert.Equal(t, time.Minute, got.WriteTimeout)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	_, enabled, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, enabled)

	sc, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "tron.db", BusyTimeout: "2s"}})
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)

	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "file"}})
	assert.ErrorContains(t, err, "storage.path")
	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "etcd", Path: "x"}})
	assert.ErrorContains(t, err, "unknown storage.driver")
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	reg := mcp.New(mcp.Options{})

	cfg := decode(t, jobsYAML)
	require.NoError(t, ValidateConfig(context.Background(), cfg, reg))

	bad := decode(t, jobsYAML)
	bad.Logging.Level = "loud"
	assert.ErrorContains(t, ValidateConfig(context.Background(), bad, reg), "logging.level")

	bad = decode(t, jobsYAML)
	bad.Jobs[0].Node = "missing"
	err := ValidateConfig(context.Background(), bad, reg)
	require.Error(t, err)
	assert.NotEmpty(t, mcp.ConfigErrors(err))
	assert.Equal(t, 0, reg.Len(), "validation never touches the registry")

	assert.Error(t, ValidateConfig(context.Background(), nil, reg))
}

func TestPersisterRecordsJobsRunsAndAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := eventbus.New()
	reg := mcp.New(mcp.Options{Emitter: bus})
	p := newPersister(store, reg, bus, logx.Nop())

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		p.Close()
	})

	_, err = reg.Apply(decode(t, jobsYAML), false)
	require.NoError(t, err)
	js, ok := reg.Get("poll")
	require.True(t, ok)
	r := js.Next()
	require.NotNil(t, r)
	require.True(t, js.StartRun(r))

	require.Eventually(t, func() bool {
		st, err := store.Load(ctx)
		if err != nil {
			return false
		}
		runs := st.Runs["poll"]
		return st.Jobs["poll"].NextNumber == 1 && len(runs) == 1 && runs[0].State == job.Starting.String()
	}, 5*time.Second, 10*time.Millisecond)

	js.Disable()
	require.Eventually(t, func() bool {
		st, err := store.Load(ctx)
		return err == nil && !st.Jobs["poll"].Enabled
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAuditOf(t *testing.T) {
	t.Parallel()
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	ok := auditOf(eventbus.Event{Type: eventbus.ConfigApplied, Time: at},
		mcp.ApplyEvent{Reconfigure: true, Result: mcp.Result{Added: []string{"a"}, Unchanged: 2}})
	assert.Equal(t, "config.reload", ok.Action)
	assert.True(t, ok.OK)
	assert.Equal(t, at, ok.At)
	assert.Equal(t, "added=1 updated=0 removed=0 unchanged=2 rescheduled=0", ok.Detail)

	rejected := auditOf(eventbus.Event{Type: eventbus.ConfigRejected}, mcp.ApplyEvent{Err: "job x: unknown node"})
	assert.Equal(t, "config.load", rejected.Action)
	assert.False(t, rejected.OK)
	assert.Equal(t, "job x: unknown node", rejected.Detail)
	assert.False(t, rejected.At.IsZero())
}

func writeConfig(t *testing.T, dir, doc string) string {
	t.Helper()
	path := filepath.Join(dir, "tron.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestAppRunsAndPersists(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	doc := jobsYAML + `
storage:
  driver: file
  path: ` + filepath.Join(dir, "state") + `
`
	path := writeConfig(t, dir, doc)

	var mu sync.Mutex
	var cmds []string
	exec := engine.ExecutorFunc(func(_ context.Context, n *node.Node, command string) error {
		mu.Lock()
		defer mu.Unlock()
		cmds = append(cmds, n.Name()+": "+command)
		return nil
	})
	var notified []string
	a, err := New(path, WithExecutor(exec), WithNotify(func(state string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, state)
		return false, nil
	}))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, func() bool {
		for _, js := range a.Status().Jobs {
			for _, r := range js.Runs {
				if r.State == job.Succeeded.String() {
					return true
				}
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, a.health())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))

	mu.Lock()
	assert.Contains(t, cmds, "node0: fetch poll.0")
	assert.Contains(t, notified, "READY=1")
	assert.Contains(t, notified, "STOPPING=1")
	mu.Unlock()

	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "state")}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()
	st, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, st.Jobs, "poll")
	assert.GreaterOrEqual(t, st.Jobs["poll"].NextNumber, 1)
	require.NotEmpty(t, st.Runs["poll"])
	assert.Equal(t, job.Succeeded.String(), st.Runs["poll"][0].State)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, jobsYAML+`
dispatch:
  workers: -2
`)
	_, err := New(path, WithNotify(func(string) (bool, error) { return false, nil }))
	assert.ErrorContains(t, err, "dispatch.workers")
}
