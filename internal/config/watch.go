package config

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "github.com/chjohnst/Tron/pkg/logx"
)

const (
	debounceDelay  = 250 * time.Millisecond
	watchRetryBase = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the file whenever it changes until ctx is done. It watches
// the parent directory so editors that replace the file by rename are seen.
// A watcher that breaks is recreated with jittered exponential backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	d := &debouncer{delay: debounceDelay, fn: func() { m.reloadLogged(ctx) }}
	defer d.stop()

	retry := watchRetryBase
	for ctx.Err() == nil {
		healthy, err := m.watchOnce(ctx, dir, file, d)
		if ctx.Err() != nil {
			break
		}
		if healthy {
			retry = watchRetryBase
		}
		wait := retry + time.Duration(rng.Int63n(int64(retry/2)+1))
		retry = min(retry*2, watchRetryMax)
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher until it breaks or ctx is done.
// healthy reports whether the watcher got as far as watching dir.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, file string, d *debouncer) (healthy bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, fsnotify.ErrClosed
			}
			if ev.Op&relevantOps != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				m.log.Debug("config change detected; scheduling reload", logx.String("op", ev.Op.String()))
				d.trigger()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok || errors.Is(err, fsnotify.ErrClosed):
				return true, fsnotify.ErrClosed
			case err == nil:
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events were lost; the file may have changed.
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				d.trigger()
			default:
				m.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
			}
		}
	}
}

func (m *ConfigManager) reloadLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := m.Reload(ctx); err != nil && !errors.Is(err, ErrUnchanged) {
		m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
	}
}

// debouncer collapses bursts of triggers (editors write several events per
// save) into one call after delay of quiet.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	fn    func()
	t     *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}
