package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "clubledger/pkg/logx"
)

const (
	// reloadDebounce is the quiet gap after the last file event before a
	// reload; editors write config files in several steps.
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Manager owns the config file: it parses it, holds the committed
// snapshot, and watches the file for edits. Watch validates a changed
// file before committing, so a bad edit never reaches subscribers and the
// previous snapshot stays in force.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config
	// lastHash is the digest of the committed snapshot; save storms that
	// do not change content are not republished.
	lastHash uint64

	subsMu sync.Mutex
	subs   []chan *Config

	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the check Watch runs before committing a reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

func (m *Manager) logger() logx.Logger {
	if m.log.IsZero() {
		return logx.Nop()
	}
	return m.log
}

// Parse reads and strictly decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := toStrictJSON(m.path, raw)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("config %s: trailing data after document", m.path)
		}
		return nil, err
	}
	return &cfg, nil
}

// Load parses and commits; the startup path.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = digest(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs[i] = m.subs[len(m.subs)-1]
			m.subs = m.subs[:len(m.subs)-1]
			close(ch)
			return
		}
	}
}

// publish pushes the snapshot to every subscriber. A full buffer loses its
// oldest queued snapshot first; subscribers only care about the latest.
// Holding subsMu rules out a send racing an Unsubscribe close.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.logger().Debug("config update dropped (subscriber stalled)",
				logx.Int("queue_cap", cap(ch)),
			)
		}
	}
}

// reload re-parses the file and, when the content actually changed and
// passes validation, commits and publishes it. Failures keep the previous
// snapshot.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.logger().Warn("config reload parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := digest(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if same {
		m.logger().Debug("config unchanged; reload skipped", logx.String("path", m.path))
		return
	}

	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			m.logger().Warn("config rejected; keeping previous snapshot",
				logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.logger().Info("config reloaded", logx.String("path", m.path))
}

// Watch follows the config file until ctx ends. The directory is watched
// rather than the file itself so atomic replace-by-rename keeps working; a
// broken watcher is rebuilt with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	deb := &debounced{gap: reloadDebounce, fn: func() { m.reload(ctx) }}
	defer deb.stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := watchBackoffMin
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, deb)
		if ctx.Err() != nil {
			return nil
		}
		wait := backoff + time.Duration(rng.Int63n(int64(backoff)/2+1))
		m.logger().Warn("config watcher stopped; restarting",
			logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if backoff *= 2; backoff > watchBackoffMax {
			backoff = watchBackoffMax
		}
	}
	return nil
}

// watchOnce runs one watcher until it breaks or ctx ends. It returns nil
// only on ctx cancellation.
func (m *Manager) watchOnce(ctx context.Context, deb *debounced) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("init watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	base := filepath.Base(m.path)
	m.logger().Debug("config watcher started", logx.String("dir", dir), logx.String("file", base))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			// Any op counts: editors save via rename, truncate+write, or
			// a chmod-then-write dance.
			if strings.EqualFold(filepath.Base(ev.Name), base) {
				deb.schedule()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if werr == nil {
				continue
			}
			msg := strings.ToLower(werr.Error())
			if strings.Contains(msg, "overflow") {
				// Events were lost; reload unconditionally.
				m.logger().Warn("config watch overflow; forcing reload", logx.Err(werr))
				deb.schedule()
				continue
			}
			if strings.Contains(msg, "closed") {
				return werr
			}
			m.logger().Warn("config watch error", logx.Err(werr))
		}
	}
}

// debounced coalesces schedule bursts into one fn call after the quiet gap.
type debounced struct {
	gap time.Duration
	fn  func()

	mu    sync.Mutex
	timer *time.Timer
}

func (d *debounced) schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.gap, d.fn)
}

func (d *debounced) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// digest hashes a snapshot so identical rewrites are recognized. Zero
// means "no digest".
func digest(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
