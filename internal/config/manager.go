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

	logx "wafleet/pkg/logx"
)

const (
	// Editors produce bursts of write events; a reload waits this long for
	// the file to settle first.
	settleWindow = 250 * time.Millisecond

	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second

	validateTimeout = 5 * time.Second
)

// Manager holds the committed configuration and fans out hot reloads.
// Readers call Get; components that react to changes Subscribe.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// subsMu also serializes publish against Unsubscribe's close.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	reloadMu    sync.Mutex
	reloadTimer *time.Timer
}

func NewManager(path string) *Manager { return &Manager{path: path} }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook Watch runs before committing a reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Load reads, decodes and commits the file. Called once at startup;
// Watch handles every later change.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Commit replaces the current config without notifying subscribers.
func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = digest(cfg)
	m.mu.Unlock()
}

// parse decodes the file strictly. YAML is coerced to JSON first so one
// decoder with DisallowUnknownFields covers both formats.
func (m *Manager) parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(m.path, raw)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: trailing data after config document", m.path)
	}
	return &cfg, nil
}

// digest fingerprints a config so content-identical rewrites of the file
// do not trigger a republish.
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

// Subscribe returns a channel receiving each committed reload.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish never blocks on a slow subscriber: a full buffer loses its
// oldest entry in favor of the newest config.
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
			m.log.Debug("config update dropped, subscriber not draining", logx.Int("cap", cap(ch)))
		}
	}
}

// Watch re-reads the file on change until ctx ends. Reloads are
// transactional: a version that fails to parse or validate is logged and
// discarded, and the committed config stays as it was. If fsnotify breaks
// underneath us the watcher is recreated with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	backoff := watchBackoffMin
	for {
		attached, err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if attached {
			backoff = watchBackoffMin
		}
		m.log.Warn("config watcher restarting", logx.Err(err), logx.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jitter(backoff)):
		}
		if backoff < watchBackoffMax {
			backoff *= 2
		}
	}
}

// watchOnce runs one watcher lifetime, from a successful Add until ctx
// ends or an fsnotify channel misbehaves. attached reports whether the
// watch was established at all, so Watch knows to reset its backoff.
func (m *Manager) watchOnce(ctx context.Context) (attached bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()

	// Watch the directory, not the file: editors that rename-over the
	// file would otherwise detach the watch.
	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("watch %s: %w", dir, err)
	}
	base := filepath.Base(m.path)
	m.log.Debug("config watcher attached", logx.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event stream closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), base) {
				m.scheduleReload(ctx)
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("error stream closed")
			}
			// Events may have been lost (e.g. queue overflow), so force a
			// reload and let the outer loop rebuild the watcher.
			m.scheduleReload(ctx)
			return true, werr
		}
	}
}

// scheduleReload arms (or re-arms) the settle timer; the reload itself
// runs once change events stop arriving for settleWindow.
func (m *Manager) scheduleReload(ctx context.Context) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	if m.reloadTimer != nil {
		m.reloadTimer.Stop()
	}
	m.reloadTimer = time.AfterFunc(settleWindow, func() { m.reload(ctx) })
}

// reload is the transactional step: parse, skip if unchanged, validate,
// then commit and fan out.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.parse()
	if err != nil {
		m.log.Warn("config reload: parse failed", logx.Err(err))
		return
	}
	h := digest(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config reload rejected", logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
