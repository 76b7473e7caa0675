package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"chronod/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second

	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

// Manager owns the live configuration: it loads the file, hands out the
// committed snapshot, and re-reads the file when it changes on disk.
// Reloads are transactional: parse, dedupe by content hash, run the
// validator, and only then swap the snapshot and fan it out to subscribers.
type Manager struct {
	path string

	mu       sync.Mutex
	current  *Config
	lastHash uint64
	subs     []chan *Config

	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager { return &Manager{path: path} }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook Watch runs before committing a reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Load reads and commits the file at the manager's path.
func (m *Manager) Load() (*Config, error) {
	cfg, err := loadFile(m.path)
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

// Get returns the last committed snapshot, nil before the first Load.
func (m *Manager) Get() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.current = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

// hashConfig identifies config content so no-op rewrites of the file do
// not fan out. 0 means "unhashable" and never matches.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe returns a channel that receives committed reloads.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs[i] = m.subs[len(m.subs)-1]
			m.subs = m.subs[:len(m.subs)-1]
			close(ch)
			return
		}
	}
}

// fanout delivers cfg to every subscriber without blocking. A full buffer
// loses its oldest entry first so the newest snapshot always wins.
func (m *Manager) fanout(cfg *Config) {
	// Holding mu keeps Unsubscribe's close from racing the sends.
	m.mu.Lock()
	defer m.mu.Unlock()
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
			m.log.Debug("config update dropped, subscriber not draining", logx.Int("buffer", cap(ch)))
		}
	}
}

// reload parses the file and, when the content is new and valid, commits
// it and fans it out. Parse and validation failures keep the old snapshot.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := loadFile(m.path)
	if err != nil {
		m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.Lock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.Unlock()
	if unchanged {
		m.log.Debug("config content unchanged, reload skipped", logx.String("path", m.path))
		return
	}

	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.commit(cfg)
	m.fanout(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
}

// Watch re-reads the config whenever the file changes, until ctx is
// canceled. A watcher that cannot be set up, or that breaks mid-session,
// is recreated with jittered exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := watchBackoffBase

	for ctx.Err() == nil {
		started, err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			backoff = watchBackoffBase
		}
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		m.log.Warn("config watcher stopped, restarting",
			logx.String("path", m.path), logx.Err(err), logx.Duration("backoff", wait))
		backoff *= 2
		if backoff > watchBackoffMax {
			backoff = watchBackoffMax
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
	return nil
}

// watchOnce runs one watcher session: a single fsnotify instance and a
// single debounce timer, both torn down when the session ends. started is
// true once the watch was established, so the caller can reset its backoff.
func (m *Manager) watchOnce(ctx context.Context) (started bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir))

	// The debounce timer absorbs editor write bursts and partial writes;
	// only its expiry triggers a reload. A spurious extra firing is
	// harmless: the content hash dedupes it.
	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	file := filepath.Base(m.path)
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-debounce.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event channel closed")
			}
			// Match by basename: editors often replace the file via
			// rename or create rather than writing in place.
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				debounce.Reset(reloadDebounce)
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("error channel closed")
			}
			if werr == nil {
				continue
			}
			msg := strings.ToLower(werr.Error())
			if strings.Contains(msg, "overflow") {
				// Events were lost; reload unconditionally and keep watching.
				m.log.Warn("config watch overflow, forcing reload", logx.Err(werr))
				debounce.Reset(reloadDebounce)
				continue
			}
			if strings.Contains(msg, "closed") {
				return true, werr
			}
			m.log.Warn("config watch error", logx.Err(werr))
		}
	}
}
