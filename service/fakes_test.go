package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/layer-3/fillwatch/core"
	"github.com/layer-3/fillwatch/ports"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lockedBuffer lets a test read what concurrent goroutines logged
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeConfigStore struct {
	mu        sync.Mutex
	configs   map[core.Identity]core.Configuration
	upserts   int
	upsertErr error
}

func newFakeConfigStore(configs ...core.Configuration) *fakeConfigStore {
	s := &fakeConfigStore{configs: make(map[core.Identity]core.Configuration)}
	for _, cfg := range configs {
		s.configs[cfg.Identity] = cfg
	}
	return s
}

func (s *fakeConfigStore) Upsert(ctx context.Context, cfg core.Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts++
	s.configs[cfg.Identity] = cfg
	return nil
}

func (s *fakeConfigStore) Get(ctx context.Context, identity core.Identity) (core.Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[identity]
	if !ok {
		return core.Configuration{}, core.ErrConfigNotFound
	}
	return cfg, nil
}

func (s *fakeConfigStore) SetActive(ctx context.Context, identity core.Identity, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.configs[identity]; ok {
		cfg.Active = active
		s.configs[identity] = cfg
	}
	return nil
}

func (s *fakeConfigStore) ListActive(ctx context.Context) ([]core.Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []core.Configuration
	for _, cfg := range s.configs {
		if cfg.Active {
			active = append(active, cfg)
		}
	}
	return active, nil
}

type fakeHandle struct {
	cfg       core.Configuration
	startedAt time.Time
	closed    atomic.Bool
	done      chan struct{}
	once      sync.Once
}

func (h *fakeHandle) Identity() core.Identity    { return h.cfg.Identity }
func (h *fakeHandle) Config() core.Configuration { return h.cfg }
func (h *fakeHandle) StartedAt() time.Time       { return h.startedAt }
func (h *fakeHandle) Done() <-chan struct{}      { return h.done }

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	h.stop()
	return nil
}

// stop ends the monitor without a Close, as losing the node for good does
func (h *fakeHandle) stop() {
	h.once.Do(func() { close(h.done) })
}

type fakeStarter struct {
	mu      sync.Mutex
	fail    map[core.Identity]bool
	started []*fakeHandle
}

func newFakeStarter(failing ...core.Identity) *fakeStarter {
	s := &fakeStarter{fail: make(map[core.Identity]bool)}
	for _, id := range failing {
		s.fail[id] = true
	}
	return s
}

func (s *fakeStarter) Start(ctx context.Context, cfg core.Configuration) (ports.MonitorHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[cfg.Identity] {
		return nil, errors.New("subscription refused")
	}
	h := &fakeHandle{cfg: cfg, startedAt: time.Now(), done: make(chan struct{})}
	s.started = append(s.started, h)
	return h, nil
}

func (s *fakeStarter) setFailing(identity core.Identity, failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[identity] = failing
}

// live returns the started handles of identity that are still running
func (s *fakeStarter) live(identity core.Identity) []*fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var live []*fakeHandle
	for _, h := range s.started {
		if h.cfg.Identity != identity {
			continue
		}
		select {
		case <-h.done:
		default:
			live = append(live, h)
		}
	}
	return live
}

// blockingStarter holds every Start until release is closed
type blockingStarter struct {
	*fakeStarter
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStarter) Start(ctx context.Context, cfg core.Configuration) (ports.MonitorHandle, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.fakeStarter.Start(ctx, cfg)
}

type recordingPublisher struct {
	mu      sync.Mutex
	logouts []string
	states  []string
}

func (p *recordingPublisher) PublishLogout(ctx context.Context, identity core.Identity, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logouts = append(p.logouts, identity.String()+"/"+sessionID)
	return nil
}

func (p *recordingPublisher) PublishMonitorState(ctx context.Context, identity core.Identity, state string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, identity.String()+":"+state)
	return nil
}

func (p *recordingPublisher) stateLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.states...)
}
