package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/layer-3/fillwatch/core"
	"github.com/layer-3/fillwatch/ports"
)

// ErrRegistryClosed is returned once Shutdown has run
var ErrRegistryClosed = errors.New("monitor registry is shut down")

// MonitorStatus describes the desired and actual monitoring state of an identity
type MonitorStatus struct {
	Active    bool       `json:"active"`
	Running   bool       `json:"running"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
}

// MonitorRegistry owns the running monitor of every identity. Mutations of
// one identity are serialized by a per-identity lock; mu only guards the maps
// and is never held while a monitor starts or stops.
type MonitorRegistry struct {
	store     ports.ConfigStore
	starter   ports.MonitorStarter
	validator *ConfigValidator
	eventPub  ports.EventPublisher
	logger    *slog.Logger

	mu      sync.Mutex
	handles map[core.Identity]ports.MonitorHandle
	locks   map[core.Identity]*identityLock
	closed  bool
}

// identityLock is dropped from the registry once no caller holds or waits on it
type identityLock struct {
	sync.Mutex
	refs int
}

// NewMonitorRegistry creates an empty registry. eventPub may be nil.
func NewMonitorRegistry(
	store ports.ConfigStore,
	starter ports.MonitorStarter,
	validator *ConfigValidator,
	eventPub ports.EventPublisher,
	logger *slog.Logger,
) *MonitorRegistry {
	return &MonitorRegistry{
		store:     store,
		starter:   starter,
		validator: validator,
		eventPub:  eventPub,
		logger:    logger,
		handles:   make(map[core.Identity]ports.MonitorHandle),
		locks:     make(map[core.Identity]*identityLock),
	}
}

// SetConfig validates and persists payload as the active configuration of
// identity, then replaces any running monitor with one started from it. On a
// start failure no handle is kept for identity.
func (r *MonitorRegistry) SetConfig(ctx context.Context, identity core.Identity, payload core.ConfigPayload) (core.Configuration, error) {
	cfg, err := r.validator.Validate(identity, payload)
	if err != nil {
		return core.Configuration{}, err
	}
	cfg.Active = true
	cfg.UpdatedAt = time.Now()

	unlock := r.lock(identity)
	defer unlock()

	if err := r.store.Upsert(ctx, cfg); err != nil {
		return core.Configuration{}, fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}

	r.discard(ctx, identity)

	if err := r.start(ctx, cfg); err != nil {
		return core.Configuration{}, err
	}

	r.logger.Info("monitor started", "config", cfg)
	return cfg, nil
}

// Stop closes the running monitor of identity, if any, and records that no
// monitor should run for it
func (r *MonitorRegistry) Stop(ctx context.Context, identity core.Identity) error {
	unlock := r.lock(identity)
	defer unlock()

	if r.discard(ctx, identity) {
		r.logger.Info("monitor stopped", "identity", identity)
	}

	if err := r.store.SetActive(ctx, identity, false); err != nil {
		return fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}

	return nil
}

// Restore starts a monitor for every active configuration. A configuration
// that fails to start is logged and skipped.
func (r *MonitorRegistry) Restore(ctx context.Context) (int, error) {
	configs, err := r.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}

	restored := 0
	for _, cfg := range configs {
		if err := r.restore(ctx, cfg); err != nil {
			r.logger.Error("failed to restore monitor", "identity", cfg.Identity, "error", err)
			continue
		}
		restored++
		r.logger.Info("restored monitor", "identity", cfg.Identity)
	}

	return restored, nil
}

func (r *MonitorRegistry) restore(ctx context.Context, cfg core.Configuration) error {
	unlock := r.lock(cfg.Identity)
	defer unlock()

	r.discard(ctx, cfg.Identity)
	return r.start(ctx, cfg)
}

// Config returns the persisted configuration of identity
func (r *MonitorRegistry) Config(ctx context.Context, identity core.Identity) (core.Configuration, error) {
	cfg, err := r.store.Get(ctx, identity)
	if err != nil {
		if errors.Is(err, core.ErrConfigNotFound) {
			return core.Configuration{}, err
		}
		return core.Configuration{}, fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}
	return cfg, nil
}

// Get returns the running monitor of identity
func (r *MonitorRegistry) Get(identity core.Identity) (ports.MonitorHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle, ok := r.handles[identity]
	return handle, ok
}

// Status combines the persisted desired state with the running monitor
func (r *MonitorRegistry) Status(ctx context.Context, identity core.Identity) (MonitorStatus, error) {
	var status MonitorStatus

	cfg, err := r.store.Get(ctx, identity)
	switch {
	case err == nil:
		status.Active = cfg.Active
	case errors.Is(err, core.ErrConfigNotFound):
	default:
		return MonitorStatus{}, fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}

	if handle, ok := r.Get(identity); ok {
		startedAt := handle.StartedAt()
		status.Running = true
		status.StartedAt = &startedAt
	}

	return status, nil
}

// Len returns the number of running monitors
func (r *MonitorRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.handles)
}

// Shutdown closes every running monitor and refuses later starts. Persisted
// active flags are left untouched so the monitors come back on the next Restore.
func (r *MonitorRegistry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	handles := r.handles
	r.handles = make(map[core.Identity]ports.MonitorHandle)
	r.mu.Unlock()

	for identity, handle := range handles {
		if err := handle.Close(); err != nil {
			r.logger.Warn("failed to close monitor", "identity", identity, "error", err)
		}
	}
}

// start must be called with the identity lock held
func (r *MonitorRegistry) start(ctx context.Context, cfg core.Configuration) error {
	if r.isClosed() {
		return fmt.Errorf("%w: %w", core.ErrMonitorStart, ErrRegistryClosed)
	}

	handle, err := r.starter.Start(ctx, cfg)
	if err != nil {
		r.publishState(ctx, cfg.Identity, core.MonitorFailed)
		return fmt.Errorf("%w: %w", core.ErrMonitorStart, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if err := handle.Close(); err != nil {
			r.logger.Warn("failed to close monitor", "identity", cfg.Identity, "error", err)
		}
		return fmt.Errorf("%w: %w", core.ErrMonitorStart, ErrRegistryClosed)
	}
	r.handles[cfg.Identity] = handle
	r.mu.Unlock()

	go r.supervise(handle)

	r.publishState(ctx, cfg.Identity, core.MonitorStarted)
	return nil
}

// supervise forgets handle when it stops without being closed by the
// registry. The persisted active flag stays set so Restore retries it.
func (r *MonitorRegistry) supervise(handle ports.MonitorHandle) {
	<-handle.Done()

	identity := handle.Identity()
	r.mu.Lock()
	current, ok := r.handles[identity]
	owned := ok && current == handle
	if owned {
		delete(r.handles, identity)
	}
	r.mu.Unlock()

	if !owned {
		return
	}

	r.logger.Warn("monitor stopped unexpectedly", "identity", identity)
	r.publishState(context.Background(), identity, core.MonitorFailed)
}

func (r *MonitorRegistry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// discard closes and forgets the running monitor of identity. It must be
// called with the identity lock held and reports whether a monitor existed.
func (r *MonitorRegistry) discard(ctx context.Context, identity core.Identity) bool {
	r.mu.Lock()
	handle, ok := r.handles[identity]
	delete(r.handles, identity)
	r.mu.Unlock()

	if !ok {
		return false
	}

	if err := handle.Close(); err != nil {
		r.logger.Warn("failed to close monitor", "identity", identity, "error", err)
	}
	r.publishState(ctx, identity, core.MonitorStopped)
	return true
}

func (r *MonitorRegistry) lock(identity core.Identity) func() {
	r.mu.Lock()
	l, ok := r.locks[identity]
	if !ok {
		l = &identityLock{}
		r.locks[identity] = l
	}
	l.refs++
	r.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, identity)
		}
		r.mu.Unlock()
	}
}

func (r *MonitorRegistry) publishState(ctx context.Context, identity core.Identity, state string) {
	if r.eventPub == nil {
		return
	}
	if err := r.eventPub.PublishMonitorState(ctx, identity, state); err != nil {
		r.logger.Warn("failed to publish monitor state", "identity", identity, "state", state, "error", err)
	}
}
