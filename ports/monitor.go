package ports

import (
	"context"
	"time"

	"github.com/layer-3/fillwatch/core"
)

// MonitorHandle is a running monitor owned by the registry
type MonitorHandle interface {
	Identity() core.Identity
	Config() core.Configuration
	StartedAt() time.Time
	// Done is closed once the monitor has stopped, whether through Close or
	// because its subscription could not be recovered
	Done() <-chan struct{}
	// Close releases the underlying subscription without blocking on the network
	Close() error
}

// MonitorStarter starts a monitor for a configuration. Start returns only
// once the monitor is live; ctx bounds the startup, not the monitor lifetime.
type MonitorStarter interface {
	Start(ctx context.Context, cfg core.Configuration) (MonitorHandle, error)
}
