package ports

import (
	"context"

	"github.com/layer-3/fillwatch/core"
)

// EventPublisher publishes lifecycle events for other instances and the UI
type EventPublisher interface {
	PublishLogout(ctx context.Context, identity core.Identity, sessionID string) error
	PublishMonitorState(ctx context.Context, identity core.Identity, state string) error
}

// FillPublisher is the channel a running monitor writes detected fills to
type FillPublisher interface {
	PublishFill(ctx context.Context, fill core.Fill) error
}
