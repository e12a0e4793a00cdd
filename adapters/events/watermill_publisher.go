package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/fillwatch/core"
	"github.com/layer-3/fillwatch/ports"
)

const (
	TopicLogout  = "fillwatch.logout"
	TopicMonitor = "fillwatch.monitor"
	TopicFills   = "fillwatch.fills"

	// TopicFillsFailed receives fills whose notification ran out of retries
	TopicFillsFailed = "fillwatch.fills.failed"
)

// LogoutEvent represents a logout event
type LogoutEvent struct {
	Identity  string `json:"identity"`
	SessionID string `json:"session_id"`
}

// MonitorEvent represents a monitor lifecycle change
type MonitorEvent struct {
	Identity string    `json:"identity"`
	State    string    `json:"state"`
	At       time.Time `json:"at"`
}

var (
	_ ports.EventPublisher = (*WatermillPublisher)(nil)
	_ ports.FillPublisher  = (*WatermillPublisher)(nil)
)

// WatermillPublisher implements the EventPublisher and FillPublisher
// interfaces using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{publisher: publisher}
}

// PublishLogout publishes a logout event
func (p *WatermillPublisher) PublishLogout(ctx context.Context, identity core.Identity, sessionID string) error {
	return p.publish(ctx, TopicLogout, sessionID, LogoutEvent{
		Identity:  identity.String(),
		SessionID: sessionID,
	})
}

// PublishMonitorState publishes a monitor lifecycle event
func (p *WatermillPublisher) PublishMonitorState(ctx context.Context, identity core.Identity, state string) error {
	return p.publish(ctx, TopicMonitor, watermill.NewUUID(), MonitorEvent{
		Identity: identity.String(),
		State:    state,
		At:       time.Now(),
	})
}

// PublishFill publishes a detected fill for delivery
func (p *WatermillPublisher) PublishFill(ctx context.Context, fill core.Fill) error {
	return p.publish(ctx, TopicFills, watermill.NewUUID(), fill)
}

func (p *WatermillPublisher) publish(ctx context.Context, topic, id string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(id, payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
