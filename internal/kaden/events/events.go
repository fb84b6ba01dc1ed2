// Package events publishes notifications about persisted automations on an
// in-process watermill bus.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// TopicGenerated carries one Generated event per persisted automation.
const TopicGenerated = "automation_generated"

// Generated describes an automation that was handed to the store.
type Generated struct {
	ID        string    `json:"automation_id"`
	Alias     string    `json:"alias"`
	Session   string    `json:"session_id,omitempty"`
	YAML      string    `json:"yaml"`
	CreatedAt time.Time `json:"created_at"`
}

// Publisher is what the persistence gateway needs from a bus.
type Publisher interface {
	PublishGenerated(ctx context.Context, ev Generated) error
}

// Bus is an in-memory watermill pub/sub.
type Bus struct {
	ps *gochannel.GoChannel
}

// NewBus returns a bus logging through logger; nil selects slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NewSlogLogger(logger))
	return &Bus{ps: ps}
}

// PublishGenerated sends ev on TopicGenerated. With no subscriber the event
// is dropped.
func (b *Bus) PublishGenerated(ctx context.Context, ev Generated) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	msg := message.NewMessageWithContext(ctx, watermill.NewUUID(), data)
	msg.Metadata.Set("automation_id", ev.ID)
	if err := b.ps.Publish(TopicGenerated, msg); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

// SubscribeGenerated calls handler for every Generated event until ctx is
// done. Messages that do not decode are acked and skipped.
func (b *Bus) SubscribeGenerated(ctx context.Context, handler func(Generated)) error {
	ch, err := b.ps.Subscribe(ctx, TopicGenerated)
	if err != nil {
		return fmt.Errorf("events: subscribe: %w", err)
	}
	go func() {
		for msg := range ch {
			var ev Generated
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				slog.Warn("events: undecodable message", "uuid", msg.UUID, "err", err)
				msg.Ack()
				continue
			}
			handler(ev)
			msg.Ack()
		}
	}()
	return nil
}

// LogGenerated is a subscriber that records every event at Info level.
func LogGenerated(ev Generated) {
	slog.Info("automation generated", "id", ev.ID, "alias", ev.Alias, "session", ev.Session)
}

// Close stops the bus and closes every subscription channel.
func (b *Bus) Close() error { return b.ps.Close() }
