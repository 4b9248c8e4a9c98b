// Package bus moves engine work over watermill topics: activity deltas to
// the counter writer, and inbound events to the engine. The in-memory
// gochannel transport is used by default; any watermill Publisher and
// Subscriber pair works.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/istresearch/rapidpro-sub000/internal/logging"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
)

// Topics.
const (
	ActivityTopic = "flows.activity"
	EventsTopic   = "flows.events"
)

// Metadata keys set on published messages.
const (
	metaContact = "contact_uuid"
	metaType    = "event_type"
)

// NewInMemory returns a gochannel pub/sub usable as both ends.
func NewInMemory(logger *slog.Logger) *gochannel.GoChannel {
	if logger == nil {
		logger = logging.NewNop()
	}
	return gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 1000},
		watermill.NewSlogLogger(logger),
	)
}

// ActivityPublisher implements ports.ActivityRecorder by publishing each
// batch, so counter writes leave the request path.
type ActivityPublisher struct {
	publisher message.Publisher
}

var _ ports.ActivityRecorder = (*ActivityPublisher)(nil)

// NewActivityPublisher creates the publishing side.
func NewActivityPublisher(publisher message.Publisher) *ActivityPublisher {
	return &ActivityPublisher{publisher: publisher}
}

// Record publishes batch to ActivityTopic.
func (p *ActivityPublisher) Record(ctx context.Context, batch domain.ActivityBatch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal activity batch: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := p.publisher.Publish(ActivityTopic, msg); err != nil {
		return fmt.Errorf("failed to publish activity: %w", err)
	}
	return nil
}

// ConsumeActivity writes every published batch into recorder until ctx is
// done. A batch that fails to decode is dropped; one that fails to write is
// nacked for redelivery.
func ConsumeActivity(ctx context.Context, subscriber message.Subscriber, recorder ports.ActivityRecorder, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewNop()
	}
	messages, err := subscriber.Subscribe(ctx, ActivityTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", ActivityTopic, err)
	}

	for msg := range messages {
		var batch domain.ActivityBatch
		if err := json.Unmarshal(msg.Payload, &batch); err != nil {
			logger.Error("dropping undecodable activity batch", "message_uuid", msg.UUID, "error", err)
			msg.Ack()
			continue
		}
		if err := recorder.Record(ctx, batch); err != nil {
			logger.Warn("failed to record activity, will retry", "message_uuid", msg.UUID, "error", err)
			msg.Nack()
			continue
		}
		msg.Ack()
	}
	return nil
}

// EventQueue carries inbound events to the engine.
type EventQueue struct {
	publisher message.Publisher
}

// NewEventQueue creates the producing side of the event topic.
func NewEventQueue(publisher message.Publisher) *EventQueue {
	return &EventQueue{publisher: publisher}
}

// Enqueue publishes event. The event UUID is the message UUID so duplicates
// can be told apart by consumers.
func (q *EventQueue) Enqueue(ctx context.Context, event domain.Event) error {
	if event.UUID == "" {
		event.UUID = watermill.NewUUID()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := message.NewMessage(event.UUID, payload)
	msg.Metadata.Set(metaContact, event.ContactUUID)
	msg.Metadata.Set(metaType, string(event.Type))
	msg.SetContext(ctx)
	return q.publisher.Publish(EventsTopic, msg)
}

// EventHandler is what ConsumeEvents delivers to; ports.FlowEngine satisfies it.
type EventHandler interface {
	Handle(ctx context.Context, event domain.Event) (*domain.Outcome, error)
}

// ConsumeEvents feeds queued events to the engine until ctx is done. Events
// deferred because the contact is busy are nacked so they come back; they
// are never dropped. Any other failure is logged and the event acked so a
// poison message can't block the topic. The outcome of each handled event goes to onOutcome
// when set, which is where the host performs the requested actions.
func ConsumeEvents(ctx context.Context, subscriber message.Subscriber, engine EventHandler,
	onOutcome func(context.Context, domain.Event, *domain.Outcome), logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewNop()
	}
	messages, err := subscriber.Subscribe(ctx, EventsTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", EventsTopic, err)
	}

	for msg := range messages {
		var event domain.Event
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			logger.Error("dropping undecodable event", "message_uuid", msg.UUID, "error", err)
			msg.Ack()
			continue
		}
		out, err := engine.Handle(ctx, event)
		switch {
		case errors.Is(err, domain.ErrDeferred):
			logger.Debug("contact busy, requeueing event", "event_uuid", event.UUID, "contact_uuid", event.ContactUUID)
			msg.Nack()
		case err != nil:
			logger.Error("failed to handle event", "event_uuid", event.UUID, "error", err)
			msg.Ack()
		default:
			if onOutcome != nil {
				onOutcome(ctx, event, out)
			}
			msg.Ack()
		}
	}
	return nil
}
