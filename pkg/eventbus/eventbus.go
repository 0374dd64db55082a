// Package eventbus publishes and consumes workflow lifecycle events
// over a watermill publisher/subscriber pair.
package eventbus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/pbparthas/testforge/pkg/events"
)

type EventPublisher interface {
	Publish(ctx context.Context, event any) error
}

type EventSubscriber interface {
	Subscribe(ctx context.Context, eventType events.EventType, handler EventHandler) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) EventBus {
	return &WatermillEventBus{
		publisher:  pub,
		subscriber: sub,
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

// Publish serializes the event and sends it to the topic named after
// its type. Unrecognized payloads go to the execution topic.
func (eb *WatermillEventBus) Publish(_ context.Context, event any) error {
	topic := events.ExecutionTopic

	type typed interface {
		GetType() events.EventType
	}

	var eventType events.EventType
	if t, ok := event.(typed); ok {
		eventType = t.GetType()
		topic = string(eventType)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(eventType))

	return eb.publisher.Publish(topic, msg)
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context, eventType events.EventType, handler EventHandler) error {
	messages, err := eb.subscriber.Subscribe(ctx, string(eventType))
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			var event any

			switch eventType {
			case events.ExecutionStartedEvent:
				event = &events.ExecutionStarted{}
			case events.ExecutionCompletedEvent:
				event = &events.ExecutionCompleted{}
			case events.ExecutionFailedEvent:
				event = &events.ExecutionFailed{}
			case events.ExecutionCancelledEvent:
				event = &events.ExecutionCancelled{}
			case events.StepCompletedEvent:
				event = &events.StepCompleted{}
			case events.StepFailedEvent:
				event = &events.StepFailed{}
			default:
				msg.Nack()

				continue
			}

			if err := json.Unmarshal(msg.Payload, event); err != nil {
				msg.Nack()

				continue
			}

			if err := handler(ctx, event); err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func (eb *WatermillEventBus) Close() error {
	if err := eb.publisher.Close(); err != nil {
		return err
	}

	return eb.subscriber.Close()
}
