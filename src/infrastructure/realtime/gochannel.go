package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// subscriberBuffer bounds how many undelivered events a single slow
// subscriber can hold before publication applies backpressure to it.
const subscriberBuffer = 64

// GoChannelBroadcaster is the single-process Broadcaster: a watermill
// gochannel pub/sub with one topic per channel key.
type GoChannelBroadcaster struct {
	pubsub *gochannel.GoChannel
}

func NewGoChannelBroadcaster(logger watermill.LoggerAdapter) *GoChannelBroadcaster {
	return &GoChannelBroadcaster{
		// Blocking publish until subscribers ack serializes delivery, so a
		// burst of events arrives in publication order per channel. The
		// subscribe loop acks before handing the event on, so the block is
		// momentary.
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            subscriberBuffer,
			BlockPublishUntilSubscriberAck: true,
		}, logger),
	}
}

func (b *GoChannelBroadcaster) Publish(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(event.Channel, msg); err != nil {
		return fmt.Errorf("failed to publish event to channel %s: %w", event.Channel, err)
	}
	return nil
}

func (b *GoChannelBroadcaster) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	messages, err := b.pubsub.Subscribe(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}

	events := make(chan Event, subscriberBuffer)
	go func() {
		defer close(events)
		for msg := range messages {
			var event Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (b *GoChannelBroadcaster) Close() error {
	return b.pubsub.Close()
}
