// Package realtime fans state-change events out to subscribed clients.
// Delivery is best-effort and at-most-once: there is no replay buffer, so
// a subscriber that joins after an event was published never sees it and
// must reconcile through the ordinary read path.
package realtime

import (
	"context"
	"encoding/json"
	"strconv"
)

// EventType tags a realtime event with the kind of state change it carries.
type EventType string

const (
	EventVoteUpdate    EventType = "voteUpdate"
	EventCommentUpdate EventType = "commentUpdate"
	EventJobUpdate     EventType = "csvJobUpdate"
	EventNotification  EventType = "notification"
)

// GlobalChannel carries cross-cutting notifications not scoped to a policy.
const GlobalChannel = "global"

// PolicyChannel returns the channel key for a policy's events.
func PolicyChannel(policyID int64) string {
	return "policy." + strconv.FormatInt(policyID, 10)
}

// Event is a transient message delivered to a channel's current
// subscribers. It is never persisted.
type Event struct {
	Channel string          `json:"channel"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Payload marshals v for use as an event payload. Marshal failures return
// a null payload rather than an error; event emission is always
// best-effort.
func Payload(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// Broadcaster is the publish/subscribe contract for realtime delivery.
// The in-process implementation below assumes a single process; a shared
// backplane can be substituted behind this interface without changing
// callers.
type Broadcaster interface {
	// Publish delivers the event to the channel's current subscribers, in
	// publication order per channel.
	Publish(ctx context.Context, event Event) error
	// Subscribe returns a stream of the channel's future events. The
	// stream closes when ctx is canceled.
	Subscribe(ctx context.Context, channel string) (<-chan Event, error)
	Close() error
}
