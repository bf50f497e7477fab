package realtime_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policypulse/src/infrastructure/realtime"
)

func newBroadcaster(t *testing.T) *realtime.GoChannelBroadcaster {
	t.Helper()
	b := realtime.NewGoChannelBroadcaster(watermill.NopLogger{})
	t.Cleanup(func() { b.Close() })
	return b
}

func receiveEvent(t *testing.T, events <-chan realtime.Event) realtime.Event {
	t.Helper()
	select {
	case event, ok := <-events:
		require.True(t, ok, "event channel closed unexpectedly")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return realtime.Event{}
	}
}

func assertNoEvent(t *testing.T, events <-chan realtime.Event) {
	t.Helper()
	select {
	case event := <-events:
		t.Fatalf("unexpected event on channel %s", event.Channel)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcasterDeliversToSubscribedChannelOnly(t *testing.T) {
	b := newBroadcaster(t)
	ctx := context.Background()

	policyA, err := b.Subscribe(ctx, realtime.PolicyChannel(1))
	require.NoError(t, err)
	policyB, err := b.Subscribe(ctx, realtime.PolicyChannel(2))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, realtime.Event{
		Channel: realtime.PolicyChannel(1),
		Type:    realtime.EventCommentUpdate,
		Payload: realtime.Payload(map[string]int64{"policyId": 1}),
	}))

	event := receiveEvent(t, policyA)
	assert.Equal(t, realtime.PolicyChannel(1), event.Channel)
	assert.Equal(t, realtime.EventCommentUpdate, event.Type)

	var payload struct {
		PolicyID int64 `json:"policyId"`
	}
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, int64(1), payload.PolicyID)

	assertNoEvent(t, policyB)
}

func TestBroadcasterGlobalChannelIsSeparateFromPolicyChannels(t *testing.T) {
	b := newBroadcaster(t)
	ctx := context.Background()

	global, err := b.Subscribe(ctx, realtime.GlobalChannel)
	require.NoError(t, err)
	policy, err := b.Subscribe(ctx, realtime.PolicyChannel(7))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, realtime.Event{
		Channel: realtime.GlobalChannel,
		Type:    realtime.EventNotification,
		Payload: realtime.Payload(map[string]string{"message": "maintenance window"}),
	}))

	event := receiveEvent(t, global)
	assert.Equal(t, realtime.EventNotification, event.Type)
	assertNoEvent(t, policy)
}

func TestBroadcasterNoReplayForLateSubscribers(t *testing.T) {
	b := newBroadcaster(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, realtime.Event{
		Channel: realtime.PolicyChannel(3),
		Type:    realtime.EventJobUpdate,
		Payload: realtime.Payload(map[string]string{"jobId": "early"}),
	}))

	late, err := b.Subscribe(ctx, realtime.PolicyChannel(3))
	require.NoError(t, err)
	assertNoEvent(t, late)

	require.NoError(t, b.Publish(ctx, realtime.Event{
		Channel: realtime.PolicyChannel(3),
		Type:    realtime.EventJobUpdate,
		Payload: realtime.Payload(map[string]string{"jobId": "after-subscribe"}),
	}))
	event := receiveEvent(t, late)

	var payload struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, "after-subscribe", payload.JobID)
}

func TestBroadcasterPreservesPerChannelOrder(t *testing.T) {
	b := newBroadcaster(t)
	ctx := context.Background()

	events, err := b.Subscribe(ctx, realtime.PolicyChannel(9))
	require.NoError(t, err)

	const burst = 50
	for i := 0; i < burst; i++ {
		require.NoError(t, b.Publish(ctx, realtime.Event{
			Channel: realtime.PolicyChannel(9),
			Type:    realtime.EventVoteUpdate,
			Payload: realtime.Payload(map[string]int{"seq": i}),
		}))
	}

	for i := 0; i < burst; i++ {
		event := receiveEvent(t, events)
		var payload struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(event.Payload, &payload))
		assert.Equal(t, i, payload.Seq)
	}
}

func TestBroadcasterSubscriptionEndsWithContext(t *testing.T) {
	b := newBroadcaster(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := b.Subscribe(ctx, realtime.PolicyChannel(4))
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok, "channel should close after context cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("event channel did not close after context cancellation")
	}
}

func TestPolicyChannelKey(t *testing.T) {
	assert.Equal(t, "policy.42", realtime.PolicyChannel(42))
	assert.Equal(t, "global", realtime.GlobalChannel)
}
