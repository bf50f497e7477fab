package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"policypulse/src/infrastructure/realtime"
	"policypulse/src/log"
)

const (
	actionJoinChannel  = "joinChannel"
	actionLeaveChannel = "leaveChannel"

	// outboundBuffer bounds events queued for one connection's writer.
	outboundBuffer = 32
)

// clientMessage is what a connected client sends to manage its channel
// memberships.
type clientMessage struct {
	Action   string `json:"action"`
	PolicyID int64  `json:"policyId"`
}

// serverMessage is one realtime event as delivered over the socket.
type serverMessage struct {
	Type    realtime.EventType `json:"type"`
	Channel string             `json:"channel"`
	Payload json.RawMessage    `json:"payload"`
}

// RealtimeHandler upgrades clients to websocket connections and relays
// broadcaster events for the channels each client has joined. Join and
// leave are idempotent; a disconnect drops every membership.
type RealtimeHandler struct {
	broadcaster realtime.Broadcaster
	upgrader    websocket.Upgrader
}

func NewRealtimeHandler(broadcaster realtime.Broadcaster) *RealtimeHandler {
	return &RealtimeHandler{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			// Auth and origin policy are enforced upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *RealtimeHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	defer conn.Close()

	outbound := make(chan realtime.Event, outboundBuffer)
	var writeWG sync.WaitGroup
	writeWG.Add(1)
	go func() {
		defer writeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-outbound:
				msg := serverMessage{Type: event.Type, Channel: event.Channel, Payload: event.Payload}
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Every connection receives global notifications.
	subscriptions := make(map[string]context.CancelFunc)
	h.join(ctx, realtime.GlobalChannel, subscriptions, outbound)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("ignoring malformed realtime client message", "error", err.Error())
			continue
		}

		channel := realtime.PolicyChannel(msg.PolicyID)
		switch msg.Action {
		case actionJoinChannel:
			h.join(ctx, channel, subscriptions, outbound)
		case actionLeaveChannel:
			// Leaving a channel that was never joined is a no-op.
			if unsubscribe, ok := subscriptions[channel]; ok {
				unsubscribe()
				delete(subscriptions, channel)
			}
		default:
			log.Debug("ignoring unknown realtime action",
				"action", msg.Action, "policyId", strconv.FormatInt(msg.PolicyID, 10))
		}
	}

	// Canceling ctx tears down every channel subscription at once.
	cancel()
	writeWG.Wait()
}

// join subscribes the connection to a channel. Joining twice has no
// additional effect.
func (h *RealtimeHandler) join(ctx context.Context, channel string, subscriptions map[string]context.CancelFunc, outbound chan<- realtime.Event) {
	if _, ok := subscriptions[channel]; ok {
		return
	}

	subCtx, unsubscribe := context.WithCancel(ctx)
	events, err := h.broadcaster.Subscribe(subCtx, channel)
	if err != nil {
		unsubscribe()
		log.Error(err, "failed to subscribe realtime channel", "channel", channel)
		return
	}
	subscriptions[channel] = unsubscribe

	go func() {
		for event := range events {
			select {
			case outbound <- event:
			case <-subCtx.Done():
				return
			}
		}
	}()
}
