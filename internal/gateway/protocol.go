// Package gateway implements the Gateway component (spec §4.H): socket
// admission, frame validation/dispatch, permission enforcement, and
// backpressure. Structurally grounded on the teacher's websocket.Client
// read/write pumps, generalized from a fixed notification-push shape to
// the spec's typed, bidirectional wire protocol.
package gateway

import (
	"encoding/json"
	"regexp"
)

// FrameType enumerates the wire protocol's typed variants (spec §6).
type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePublish     FrameType = "publish"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
	FrameEvent       FrameType = "event"
	FrameAck         FrameType = "ack"
	FrameError       FrameType = "error"
	FrameGetEvents   FrameType = "get_events"
	FrameOperation   FrameType = "magic_operation"
)

// Frame is the bidirectional wire envelope (spec §6).
type Frame struct {
	ID        string          `json:"id"`
	Type      FrameType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // ms since epoch
}

// SubscribePayload is subscribe.payload (spec §6).
type SubscribePayload struct {
	Channels []string         `json:"channels"`
	Options  *SubscribeOptions `json:"options,omitempty"`
}

// SubscribeOptions controls replay-on-subscribe behavior.
type SubscribeOptions struct {
	ReplayFrom  string `json:"replay_from,omitempty"`
	ReplayCount int    `json:"replay_count,omitempty"`
	Filter      string `json:"filter,omitempty"`
}

// UnsubscribePayload is unsubscribe.payload.
type UnsubscribePayload struct {
	Channels []string `json:"channels"`
}

// PublishOptions controls delivery guarantees for a publish frame.
type PublishOptions struct {
	DeliveryGuarantee string `json:"delivery_guarantee,omitempty"` // at_least_once | at_most_once
	PartitionKey      string `json:"partition_key,omitempty"`
	Acknowledgment    bool   `json:"acknowledgment,omitempty"`
}

// PublishEvent is the event object nested in publish.payload.
type PublishEvent struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// PublishPayload is publish.payload (spec §6).
type PublishPayload struct {
	Channel string          `json:"channel"`
	Event   PublishEvent    `json:"event"`
	Options *PublishOptions `json:"options,omitempty"`
}

// EventMetadata is event.payload.metadata (spec §6).
type EventMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	OrgID         string `json:"org_id"`
	Channel       string `json:"channel"`
	StreamEntryID string `json:"stream_entry_id"`
}

// EventPayload is event.payload, the server->client delivery envelope.
type EventPayload struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Metadata EventMetadata   `json:"metadata"`
}

// ErrorDetail is error.payload.error (spec §6). Never carries a stack
// trace (spec §4.H).
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorPayload is error.payload.
type ErrorPayload struct {
	Error         ErrorDetail `json:"error"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// AckPayload is ack.payload, echoing the originating frame id.
type AckPayload struct {
	CorrelationID string `json:"correlation_id"`
}

// channelNamePattern enforces the channel naming grammar (spec §6):
// ^org:[A-Za-z0-9_-]+:[^\s]+$
var channelNamePattern = regexp.MustCompile(`^org:[A-Za-z0-9_-]+:[^\s]+$`)

// ValidChannelName reports whether name matches the required grammar.
func ValidChannelName(name string) bool {
	return channelNamePattern.MatchString(name)
}

// requiredPermission maps each inbound frame type to the permission it
// requires (spec §4.H). Frame types absent from this map require no
// specific permission beyond a valid Context (e.g. ping).
var requiredPermission = map[FrameType]string{
	FrameSubscribe:   "channel:read",
	FrameUnsubscribe: "channel:read",
	FramePublish:     "event:create",
	FrameGetEvents:   "event:read",
	FrameOperation:   "room:write",
}

// PermissionFor returns the permission a frame type requires, and
// whether one is required at all.
func PermissionFor(t FrameType) (string, bool) {
	perm, ok := requiredPermission[t]
	return perm, ok
}
