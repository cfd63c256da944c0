// Package protocol defines the JSON wire types exchanged over the push
// transport, and the frame shapes the REST surface returns.
//
// Inbound control frames and outbound events are JSON text. The only
// recognized inbound action is "subscribe"; everything else is answered
// with an ErrorEvent on the same connection and otherwise ignored.
package protocol

import (
	"encoding/json"
	"time"
)

// ActionSubscribe is the only control action a client may send.
const ActionSubscribe = "subscribe"

// Error strings sent back on the push connection. These are part of the
// wire contract, not free-form text.
const (
	ErrTextInvalidFormat  = "Invalid message format"
	ErrTextChannelUnknown = "Channel not found"
)

// ControlFrame is an inbound frame on the push connection.
//
// Older clients send the channel reference under "channelID" rather than
// "channel"; both are accepted.
type ControlFrame struct {
	Action    string `json:"action"`
	Channel   string `json:"channel,omitempty"`
	ChannelID string `json:"channelID,omitempty"`
	UserID    string `json:"userID,omitempty"`
}

// ChannelRef returns the channel reference from whichever key the client
// used, preferring "channel".
func (f *ControlFrame) ChannelRef() string {
	if f.Channel != "" {
		return f.Channel
	}
	return f.ChannelID
}

// ParseControlFrame decodes an inbound frame. A decode error means the
// frame was not valid JSON; the caller answers with ErrTextInvalidFormat.
func ParseControlFrame(data []byte) (*ControlFrame, error) {
	var frame ControlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// SubscribedEvent acknowledges a successful subscribe to the requesting
// connection only.
type SubscribedEvent struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
}

// NewSubscribedEvent builds the ack for a subscribe to channelID.
func NewSubscribedEvent(channelID string) SubscribedEvent {
	return SubscribedEvent{Status: "subscribed", Channel: channelID}
}

// ErrorEvent reports a per-connection protocol error. It never closes the
// connection and is never fanned out to other connections.
type ErrorEvent struct {
	Error string `json:"error"`
}

// MessageEvent is the fan-out frame pushed to every connection subscribed
// to the message's channel at delivery time.
type MessageEvent struct {
	Channel   string    `json:"channel"`
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"userID"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
