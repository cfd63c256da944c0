package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseControlFrame(t *testing.T) {
	frame, err := ParseControlFrame([]byte(`{"action":"subscribe","channel":"general","userID":"alice"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionSubscribe, frame.Action)
	assert.Equal(t, "general", frame.ChannelRef())
	assert.Equal(t, "alice", frame.UserID)

	_, err = ParseControlFrame([]byte(`subscribe general`))
	assert.Error(t, err)

	_, err = ParseControlFrame([]byte(`{"action":`))
	assert.Error(t, err)
}

func TestChannelRefFallback(t *testing.T) {
	// Older clients send channelID instead of channel
	frame, err := ParseControlFrame([]byte(`{"action":"subscribe","channelID":"abc123"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc123", frame.ChannelRef())

	// When both are present, channel wins
	frame, err = ParseControlFrame([]byte(`{"action":"subscribe","channel":"general","channelID":"abc123"}`))
	require.NoError(t, err)
	assert.Equal(t, "general", frame.ChannelRef())

	frame = &ControlFrame{}
	assert.Empty(t, frame.ChannelRef())
}

func TestSubscribedEventShape(t *testing.T) {
	data, err := json.Marshal(NewSubscribedEvent("general"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"subscribed","channel":"general"}`, string(data))
}

func TestErrorEventShape(t *testing.T) {
	data, err := json.Marshal(ErrorEvent{Error: ErrTextInvalidFormat})
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"Invalid message format"}`, string(data))
}

func TestMessageEventShape(t *testing.T) {
	stamp := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(MessageEvent{
		Channel:   "general",
		ID:        "m1",
		UserID:    "alice",
		Content:   "hello",
		Timestamp: stamp,
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "general", decoded["channel"])
	assert.Equal(t, "alice", decoded["userID"])
	assert.Equal(t, "hello", decoded["content"])
	assert.Equal(t, "2025-06-01T12:00:00Z", decoded["timestamp"])
}
