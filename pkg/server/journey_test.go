package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marktwallace/chat-toy/pkg/protocol"
)

// journey tests run the full stack: real HTTP server, real WebSocket
// connections, REST posts fanning out to live subscribers.

const readTimeout = 2 * time.Second

func wsDial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvent reads one frame and decodes it into a generic map.
func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var event map[string]any
	require.NoError(t, json.Unmarshal(raw, &event))
	return event
}

// expectNoEvent asserts that nothing arrives within a short window.
func expectNoEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no event, got %s", raw)
	}
	netErr, ok := err.(interface{ Timeout() bool })
	require.True(t, ok && netErr.Timeout(), "expected read timeout, got %v", err)
}

// subscribe sends a subscribe frame and waits for the ack, returning the
// acknowledged channel ID.
func subscribe(t *testing.T, conn *websocket.Conn, channel, userID string) string {
	t.Helper()

	frame := protocol.ControlFrame{Action: protocol.ActionSubscribe, Channel: channel, UserID: userID}
	require.NoError(t, conn.WriteJSON(frame))

	event := readEvent(t, conn)
	require.Equal(t, "subscribed", event["status"], "unexpected event: %v", event)
	return event["channel"].(string)
}

func postMessage(t *testing.T, ts *httptest.Server, channel, userID, content string) {
	t.Helper()
	resp := doJSON(t, ts, http.MethodPost, "/channel/"+channel+"/message", testSecret,
		postMessageRequest{UserID: userID, Content: content}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJourneySubscribeAck(t *testing.T) {
	s, ts := newTestServer(t)

	conn := wsDial(t, ts)
	acked := subscribe(t, conn, "general", "alice")

	channelID, err := s.Store().Resolve("general")
	require.NoError(t, err)
	assert.Equal(t, channelID, acked, "ack carries the canonical channel ID")
}

func TestJourneyFanOut(t *testing.T) {
	s, ts := newTestServer(t)

	doJSON(t, ts, http.MethodPost, "/channel", testSecret,
		createEntityRequest{Name: "random"}, nil)

	alice := wsDial(t, ts)
	bob := wsDial(t, ts)
	carol := wsDial(t, ts)

	subscribe(t, alice, "general", "alice")
	subscribe(t, bob, "general", "bob")
	subscribe(t, carol, "random", "carol")

	postMessage(t, ts, "general", "alice", "hello everyone")

	channelID, err := s.Store().Resolve("general")
	require.NoError(t, err)

	for _, conn := range []*websocket.Conn{alice, bob} {
		event := readEvent(t, conn)
		assert.Equal(t, channelID, event["channel"])
		assert.Equal(t, "alice", event["userID"])
		assert.Equal(t, "hello everyone", event["content"])
		assert.NotEmpty(t, event["timestamp"])
	}

	// Carol is on a different channel and must see nothing
	expectNoEvent(t, carol)
}

func TestJourneyPerChannelOrder(t *testing.T) {
	_, ts := newTestServer(t)

	conn := wsDial(t, ts)
	subscribe(t, conn, "general", "watcher")

	contents := []string{"one", "two", "three", "four", "five"}
	for _, c := range contents {
		postMessage(t, ts, "general", "alice", c)
	}

	for _, want := range contents {
		event := readEvent(t, conn)
		assert.Equal(t, want, event["content"], "events must arrive in post order")
	}
}

func TestJourneyLateSubscriberMissesHistory(t *testing.T) {
	_, ts := newTestServer(t)

	postMessage(t, ts, "general", "alice", "before anyone listened")

	conn := wsDial(t, ts)
	subscribe(t, conn, "general", "bob")
	expectNoEvent(t, conn)

	// History is still there over REST
	var messages []json.RawMessage
	doJSON(t, ts, http.MethodGet, "/channel/general/messages", testSecret, nil, &messages)
	assert.Len(t, messages, 1)
}

func TestJourneySubscriptionReplacement(t *testing.T) {
	_, ts := newTestServer(t)

	doJSON(t, ts, http.MethodPost, "/channel", testSecret,
		createEntityRequest{Name: "random"}, nil)

	conn := wsDial(t, ts)
	subscribe(t, conn, "general", "alice")
	subscribe(t, conn, "random", "alice")

	// The old subscription is gone, the new one live
	postMessage(t, ts, "general", "bob", "to general")
	expectNoEvent(t, conn)

	postMessage(t, ts, "random", "bob", "to random")
	event := readEvent(t, conn)
	assert.Equal(t, "to random", event["content"])
}

func TestJourneyMalformedFrame(t *testing.T) {
	_, ts := newTestServer(t)
	conn := wsDial(t, ts)

	cases := [][]byte{
		[]byte("not json at all"),
		[]byte(`{"action":"shout","channel":"general"}`),
		[]byte(`{"action":"subscribe"}`),
	}
	for _, raw := range cases {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
		event := readEvent(t, conn)
		assert.Equal(t, protocol.ErrTextInvalidFormat, event["error"], "frame %s", raw)
	}

	// The connection survives and can still subscribe
	subscribe(t, conn, "general", "alice")
}

func TestJourneyUnknownChannel(t *testing.T) {
	_, ts := newTestServer(t)
	conn := wsDial(t, ts)

	frame := protocol.ControlFrame{Action: protocol.ActionSubscribe, Channel: "nowhere"}
	require.NoError(t, conn.WriteJSON(frame))

	event := readEvent(t, conn)
	assert.Equal(t, protocol.ErrTextChannelUnknown, event["error"])

	subscribe(t, conn, "general", "alice")
}

func TestJourneyChannelIDKeyAccepted(t *testing.T) {
	s, ts := newTestServer(t)
	conn := wsDial(t, ts)

	channelID, err := s.Store().Resolve("general")
	require.NoError(t, err)

	// Older clients use the channelID key instead of channel
	frame := protocol.ControlFrame{Action: protocol.ActionSubscribe, ChannelID: channelID}
	require.NoError(t, conn.WriteJSON(frame))

	event := readEvent(t, conn)
	assert.Equal(t, "subscribed", event["status"])
	assert.Equal(t, channelID, event["channel"])
}

func TestJourneyPresence(t *testing.T) {
	_, ts := newTestServer(t)

	conn := wsDial(t, ts)
	subscribe(t, conn, "general", "alice")

	var users []string
	doJSON(t, ts, http.MethodGet, "/channel/general/users", testSecret, nil, &users)
	assert.Equal(t, []string{"alice"}, users)

	conn.Close()

	require.Eventually(t, func() bool {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/channel/general/users", nil)
		if err != nil {
			return false
		}
		req.Header.Set("Authorization", "Bearer "+testSecret)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var users []string
		if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
			return false
		}
		return len(users) == 0
	}, 2*time.Second, 20*time.Millisecond, "presence must clear after disconnect")
}

func TestJourneyDisconnectCleansRegistry(t *testing.T) {
	s, ts := newTestServer(t)

	conn := wsDial(t, ts)
	subscribe(t, conn, "general", "alice")
	require.Equal(t, 1, s.sessions.CountSessions())

	conn.Close()

	require.Eventually(t, func() bool {
		return s.sessions.CountSessions() == 0
	}, 2*time.Second, 20*time.Millisecond)

	// Posting afterwards must not fail or panic with no subscribers
	postMessage(t, ts, "general", "bob", "anyone there?")
}
