package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marktwallace/chat-toy/pkg/protocol"
)

const (
	// Time allowed to write an event to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The REST surface already sends Access-Control-Allow-Origin: *;
	// the push transport is open to any origin for the same reason.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades an HTTP request into a push connection and
// starts its read loop and write pump. A non-upgrade request to the
// server root gets a plain 404.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	sess := s.sessions.CreateSession(conn)
	debugLog.Printf("Session %d: connected from %s", sess.ID, sess.RemoteAddr)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writePump(sess)
	}()
	go func() {
		defer s.wg.Done()
		s.readLoop(sess)
	}()
}

// readLoop runs the connection's inbound state machine: Open until a
// subscribe succeeds, Subscribed until replaced or the transport dies,
// Closed after teardown. Teardown runs exactly once, from here, no
// matter how the connection ends.
func (s *Server) readLoop(sess *Session) {
	defer s.teardown(sess)

	sess.Conn.SetReadLimit(s.config.MaxFrameSize)
	sess.Conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.Conn.SetPongHandler(func(string) error {
		return sess.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := sess.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!isExpectedCloseError(err) {
				debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			}
			return
		}
		s.handleControlFrame(sess, raw)
	}
}

// handleControlFrame processes one inbound frame. Malformed input is
// answered with an error event on this connection only; the connection
// stays open and its subscription state is untouched.
func (s *Server) handleControlFrame(sess *Session, raw []byte) {
	frame, err := protocol.ParseControlFrame(raw)
	if err != nil || frame.Action != protocol.ActionSubscribe || frame.ChannelRef() == "" {
		if s.metrics != nil {
			s.metrics.RecordControlFrameError()
		}
		s.sendEvent(sess, protocol.ErrorEvent{Error: protocol.ErrTextInvalidFormat})
		return
	}

	channelID, err := s.store.Resolve(frame.ChannelRef())
	if err != nil {
		// An explicit error event is distinguishable from a lost frame.
		if s.metrics != nil {
			s.metrics.RecordControlFrameError()
		}
		s.sendEvent(sess, protocol.ErrorEvent{Error: protocol.ErrTextChannelUnknown})
		return
	}

	// Replace any prior subscription, moving best-effort presence along.
	prevChannel, prevUser := sess.presence()
	if prevChannel != "" && prevChannel != channelID {
		s.store.RemoveUser(prevChannel, prevUser)
	}
	s.sessions.Subscribe(sess, channelID, frame.UserID)
	s.store.AddUser(channelID, frame.UserID)

	debugLog.Printf("Session %d: subscribed to channel %s", sess.ID, channelID)
	s.sendEvent(sess, protocol.NewSubscribedEvent(channelID))
}

// sendEvent queues a JSON event for the session's write pump. Ack and
// error events share the same best-effort path as message events.
func (s *Server) sendEvent(sess *Session, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		errorLog.Printf("Session %d: failed to encode event: %v", sess.ID, err)
		return
	}
	if sent, alive := s.sessions.deliver(sess, payload); alive && !sent {
		debugLog.Printf("Session %d: event dropped (full buffer)", sess.ID)
	}
}

// teardown releases everything a connection holds. The presence entry
// goes first so listUsers stops reporting the user, then the registry
// mapping, so an in-flight dispatch either delivers to the still-open
// session or skips it entirely.
func (s *Server) teardown(sess *Session) {
	channelID, userID := sess.presence()
	if channelID != "" {
		s.store.RemoveUser(channelID, userID)
	}
	s.sessions.RemoveSession(sess.ID)
	debugLog.Printf("Session %d: disconnected", sess.ID)
}

// writePump drains the session's send queue onto the wire and keeps the
// connection alive with pings. It exits when the queue is closed by
// session removal or when a write fails.
func (s *Server) writePump(sess *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.Conn.Close()
	}()

	for {
		select {
		case payload, ok := <-sess.send:
			sess.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sess.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sess.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				debugLog.Printf("Session %d: write failed: %v", sess.ID, err)
				return
			}
		case <-ticker.C:
			sess.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// isExpectedCloseError reports errors that routinely accompany a
// connection teardown and are not worth logging.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}
