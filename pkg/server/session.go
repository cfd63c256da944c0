package server

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Session represents one live push connection. A session holds at most
// one channel subscription at any instant; subscribing again replaces the
// previous target.
type Session struct {
	ID         uint64
	Conn       *websocket.Conn
	RemoteAddr string

	send   chan []byte // outbound events, drained by the write pump
	closed bool        // guarded by the manager's session lock

	mu        sync.RWMutex // protects ChannelID and UserID
	channelID string       // "" = unsubscribed
	userID    string       // presence identity from the last subscribe frame
}

// Subscription returns the session's current channel target, or "" if the
// session has not subscribed.
func (s *Session) Subscription() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelID
}

// presence returns the channel/user pair currently recorded for presence
// bookkeeping.
func (s *Session) presence() (channelID, userID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelID, s.userID
}

// SessionManager tracks all live sessions and owns the subscription
// relation. The reverse index (channel -> sessions) is what the fan-out
// dispatcher reads at delivery time; it is never cached by callers.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64

	// Reverse subscription index for fast broadcast lookups
	subMu       sync.RWMutex
	subscribers map[string]map[uint64]*Session // channelID -> sessionID -> session

	metrics    *Metrics
	bufferSize int
}

// NewSessionManager creates a session manager. bufferSize is the
// per-session outbound event buffer.
func NewSessionManager(bufferSize int) *SessionManager {
	return &SessionManager{
		sessions:    make(map[uint64]*Session),
		subscribers: make(map[string]map[uint64]*Session),
		nextID:      1,
		bufferSize:  bufferSize,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new unsubscribed session for conn.
func (sm *SessionManager) CreateSession(conn *websocket.Conn) *Session {
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:         sessionID,
		Conn:       conn,
		RemoteAddr: conn.RemoteAddr().String(),
		send:       make(chan []byte, sm.bufferSize),
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionCreated()
	}

	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// CountSessions returns the number of live sessions.
func (sm *SessionManager) CountSessions() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.sessions)
}

// Subscribe points the session at channelID, replacing any prior
// subscription. The caller must have validated that the channel exists;
// the registry never stores an unvalidated target.
func (sm *SessionManager) Subscribe(sess *Session, channelID, userID string) {
	sm.subMu.Lock()
	sess.mu.Lock()
	prev := sess.channelID
	sess.channelID = channelID
	sess.userID = userID
	sess.mu.Unlock()

	if prev != "" {
		sm.dropSubscriberLocked(prev, sess.ID)
	}
	if sm.subscribers[channelID] == nil {
		sm.subscribers[channelID] = make(map[uint64]*Session)
	}
	sm.subscribers[channelID][sess.ID] = sess
	sm.subMu.Unlock()
}

// Unsubscribe removes any subscription for the session. Idempotent: a
// session with no subscription is a no-op.
func (sm *SessionManager) Unsubscribe(sess *Session) {
	sm.subMu.Lock()
	sess.mu.Lock()
	prev := sess.channelID
	sess.channelID = ""
	sess.userID = ""
	sess.mu.Unlock()

	if prev != "" {
		sm.dropSubscriberLocked(prev, sess.ID)
	}
	sm.subMu.Unlock()
}

// dropSubscriberLocked removes a session from one channel's subscriber
// set. Caller holds subMu.
func (sm *SessionManager) dropSubscriberLocked(channelID string, sessionID uint64) {
	if subscribers := sm.subscribers[channelID]; subscribers != nil {
		delete(subscribers, sessionID)
		if len(subscribers) == 0 {
			delete(sm.subscribers, channelID)
		}
	}
}

// Subscribers returns the sessions currently subscribed to channelID.
// The returned slice is a snapshot taken under the index lock, so a
// dispatch in progress never sees a partially updated set.
func (sm *SessionManager) Subscribers(channelID string) []*Session {
	sm.subMu.RLock()
	defer sm.subMu.RUnlock()

	subscribers := sm.subscribers[channelID]
	if len(subscribers) == 0 {
		return nil
	}

	result := make([]*Session, 0, len(subscribers))
	for _, sess := range subscribers {
		result = append(result, sess)
	}
	return result
}

// RemoveSession tears down a session: unsubscribes it, closes its send
// queue, and closes the connection. Safe to call more than once per
// session; only the first call does any work.
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	sess.closed = true
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionClosed()
	}

	sm.Unsubscribe(sess)

	// Safe to close now: deliver checks membership under the session
	// lock before sending, and the session is already gone from the map.
	close(sess.send)
	if sess.Conn != nil {
		sess.Conn.Close()
	}
}

// deliver hands payload to the session's write pump without blocking.
// Returns (sent, alive): a full buffer drops the event but leaves the
// session alive (documented best-effort behavior); a removed session
// reports alive=false so the dispatcher can skip it.
func (sm *SessionManager) deliver(sess *Session, payload []byte) (sent, alive bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if _, ok := sm.sessions[sess.ID]; !ok || sess.closed {
		return false, false
	}

	select {
	case sess.send <- payload:
		return true, true
	default:
		return false, true
	}
}

// CloseAll closes every session. Used during shutdown.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	sm.mu.Unlock()

	for _, sess := range sessions {
		sm.RemoveSession(sess.ID)
	}
}
