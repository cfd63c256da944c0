// Package store is the in-memory directory of servers, channels, and
// messages. All state is volatile and dies with the process.
//
// The store is the only holder of message history. Appends to one channel
// serialize under that channel's lock; appends to different channels do
// not contend. List methods return point-in-time copies, so callers can
// iterate them while the store keeps mutating.
package store

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidName is returned when a server or channel name fails the
	// name pattern check.
	ErrInvalidName = errors.New("invalid name")
	// ErrDuplicateName is returned when a name collides within its scope.
	ErrDuplicateName = errors.New("name already exists")
	// ErrServerNotFound is returned when a server reference does not resolve.
	ErrServerNotFound = errors.New("server not found")
	// ErrChannelNotFound is returned when a channel reference does not resolve.
	ErrChannelNotFound = errors.New("channel not found")
)

// namePattern is the shared naming constraint for servers and channels:
// alphanumeric, starting with a letter.
var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)

// ValidName reports whether name satisfies the naming constraint.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Server is a named grouping that owns channels.
type Server struct {
	ID          string    `json:"serverID"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`

	channelIDs []string // insertion-ordered
}

// Channel is a named topic inside a server. Message history and the
// best-effort presence set live behind the channel's own lock so appends
// on different channels never contend.
type Channel struct {
	ID          string    `json:"channelID"`
	ServerID    string    `json:"serverID"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`

	mu        sync.RWMutex
	messages  []*Message
	users     map[string]struct{}
	lastStamp time.Time
}

// Message is one immutable record in a channel's append-only history.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"-"`
	UserID    string    `json:"userID"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store holds the full directory. One Store is constructed at process
// start and handed to every component that needs it; there is no ambient
// global.
type Store struct {
	mu           sync.RWMutex
	servers      map[string]*Server            // serverID -> server
	serverByName map[string]*Server            // name -> server
	channels     map[string]*Channel           // channelID -> channel
	channelNames map[string]map[string]string  // serverID -> name -> channelID
	defaultSrvID string
}

// New creates an empty store containing only the default server, which
// backs the single-tier API surface (channels created without a server
// reference land there).
func New(defaultServerName string) (*Store, error) {
	s := &Store{
		servers:      make(map[string]*Server),
		serverByName: make(map[string]*Server),
		channels:     make(map[string]*Channel),
		channelNames: make(map[string]map[string]string),
	}

	def, err := s.CreateServer(defaultServerName, "Default server")
	if err != nil {
		return nil, fmt.Errorf("failed to create default server: %w", err)
	}
	s.defaultSrvID = def.ID

	return s, nil
}

// DefaultServerID returns the ID of the default server.
func (s *Store) DefaultServerID() string {
	return s.defaultSrvID
}

// CreateServer registers a new server. Name validation runs before the
// uniqueness check, so an invalid duplicate reports ErrInvalidName.
func (s *Store) CreateServer(name, description string) (*Server, error) {
	if !ValidName(name) {
		return nil, ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.serverByName[name]; exists {
		return nil, ErrDuplicateName
	}

	srv := &Server{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now(),
	}
	s.servers[srv.ID] = srv
	s.serverByName[name] = srv
	s.channelNames[srv.ID] = make(map[string]string)

	return srv, nil
}

// CreateChannel registers a new channel owned by serverID. An empty
// serverID targets the default server (single-tier schema). Channel names
// are unique per server.
func (s *Store) CreateChannel(serverID, name, description string) (*Channel, error) {
	if !ValidName(name) {
		return nil, ErrInvalidName
	}
	if serverID == "" {
		serverID = s.defaultSrvID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[serverID]
	if !ok {
		return nil, ErrServerNotFound
	}
	names := s.channelNames[serverID]
	if _, exists := names[name]; exists {
		return nil, ErrDuplicateName
	}

	ch := &Channel{
		ID:          uuid.NewString(),
		ServerID:    serverID,
		Name:        name,
		Description: description,
		CreatedAt:   time.Now(),
		users:       make(map[string]struct{}),
	}
	s.channels[ch.ID] = ch
	names[name] = ch.ID
	srv.channelIDs = append(srv.channelIDs, ch.ID)

	return ch, nil
}

// getChannel resolves a channel reference by ID, falling back to a name
// lookup in the default server so single-tier clients can address
// channels by name.
func (s *Store) getChannel(ref string) (*Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ch, ok := s.channels[ref]; ok {
		return ch, true
	}
	if id, ok := s.channelNames[s.defaultSrvID][ref]; ok {
		return s.channels[id], true
	}
	return nil, false
}

// ChannelExists reports whether a channel reference resolves. Resolve
// returns the channel ID for a reference that may be an ID or a
// default-server channel name.
func (s *Store) ChannelExists(ref string) bool {
	_, ok := s.getChannel(ref)
	return ok
}

// Resolve maps a channel reference to its canonical channel ID.
func (s *Store) Resolve(ref string) (string, error) {
	ch, ok := s.getChannel(ref)
	if !ok {
		return "", ErrChannelNotFound
	}
	return ch.ID, nil
}

// AppendMessage appends one message to a channel's history and returns
// it. This is the sole mutator of message history.
//
// If deliver is non-nil it is invoked with the new message while the
// channel's append lock is still held, which guarantees per-channel
// delivery order matches append order. deliver must not block: it may
// only do in-memory work such as handing the message to send queues.
func (s *Store) AppendMessage(channelRef, userID, content string, deliver func(*Message)) (*Message, error) {
	ch, ok := s.getChannel(channelRef)
	if !ok {
		return nil, ErrChannelNotFound
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	// Timestamps are non-decreasing within a channel even if the wall
	// clock steps backwards.
	now := time.Now()
	if now.Before(ch.lastStamp) {
		now = ch.lastStamp
	}
	ch.lastStamp = now

	msg := &Message{
		ID:        uuid.NewString(),
		ChannelID: ch.ID,
		UserID:    userID,
		Content:   content,
		Timestamp: now,
	}
	ch.messages = append(ch.messages, msg)

	if deliver != nil {
		deliver(msg)
	}

	return msg, nil
}

// ListServers returns a snapshot of all servers.
func (s *Store) ListServers() []*Server {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Server, 0, len(s.servers))
	for _, srv := range s.servers {
		cp := *srv
		out = append(out, &cp)
	}
	return out
}

// ListChannels returns a snapshot of the channels owned by serverID, in
// creation order. An empty serverID targets the default server.
func (s *Store) ListChannels(serverID string) ([]*Channel, error) {
	if serverID == "" {
		serverID = s.defaultSrvID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	srv, ok := s.servers[serverID]
	if !ok {
		return nil, ErrServerNotFound
	}

	out := make([]*Channel, 0, len(srv.channelIDs))
	for _, id := range srv.channelIDs {
		ch := s.channels[id]
		out = append(out, &Channel{
			ID:          ch.ID,
			ServerID:    ch.ServerID,
			Name:        ch.Name,
			Description: ch.Description,
			CreatedAt:   ch.CreatedAt,
		})
	}
	return out, nil
}

// ListMessages returns a snapshot of a channel's history in append order.
func (s *Store) ListMessages(channelRef string) ([]*Message, error) {
	ch, ok := s.getChannel(channelRef)
	if !ok {
		return nil, ErrChannelNotFound
	}

	ch.mu.RLock()
	defer ch.mu.RUnlock()

	out := make([]*Message, len(ch.messages))
	copy(out, ch.messages)
	return out, nil
}

// ListUsers returns a snapshot of the user identifiers currently present
// in a channel. The set is best-effort, not authoritative.
func (s *Store) ListUsers(channelRef string) ([]string, error) {
	ch, ok := s.getChannel(channelRef)
	if !ok {
		return nil, ErrChannelNotFound
	}

	ch.mu.RLock()
	defer ch.mu.RUnlock()

	out := make([]string, 0, len(ch.users))
	for u := range ch.users {
		out = append(out, u)
	}
	return out, nil
}

// AddUser records userID as present in a channel. No-op for an empty
// userID or an unknown channel.
func (s *Store) AddUser(channelRef, userID string) {
	if userID == "" {
		return
	}
	ch, ok := s.getChannel(channelRef)
	if !ok {
		return
	}

	ch.mu.Lock()
	ch.users[userID] = struct{}{}
	ch.mu.Unlock()
}

// RemoveUser removes userID from a channel's presence set. Idempotent.
func (s *Store) RemoveUser(channelRef, userID string) {
	if userID == "" {
		return
	}
	ch, ok := s.getChannel(channelRef)
	if !ok {
		return
	}

	ch.mu.Lock()
	delete(ch.users, userID)
	ch.mu.Unlock()
}
