package server

import (
	"bufio"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/marktwallace/chat-toy/pkg/store"
)

// createEntityRequest is the JSON body for server and channel creation.
type createEntityRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// postMessageRequest is the JSON body for message posting.
type postMessageRequest struct {
	UserID  string `json:"userID"`
	Content string `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		errorLog.Printf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// storeError maps a directory store error onto the HTTP surface. A
// failed create or post has changed no state, so plain error bodies are
// all the client needs.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "Invalid name. It must start with a letter and be alphanumeric.")
	case errors.Is(err, store.ErrDuplicateName):
		writeError(w, http.StatusBadRequest, "Name already exists")
	case errors.Is(err, store.ErrServerNotFound):
		writeError(w, http.StatusNotFound, "Server not found")
	case errors.Is(err, store.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, "Channel not found")
	default:
		errorLog.Printf("Unexpected store error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

// authenticate rejects any request whose bearer token does not match the
// configured secret. The comparison is constant-time; a mismatch changes
// no state.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.ClientSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// logRequests logs method and path for every request, and feeds the
// request counter.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		debugLog.Printf("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, strconv.Itoa(rec.status))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack forwards to the underlying writer so the WebSocket upgrade
// still works through the logging wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// allowCORS opens the API to browser clients from any origin and
// short-circuits preflight requests.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleCreateServer handles POST /server
func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req createEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	srv, err := s.store.CreateServer(req.Name, req.Description)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

// handleListServers handles GET /servers
func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListServers())
}

// handleCreateChannel handles POST /server/{serverID}/channel and the
// single-tier POST /channel (no server scope, default server).
func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	serverID := mux.Vars(r)["serverID"] // empty on the single-tier route
	ch, err := s.store.CreateChannel(serverID, req.Name, req.Description)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// handleListChannels handles GET /server/{serverID}/channels and the
// single-tier GET /channels.
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannels(mux.Vars(r)["serverID"])
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

// handlePostMessage handles POST /channel/{channelID}/message. The
// append and the fan-out dispatch run under the channel's append lock so
// subscribers observe messages in append order. Fan-out failures never
// fail the post: by the time dispatch runs the message is already part
// of the channel history.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Content) > s.config.MaxMessageLength {
		writeError(w, http.StatusBadRequest, "Message too long")
		return
	}

	msg, err := s.store.AppendMessage(mux.Vars(r)["channelID"], req.UserID, req.Content, s.broadcastMessage)
	if err != nil {
		storeError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordMessagePosted()
	}
	writeJSON(w, http.StatusOK, msg)
}

// handleListMessages handles GET /channel/{channelID}/messages
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.ListMessages(mux.Vars(r)["channelID"])
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// handleListUsers handles GET /channel/{channelID}/users
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(mux.Vars(r)["channelID"])
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}
