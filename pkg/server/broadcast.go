package server

import (
	"encoding/json"
	"sync"

	"github.com/marktwallace/chat-toy/pkg/protocol"
	"github.com/marktwallace/chat-toy/pkg/store"
)

// broadcastMessage fans one appended message out to every session
// subscribed to its channel at delivery time.
//
// It is invoked from inside the store's per-channel append lock (see
// store.AppendMessage), which pins per-channel delivery order to append
// order. Everything here is in-memory work: the payload is encoded once,
// and each hand-off to a session is a non-blocking enqueue, so one slow
// connection never stalls delivery to the rest and never stalls the
// append itself.
func (s *Server) broadcastMessage(msg *store.Message) {
	event := protocol.MessageEvent{
		Channel:   msg.ChannelID,
		ID:        msg.ID,
		UserID:    msg.UserID,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		errorLog.Printf("Failed to encode message event for channel %s: %v", msg.ChannelID, err)
		return
	}

	targets := s.sessions.Subscribers(msg.ChannelID)
	if s.metrics != nil {
		s.metrics.RecordBroadcast(len(targets))
	}
	if len(targets) == 0 {
		return
	}

	dropped := s.deliverToSessions(targets, payload)
	if dropped > 0 {
		debugLog.Printf("Broadcast to channel %s: dropped %d/%d deliveries (full buffers)",
			msg.ChannelID, dropped, len(targets))
	}
}

// deliverToSessions hands payload to each target session over a small
// worker pool, chunking the session list so large fan-outs parallelize.
// Returns the number of deliveries dropped because a session's send
// buffer was full. Sessions that are already gone are skipped silently;
// their teardown runs on their own read loop.
func (s *Server) deliverToSessions(sessions []*Session, payload []byte) int {
	const maxWorkers = 8
	const sessionsPerWorker = 64

	if len(sessions) == 0 {
		return 0
	}

	numWorkers := (len(sessions) + sessionsPerWorker - 1) / sessionsPerWorker
	if numWorkers > maxWorkers {
		numWorkers = maxWorkers
	}
	chunkSize := (len(sessions) + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	var droppedMu sync.Mutex
	dropped := 0

	for i := 0; i < numWorkers; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(sessions) {
			end = len(sessions)
		}

		wg.Add(1)
		go func(chunk []*Session) {
			defer wg.Done()
			for _, sess := range chunk {
				sent, alive := s.sessions.deliver(sess, payload)
				if !alive {
					continue
				}
				if !sent {
					if s.metrics != nil {
						s.metrics.RecordDeliveryDropped()
					}
					droppedMu.Lock()
					dropped++
					droppedMu.Unlock()
				}
			}
		}(sessions[start:end])
	}

	wg.Wait()
	return dropped
}
