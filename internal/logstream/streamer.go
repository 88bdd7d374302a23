// Package logstream fans job log appends out to websocket subscribers.
package logstream

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bisectbot/bisectbot/internal/logger"
)

// Streamer manages live log subscribers per job. Appends to a job's log are
// broadcast to every open subscriber; a connection that fails a write is
// dropped.
type Streamer struct {
	mu          sync.RWMutex
	subscribers map[string][]*websocket.Conn
}

func New() *Streamer {
	return &Streamer{
		subscribers: make(map[string][]*websocket.Conn),
	}
}

func (s *Streamer) Subscribe(jobID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[jobID] = append(s.subscribers[jobID], conn)
}

func (s *Streamer) Unsubscribe(jobID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subscribers[jobID]
	for i, c := range subs {
		if c == conn {
			s.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.subscribers[jobID]) == 0 {
		delete(s.subscribers, jobID)
	}
}

// Broadcast sends a log chunk to every subscriber of the job. Connections
// that fail the write are closed and removed.
func (s *Streamer) Broadcast(jobID string, message []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[jobID]
	alive := subs[:0]
	for _, conn := range subs {
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logger.Logger.Debug("dropping dead log subscriber",
				"jobID", jobID, "error", err)
			conn.Close()
			continue
		}
		alive = append(alive, conn)
	}
	if len(alive) == 0 {
		delete(s.subscribers, jobID)
		return
	}
	s.subscribers[jobID] = alive
}

// CloseAll closes every subscriber connection, for shutdown.
func (s *Streamer) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID, subs := range s.subscribers {
		for _, conn := range subs {
			conn.Close()
		}
		delete(s.subscribers, jobID)
	}
}
