package mcp

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"tabbridge/internal/logging"
)

const DefaultSessionQueue = 32

var (
	ErrSessionNotFound  = errors.New("mcp session not found")
	ErrSessionQueueFull = errors.New("mcp session queue full")
	ErrSessionClosed    = errors.New("mcp session closed")
)

// StreamSession is one SSE control-plane connection. Responses produced for
// its POSTed messages are queued here and written by the stream handler.
type StreamSession struct {
	ID string

	messages chan []byte
	done     chan struct{}
	once     sync.Once
}

func (s *StreamSession) Messages() <-chan []byte {
	return s.messages
}

func (s *StreamSession) Done() <-chan struct{} {
	return s.done
}

// Enqueue never blocks.
func (s *StreamSession) Enqueue(payload []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.messages <- payload:
		return nil
	default:
		return ErrSessionQueueFull
	}
}

func (s *StreamSession) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

type SessionHub struct {
	mu        sync.RWMutex
	sessions  map[string]*StreamSession
	queueSize int
	logger    *logging.Logger
}

func NewSessionHub(queueSize int, logger *logging.Logger) *SessionHub {
	if queueSize <= 0 {
		queueSize = DefaultSessionQueue
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &SessionHub{
		sessions:  make(map[string]*StreamSession),
		queueSize: queueSize,
		logger:    logger,
	}
}

func (h *SessionHub) Open() *StreamSession {
	session := &StreamSession{
		ID:       strings.ReplaceAll(uuid.NewString(), "-", ""),
		messages: make(chan []byte, h.queueSize),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[session.ID] = session
	h.mu.Unlock()
	return session
}

func (h *SessionHub) Get(id string) (*StreamSession, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	session, ok := h.sessions[id]
	return session, ok
}

func (h *SessionHub) Close(id string) {
	h.mu.Lock()
	session, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		session.close()
	}
}

// CloseAll ends every open stream.
func (h *SessionHub) CloseAll() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*StreamSession)
	h.mu.Unlock()
	for _, session := range sessions {
		session.close()
	}
}

// Broadcast queues a message on every open stream and returns how many
// accepted it.
func (h *SessionHub) Broadcast(message *Message) int {
	payload, err := Encode(message)
	if err != nil {
		h.logger.Warn("mcp broadcast encode failed", map[string]string{"error": err.Error()})
		return 0
	}
	h.mu.RLock()
	sessions := make([]*StreamSession, 0, len(h.sessions))
	for _, session := range h.sessions {
		sessions = append(sessions, session)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, session := range sessions {
		if err := session.Enqueue(payload); err != nil {
			h.logger.Warn("mcp broadcast dropped", map[string]string{
				"session": session.ID,
				"error":   err.Error(),
			})
			continue
		}
		delivered++
	}
	return delivered
}

func (h *SessionHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// NotifyToolsChanged tells every open stream to refetch tools/list.
func (h *SessionHub) NotifyToolsChanged() int {
	return h.Broadcast(NewNotification(MethodToolsListChanged))
}
