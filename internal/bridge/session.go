package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tabbridge/internal/protocol"
)

// Session is one admitted peer.
type Session struct {
	id          string
	info        PeerInfo
	connectedAt time.Time
	sequence    uint64
	transport   Transport
	calls       *callTable
	logLimiter  *rate.Limiter

	closeOnce sync.Once
	closeErr  error
}

// PeerSnapshot is a point-in-time view of a session for status reporting.
type PeerSnapshot struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	UserAgent    string    `json:"user_agent"`
	ConnectedAt  time.Time `json:"connected_at"`
	PendingCalls int       `json:"pending_calls"`
}

func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

func (s *Session) URL() string {
	return s.info.URL
}

func (s *Session) UserAgent() string {
	return s.info.UserAgent
}

func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

func (s *Session) PendingCalls() int {
	return s.calls.len()
}

func (s *Session) Snapshot() PeerSnapshot {
	return PeerSnapshot{
		ID:           s.id,
		URL:          s.info.URL,
		UserAgent:    s.info.UserAgent,
		ConnectedAt:  s.connectedAt,
		PendingCalls: s.calls.len(),
	}
}

func (s *Session) Send(message protocol.Outbound) error {
	if s == nil || s.transport == nil {
		return ErrPeerDisconnected
	}
	if err := s.transport.Send(message); err != nil {
		return fmt.Errorf("send to peer %s: %w", s.id, err)
	}
	return nil
}

// SendContext delivers message, waiting for room in the peer's queue until
// ctx ends.
func (s *Session) SendContext(ctx context.Context, message protocol.Outbound) error {
	if s == nil || s.transport == nil {
		return ErrPeerDisconnected
	}
	if err := s.transport.SendContext(ctx, message); err != nil {
		return fmt.Errorf("send to peer %s: %w", s.id, err)
	}
	return nil
}

func (s *Session) close(code int, reason string) error {
	s.closeOnce.Do(func() {
		if s.transport != nil {
			s.closeErr = s.transport.Close(code, reason)
		}
	})
	return s.closeErr
}

// newerThan orders sessions by arrival, admission order breaking ties.
func (s *Session) newerThan(other *Session) bool {
	if other == nil {
		return true
	}
	if s.connectedAt.Equal(other.connectedAt) {
		return s.sequence > other.sequence
	}
	return s.connectedAt.After(other.connectedAt)
}
