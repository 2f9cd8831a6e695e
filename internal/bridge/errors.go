package bridge

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAuthRejected     = errors.New("peer authentication rejected")
	ErrNoTarget         = errors.New("no target peer")
	ErrPeerReported     = errors.New("peer reported error")
	ErrTimeout          = errors.New("call timed out")
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrBridgeClosed     = errors.New("bridge closed")
	ErrSendQueueFull    = errors.New("peer send queue full")
)

// NoTargetError reports a selector that matched no connected peer.
type NoTargetError struct {
	Selector string
}

func (e *NoTargetError) Error() string {
	if e == nil || IsLatest(e.Selector) {
		return "no browser tabs connected"
	}
	return fmt.Sprintf("tab id %s not found", e.Selector)
}

func (e *NoTargetError) Is(target error) bool {
	return target == ErrNoTarget
}

// PeerError carries the error text a peer returned for a call.
type PeerError struct {
	PeerID  string
	Message string
}

func (e *PeerError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("browser error: %s", e.Message)
}

func (e *PeerError) Is(target error) bool {
	return target == ErrPeerReported
}

// QueueFullError reports a call whose request never left the bridge: the
// peer's outbound queue stayed full until the call deadline.
type QueueFullError struct {
	PeerID    string
	Operation string
	After     time.Duration
}

func (e *QueueFullError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("peer %s send queue stayed full for %s", e.PeerID, e.After)
}

func (e *QueueFullError) Is(target error) bool {
	return target == ErrSendQueueFull
}

type TimeoutError struct {
	Operation string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("tool %q timed out after %s", e.Operation, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
