package bridge

import (
	"context"

	"tabbridge/internal/protocol"
)

// WebSocket close codes used by the bridge.
const (
	CloseGoingAway    = 1001
	CloseAuthRejected = 4003
)

// Transport delivers messages to one peer. Send must not block: broadcasts
// use it, and a transport with no room returns ErrSendQueueFull. SendContext
// waits for room until ctx ends and fails at once with ErrPeerDisconnected
// when the peer is gone.
type Transport interface {
	Send(message protocol.Outbound) error
	SendContext(ctx context.Context, message protocol.Outbound) error
	Close(code int, reason string) error
}

// PeerInfo is the descriptive metadata a peer supplies when it connects.
type PeerInfo struct {
	URL       string
	UserAgent string
}

const UnknownUserAgent = "Unknown"
