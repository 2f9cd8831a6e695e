package bridge

import (
	"strings"

	"github.com/google/uuid"
)

const (
	peerIDLength      = 8
	maxPeerIDAttempts = 16
	SelectorLatest    = "latest"
)

func newPeerID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:peerIDLength]
}

func newCallID() string {
	return uuid.NewString()
}

// IsLatest reports whether selector asks for the most recently admitted peer.
func IsLatest(selector string) bool {
	selector = strings.TrimSpace(selector)
	return selector == "" || selector == SelectorLatest
}
