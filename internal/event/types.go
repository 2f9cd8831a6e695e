package event

import "time"

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

const (
	TypePeerConnected    = "peer_connected"
	TypePeerDisconnected = "peer_disconnected"
	TypeCatalogUpdated   = "catalog_updated"
)

// PeerEvent captures peer admission and departure.
type PeerEvent struct {
	EventType  string    `json:"type"`
	PeerID     string    `json:"peer_id"`
	URL        string    `json:"url,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Failed     int       `json:"failed_calls,omitempty"`
	OccurredAt time.Time `json:"timestamp"`
}

func NewPeerEvent(eventType, peerID string) PeerEvent {
	return PeerEvent{
		EventType:  eventType,
		PeerID:     peerID,
		OccurredAt: time.Now().UTC(),
	}
}

func (e PeerEvent) Type() string {
	return e.EventType
}

func (e PeerEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// CatalogEvent is published after a catalog snapshot is swapped in.
type CatalogEvent struct {
	EventType  string    `json:"type"`
	Source     string    `json:"source,omitempty"`
	ToolCount  int       `json:"tool_count"`
	Recipients int       `json:"recipients"`
	OccurredAt time.Time `json:"timestamp"`
}

func NewCatalogEvent(source string, toolCount, recipients int) CatalogEvent {
	return CatalogEvent{
		EventType:  TypeCatalogUpdated,
		Source:     source,
		ToolCount:  toolCount,
		Recipients: recipients,
		OccurredAt: time.Now().UTC(),
	}
}

func (e CatalogEvent) Type() string {
	return e.EventType
}

func (e CatalogEvent) Timestamp() time.Time {
	return e.OccurredAt
}
