package collab

import (
	"context"
	"encoding/json"
)

// Meta is the sharing metadata of a document.
type Meta struct {
	OwnerID         string
	Name            string
	AllowLinkAccess bool
	SharedWith      []string
}

// Document is a persisted document.
type Document struct {
	ID      string
	Content []byte
	Meta
}

// Store is the durable home of documents.
type Store interface {
	Load(ctx context.Context, docID string) (*Document, error)
	Save(ctx context.Context, docID string, content []byte) error
}

// EventType names an event pushed to a member.
type EventType string

const (
	EventJoined   EventType = "joined"
	EventDelta    EventType = "receive-changes"
	EventPresence EventType = "presence"
	EventAck      EventType = "ack"
	EventClosed   EventType = "closed"
)

// Event is something a session pushes to a member.
type Event struct {
	Type    EventType
	DocID   string
	UserID  string // author of a delta
	Seq     int64  // client sequence being acknowledged
	Access  Access
	Payload json.RawMessage
}

// Peer is the outbound side of a connection.
type Peer interface {
	// ID uniquely identifies the connection.
	ID() string
	// Send queues ev without blocking. It returns false when the peer cannot
	// keep up; the peer is then responsible for disconnecting itself.
	Send(ev Event) bool
}

// Member is a connection's participation in a session.
type Member struct {
	Peer     Peer
	Identity Identity
	Access   Access
}

// PresenceEntry is one connected user in a presence event.
type PresenceEntry struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Access      Access `json:"access"`
}
