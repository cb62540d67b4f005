// Package presence tracks which live connection, if any, represents the user
// and the agent of each active chat session, and enforces that only one agent
// serves a (user, persona) pair at a time.
//
// State is process-local. Running several server processes requires moving
// the registry and the pairing lock to a shared store.
package presence

import "context"

// Event is a server-to-client push.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Conn is one client connection as seen by the chat core.
type Conn interface {
	ID() string
	Send(ev Event) error
	Alive() bool
}

// Deliverer is a Conn that can confirm a push reached the wire. Deliver
// blocks until the event is written, the connection dies or ctx ends.
type Deliverer interface {
	Deliver(ctx context.Context, ev Event) error
}

// PairKey identifies the user/persona pairing guarded by the agent lock.
type PairKey struct {
	UserID    uint64
	PersonaID uint64
}
