// Package transport defines the contract between the core and the messaging
// network engine. The core never looks inside a connection; it only consumes
// the event stream and calls ListGroups/SendText/Close.
package transport

import "context"

type EventKind string

const (
	// EventPairing carries an opaque pairing artifact (e.g. a scannable
	// code) for a connection that is not yet authorized.
	EventPairing EventKind = "pairing"
	// EventOpened signals the connection is live.
	EventOpened EventKind = "opened"
	// EventClosed signals the connection dropped; Close says why.
	EventClosed EventKind = "closed"
)

type CloseReason struct {
	// LoggedOut means the credential set was explicitly invalidated.
	// Any other close is treated as a network drop.
	LoggedOut bool
	Err       error
}

type Event struct {
	Kind    EventKind
	Pairing []byte      // EventPairing only
	Close   CloseReason // EventClosed only
}

// Group is one contact group the account belongs to.
type Group struct {
	ID   string
	Name string
}

// Credentials identify the stored auth material for one account.
// The engine resolves and persists the material itself; the core treats
// it as opaque.
type Credentials struct {
	Tenant  string
	Account string
}

// Conn is one live (or opening) account connection.
//
// Events for a given Conn are delivered in order. The channel is closed
// once a terminal EventClosed has been delivered or Close is called.
type Conn interface {
	Events() <-chan Event
	ListGroups(ctx context.Context) ([]Group, error)
	SendText(ctx context.Context, recipient, text string) error
	// Close releases resources. Idempotent.
	Close() error
}

// Engine establishes connections to the messaging network.
type Engine interface {
	Open(ctx context.Context, creds Credentials) (Conn, error)
}
