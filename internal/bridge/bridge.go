// Package bridge defines the contract with the component that speaks the
// actual messaging wire protocol. The rehydration engine depends only on
// this interface and the typed event channel; the whatsmeow adapter is one
// implementation.
package bridge

import (
	"context"

	"github.com/talkincode/warelay/internal/sessionstore"
)

// ConnectResult reports the outcome of a single connect attempt.
type ConnectResult struct {
	Success bool
	// LoggedOut means the network rejected the stored credentials outright;
	// retrying is pointless and the account needs a fresh pairing.
	LoggedOut bool
	Detail    string
}

// EventKind discriminates Event.
type EventKind string

const (
	EventDisconnected  EventKind = "disconnected"
	EventAuthenticated EventKind = "authenticated"
)

// Event is a typed notification emitted by the bridge onto its channel. The
// engine consumes these in its run loop instead of registering callbacks.
type Event struct {
	Kind      EventKind
	AccountID string
	Reason    string
}

// Client is the opaque messaging bridge. AttemptConnect must be safe to call
// concurrently for distinct accounts and must honour ctx cancellation.
type Client interface {
	AttemptConnect(ctx context.Context, accountID string, creds sessionstore.CredentialPayload) (ConnectResult, error)
	// Events yields disconnection and authentication notifications.
	Events() <-chan Event
	// Close releases wire resources. Subsequent AttemptConnect calls fail.
	Close() error
}
