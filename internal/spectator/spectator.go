// Package spectator names the UDP spectator-client collaborator (§6):
// attach/detach notifications, a broadcast-print entry point, and a
// callback to send STRINGCMD on behalf of a client. Spectator-client
// management and UDP reconnection are out of scope (§1) — this package
// only defines the interface Channel holds its attached list through.
package spectator

// Client is one spectator attached to a Channel.
type Client interface {
	// ID uniquely identifies this client for rate-limiting and dedupe
	// (internal/ratelimit keys its STRINGCMD throttle on this).
	ID() string
	// Print delivers a broadcast message to the client (server
	// messages, errors, channel lifecycle notices).
	Print(msg string)
}

// Registry tracks the clients currently attached to a Channel. Channel
// itself only needs Attach/Detach/Broadcast; a fuller UDP client manager
// living outside this module can implement Registry directly, or a
// caller can use the List-backed default below for tests and the
// standalone CLI tools.
type Registry interface {
	Attach(c Client)
	Detach(id string)
	Broadcast(msg string)
	Clients() []Client
}

// List is a minimal slice-backed Registry, sufficient for the core's own
// tests and for single-process uses where no richer UDP client manager
// is attached.
type List struct {
	clients []Client
}

// NewList returns an empty spectator Registry.
func NewList() *List { return &List{} }

func (l *List) Attach(c Client) { l.clients = append(l.clients, c) }

func (l *List) Detach(id string) {
	out := l.clients[:0]
	for _, c := range l.clients {
		if c.ID() != id {
			out = append(out, c)
		}
	}
	l.clients = out
}

func (l *List) Broadcast(msg string) {
	for _, c := range l.clients {
		c.Print(msg)
	}
}

func (l *List) Clients() []Client {
	return append([]Client(nil), l.clients...)
}
