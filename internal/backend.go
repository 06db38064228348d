package internal

import (
	"context"

	"github.com/openplasma/plasma/internal/core/client"
	"github.com/openplasma/plasma/internal/protocol"
)

// Backend is an interface for a sub-server that handles one of the two wire
// protocols on its own port.
type Backend interface {
	// Identifier returns a uniquely identifying string for logs.
	Identifier() string

	// Init is called before a Backend is started as a hook for the Backend to
	// perform any necessary initialization before it can accept clients.
	Init(ctx context.Context) error

	// SetUpClient performs any initialization on the Client needed to be able
	// to begin the session, such as stamping the partition served by this
	// listener.
	SetUpClient(c *client.Client)

	// Handle is the main entry point for processing client packets. The
	// frontend has already framed and decoded the packet; Handle owns any
	// replies, including pushes to other clients' connections.
	Handle(ctx context.Context, c *client.Client, packet *protocol.Packet) error

	// Disconnect is called exactly once when the client's connection goes
	// away, however that happens. Registry teardown lives here.
	Disconnect(c *client.Client)
}
