// Package client wraps a single accepted connection with the send side of
// the wire protocol.
package client

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/openplasma/plasma/internal/protocol"
	"github.com/openplasma/plasma/internal/registry"
)

// Client represents one physical connection from a game client. A player has
// up to two of these, one per protocol.
type Client struct {
	connection net.Conn
	ipAddr     string
	port       string

	// sendMu serializes writers; cross-connection pushes may come from any
	// goroutine.
	sendMu sync.Mutex
	closed bool

	// Session is the authenticated player bound to this connection, nil
	// until login (account protocol) or LKEY pairing (hosting protocol).
	Session *registry.PlasmaSession

	// Partition is the game+platform partition served by the port this
	// connection arrived on.
	Partition string

	// BatchedReplies counts replies owed for the bracketed multi-reply
	// quirk on the hosting protocol.
	BatchedReplies int

	// Debug enables packet logging for this connection.
	Debug bool
}

func NewClient(connection net.Conn) *Client {
	addr := connection.RemoteAddr().String()
	ipAddr, port := addr, ""
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		ipAddr, port = addr[:idx], addr[idx+1:]
	}

	return &Client{
		connection: connection,
		ipAddr:     ipAddr,
		port:       port,
	}
}

func (c *Client) IPAddr() string { return c.ipAddr }
func (c *Client) Port() string   { return c.port }

// Read consumes the available bytes directly from the client's connection.
func (c *Client) Read(b []byte) (int, error) {
	return c.connection.Read(b)
}

// Close the connection. Pending SendPacket calls fail once this returns.
func (c *Client) Close() error {
	c.sendMu.Lock()
	c.closed = true
	c.sendMu.Unlock()
	return c.connection.Close()
}

// Send encodes packet and writes it to the connection, splitting oversized
// bodies into multi-packet response frames.
func (c *Client) Send(packet *protocol.Packet) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return fmt.Errorf("connection to %s is closed", c.ipAddr)
	}

	for _, frame := range protocol.EncodeResponse(packet) {
		if err := c.transmit(frame); err != nil {
			return err
		}
	}
	return nil
}

// SendPacket is the capability handed to the registry for cross-connection
// pushes. A failed send reports false; the disconnect cleanup path owns the
// actual teardown.
func (c *Client) SendPacket(packet *protocol.Packet) bool {
	return c.Send(packet) == nil
}

// transmit writes the frame to the connection until all bytes are written.
func (c *Client) transmit(frame []byte) error {
	sent := 0
	for sent < len(frame) {
		n, err := c.connection.Write(frame[sent:])
		if err != nil {
			return fmt.Errorf("failed to send to client %v: %w", c.ipAddr, err)
		}
		sent += n
	}
	return nil
}

var _ registry.PacketSender = (*Client)(nil)
