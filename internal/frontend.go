package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openplasma/plasma/internal/core"
	"github.com/openplasma/plasma/internal/core/client"
	coredebug "github.com/openplasma/plasma/internal/core/debug"
	"github.com/openplasma/plasma/internal/protocol"
)

// frontend implements the concurrent client connection logic.
//
// Frames are read from any connected clients and passed to a backend
// instance, abstracting the lower level connection details away from the
// Backends.
type frontend struct {
	Address string
	Backend Backend
	Config  *core.Config
	Logger  *logrus.Logger

	connectedClients *clientList
}

// Start initializes the server backend and opens a TCP socket for the specified server.
// A blocking loop for accepting client connections is spun off in its own goroutine and
// added to the WaitGroup. Context cancellations will stop the server.
func (f *frontend) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if err := f.Backend.Init(ctx); err != nil {
		return fmt.Errorf("error initializing %s server: %w", f.Backend.Identifier(), err)
	}

	socket, err := f.createSocket()
	if err != nil {
		return fmt.Errorf("error creating socket on %s: %w", f.Address, err)
	}

	wg.Add(1)
	go f.startBlockingLoop(ctx, socket, wg)

	return nil
}

// createSocket opens a TCP socket to listen for client connections on the
// Address provided to the frontend.
func (f *frontend) createSocket() (*net.TCPListener, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", f.Address)
	if err != nil {
		return nil, fmt.Errorf("error resolving address: %w", err)
	}

	socket, err := net.ListenTCP("tcp", hostAddr)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket: %w", err)
	}

	return socket, nil
}

// startBlockingLoop implements a connection handling loop that's purely responsible for
// accepting new connections and spinning off goroutines for the Backend to handle them.
func (f *frontend) startBlockingLoop(ctx context.Context, socket *net.TCPListener, wg *sync.WaitGroup) {
	defer wg.Done()

	f.Logger.Infof("[%s] waiting for connections on %v", f.Backend.Identifier(), f.Address)

	connections := make(chan net.Conn)
	go func() {
		for {
			// Poll until we can accept more clients.
			for f.connectedClients.len() >= f.Config.MaxConnections {
				time.Sleep(10 * time.Second)
			}

			connection, err := socket.AcceptTCP()
			if err != nil {
				// The handle loop closes the socket on shutdown; that is
				// this goroutine's signal to stop.
				if errors.Is(err, net.ErrClosed) {
					return
				}
				f.Logger.Warnf("failed to accept connection: %s", err.Error())
				continue
			}

			connections <- connection
		}
	}()

	clientWg := &sync.WaitGroup{}
handleLoop:
	for {
		select {
		case <-ctx.Done():
			_ = socket.Close()
			break handleLoop
		case connection := <-connections:
			clientWg.Add(1)
			go f.acceptClient(ctx, connection, clientWg)
		}
	}

	f.Logger.Infof("[%v] shutting down (waiting for connections to close)", f.Backend.Identifier())
	clientWg.Wait()
	f.Logger.Infof("[%v] exited", f.Backend.Identifier())
}

// acceptClient takes a connection, sets up the Client, and moves the
// goroutine into the frame processing loop.
func (f *frontend) acceptClient(ctx context.Context, connection net.Conn, wg *sync.WaitGroup) {
	defer wg.Done()

	c := client.NewClient(connection)
	c.Debug = f.Config.Debugging.PacketLoggingEnabled
	f.Backend.SetUpClient(c)

	f.Logger.Infof("[%s] accepted connection from %s", f.Backend.Identifier(), c.IPAddr())

	f.connectedClients.add(c)
	f.processFrames(ctx, c)
}

// processFrames starts a blocking loop dedicated to reading frames sent from
// a game client and only returns once the connection has closed.
func (f *frontend) processFrames(ctx context.Context, c *client.Client) {
	defer f.closeConnectionAndRecover(c)

	for {
		select {
		case <-ctx.Done():
			// Allow the deferred function to close the connection.
			return
		default:
		}

		packet, err := f.readNextFrame(c)
		if err == io.EOF {
			break
		} else if err != nil {
			// Framing errors are unrecoverable since the stream can't be
			// resynchronized; everything else has already been logged.
			f.Logger.Warnf("[%s] dropping %s: %v", f.Backend.Identifier(), c.IPAddr(), err)
			break
		}

		if c.Debug {
			f.Logger.Debugf("[%s] received from %s:\n%s",
				f.Backend.Identifier(), c.IPAddr(), coredebug.DumpPacket(packet))
		}

		if err = f.Backend.Handle(ctx, c, packet); err != nil {
			f.Logger.Warnf("error in client communication: %s", err)
			return
		}
	}
}

// closeConnectionAndRecover is the failsafe that catches any panics,
// disconnects the client, and runs the backend teardown exactly once
// regardless of the state of the connection.
func (f *frontend) closeConnectionAndRecover(c *client.Client) {
	if err := recover(); err != nil {
		f.Logger.Errorf("error in client communication with %s: error=%s, trace: %s",
			c.IPAddr(), err, debug.Stack())
	}

	if err := c.Close(); err != nil {
		f.Logger.Warnf("failed to close client connection: %s", err)
	}

	f.Backend.Disconnect(c)
	f.connectedClients.remove(c)

	f.Logger.Infof("[%s] disconnected client %s", f.Backend.Identifier(), c.IPAddr())
}

// maxInboundFrameLength caps the buffer allocated from a frame's declared
// length. Inbound bodies top out around the multi-packet chunk size, so
// anything this large is a hostile or corrupt stream, not a real client.
const maxInboundFrameLength = 16 * protocol.MultiPacketThreshold

// readNextFrame is a blocking call that only returns once the client has
// sent a complete frame. A read that delivers bytes belonging to a following
// frame never happens here since reads are sized from the declared length.
func (f *frontend) readNextFrame(c *client.Client) (*protocol.Packet, error) {
	header := make([]byte, protocol.HeaderSize)
	if err := f.readDataFromClient(c, header); err != nil {
		return nil, err
	}

	length, _ := protocol.FrameLength(header)
	if length < protocol.HeaderSize {
		return nil, &protocol.FramingError{Message: fmt.Sprintf("declared length %d shorter than header", length)}
	}
	if length > maxInboundFrameLength {
		return nil, &protocol.FramingError{Message: fmt.Sprintf("declared length %d exceeds limit %d", length, maxInboundFrameLength)}
	}

	frame := make([]byte, length)
	copy(frame, header)
	if err := f.readDataFromClient(c, frame[protocol.HeaderSize:]); err != nil {
		return nil, err
	}

	packet, _, err := protocol.Decode(frame)
	return packet, err
}

func (f *frontend) readDataFromClient(c *client.Client, buffer []byte) error {
	received := 0

	for received < len(buffer) {
		bytesRead, err := c.Read(buffer[received:])
		received += bytesRead

		if bytesRead == 0 || err == io.EOF {
			return io.EOF
		} else if err != nil {
			return errors.New("socket error (" + c.IPAddr() + ") " + err.Error())
		}
	}

	return nil
}
