package fesl

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openplasma/plasma/internal/core"
	"github.com/openplasma/plasma/internal/core/client"
	"github.com/openplasma/plasma/internal/ident"
	"github.com/openplasma/plasma/internal/protocol"
	"github.com/openplasma/plasma/internal/registry"
)

// staticTickets stands in for the platform ticket decoder.
type staticTickets struct {
	name string
	err  error
}

func (s staticTickets) Decode(string) (string, error) { return s.name, s.err }

func newTestServer(t *testing.T, tickets staticTickets) *Server {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &core.Config{ExternalIP: "203.0.113.9"}
	ids := ident.NewGenerator()

	s := &Server{
		Name:     "fesl:test",
		Config:   cfg,
		Title:    core.TitleConfig{Name: "test", Partition: "example/ps3", TheaterPort: 18805},
		Logger:   logger,
		Registry: registry.New(ids),
		IDs:      ids,
		Tickets:  tickets,
	}
	require.NoError(t, s.Init(context.Background()))
	return s
}

func newTestClient(t *testing.T, s *Server) (*client.Client, <-chan *protocol.Packet) {
	t.Helper()

	server, peer := net.Pipe()
	c := client.NewClient(server)
	s.SetUpClient(c)
	t.Cleanup(func() {
		c.Close()
		peer.Close()
	})

	packets := make(chan *protocol.Packet, 32)
	go func() {
		defer close(packets)
		for {
			header := make([]byte, protocol.HeaderSize)
			if _, err := io.ReadFull(peer, header); err != nil {
				return
			}
			length, ok := protocol.FrameLength(header)
			if !ok {
				return
			}
			frame := make([]byte, length)
			copy(frame, header)
			if _, err := io.ReadFull(peer, frame[protocol.HeaderSize:]); err != nil {
				return
			}
			packet, _, err := protocol.Decode(frame)
			if err != nil {
				return
			}
			packets <- packet
		}
	}()
	return c, packets
}

func recv(t *testing.T, packets <-chan *protocol.Packet) *protocol.Packet {
	t.Helper()
	select {
	case packet, ok := <-packets:
		require.True(t, ok, "connection closed before expected packet arrived")
		return packet
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a packet")
		return nil
	}
}

func assertNoPacket(t *testing.T, packets <-chan *protocol.Packet) {
	t.Helper()
	select {
	case packet := <-packets:
		t.Fatalf("unexpected packet %s TXN=%s", packet.Type, packet.Get("TXN"))
	case <-time.After(50 * time.Millisecond):
	}
}

func login(t *testing.T, s *Server, c *client.Client, packets <-chan *protocol.Packet) *registry.PlasmaSession {
	t.Helper()

	req := protocol.NewPacket("acct", protocol.SinglePacketRequest, 2)
	req.Set("TXN", "NuPS3Login")
	req.Set("ticket", "ignored")
	require.NoError(t, s.Handle(context.Background(), c, req))

	reply := recv(t, packets)
	require.Empty(t, reply.Get("errorCode"))
	require.NotNil(t, c.Session)
	return c.Session
}

func TestHandle_PingEchoed(t *testing.T) {
	s := newTestServer(t, staticTickets{name: "player"})
	c, packets := newTestClient(t, s)

	ping := protocol.NewPacket("fsys", protocol.Ping, 0)
	require.NoError(t, s.Handle(context.Background(), c, ping))

	reply := recv(t, packets)
	assert.Equal(t, "fsys", reply.Type)
	assert.Equal(t, uint32(protocol.Ping), reply.TransmissionType)
}

func TestHandleHello(t *testing.T) {
	s := newTestServer(t, staticTickets{name: "player"})
	c, packets := newTestClient(t, s)

	hello := protocol.NewPacket("fsys", protocol.SinglePacketRequest, 1)
	hello.Set("TXN", "Hello")
	hello.Set("clientString", "bfbc2-ps3")
	require.NoError(t, s.Handle(context.Background(), c, hello))

	reply := recv(t, packets)
	assert.Equal(t, "Hello", reply.Get("TXN"))
	assert.Equal(t, uint32(1), reply.ID)
	assert.Equal(t, "example", reply.Get("domainPartition.domain"))
	assert.Equal(t, "ps3", reply.Get("domainPartition.subDomain"))
	assert.Equal(t, "203.0.113.9", reply.Get("theaterIp"))
	assert.Equal(t, int64(18805), reply.GetInt("theaterPort"))

	memCheck := recv(t, packets)
	assert.Equal(t, "MemCheck", memCheck.Get("TXN"))
	assert.Equal(t, uint32(0), memCheck.ID, "server-initiated probes use id 0")
}

func TestTicketLogin(t *testing.T) {
	s := newTestServer(t, staticTickets{name: "soldier01"})
	c, packets := newTestClient(t, s)

	req := protocol.NewPacket("acct", protocol.SinglePacketRequest, 3)
	req.Set("TXN", "NuPS3Login")
	req.Set("ticket", "raw-ticket-bytes")
	require.NoError(t, s.Handle(context.Background(), c, req))

	reply := recv(t, packets)
	assert.Equal(t, "NuPS3Login", reply.Get("TXN"))
	assert.Equal(t, "soldier01", reply.Get("personaName"))
	assert.NotEmpty(t, reply.Get("lkey"))
	assert.Equal(t, reply.GetInt("userId"), reply.GetInt("profileId"))

	session := s.Registry.FindSessionByLKey(reply.Get("lkey"))
	require.NotNil(t, session)
	assert.Equal(t, "soldier01", session.OnlineID)
	assert.Equal(t, "example/ps3", session.Partition)
}

func TestTicketLogin_Rejected(t *testing.T) {
	s := newTestServer(t, staticTickets{err: errInvalidTicket})
	c, packets := newTestClient(t, s)

	req := protocol.NewPacket("acct", protocol.SinglePacketRequest, 4)
	req.Set("TXN", "NuPS3Login")
	req.Set("ticket", "garbage")
	require.NoError(t, s.Handle(context.Background(), c, req))

	reply := recv(t, packets)
	assert.Equal(t, int64(loginErrorCode), reply.GetInt("errorCode"))
	assert.NotEmpty(t, reply.Get("localizedMessage"))
	assert.Nil(t, c.Session)
}

var errInvalidTicket = errTicket("invalid ticket")

type errTicket string

func (e errTicket) Error() string { return string(e) }

func TestCredentialLogin_NoDatabaseRejects(t *testing.T) {
	s := newTestServer(t, staticTickets{})
	c, packets := newTestClient(t, s)

	req := protocol.NewPacket("acct", protocol.SinglePacketRequest, 5)
	req.Set("TXN", "NuLogin")
	req.Set("nuid", "user@example.com")
	req.Set("password", "hunter2")
	require.NoError(t, s.Handle(context.Background(), c, req))

	reply := recv(t, packets)
	assert.Equal(t, int64(loginErrorCode), reply.GetInt("errorCode"))
}

func TestReloginSupersedesPreviousSession(t *testing.T) {
	s := newTestServer(t, staticTickets{name: "player"})
	c, packets := newTestClient(t, s)

	first := login(t, s, c, packets)
	second := login(t, s, c, packets)

	assert.NotEqual(t, first.UID, second.UID)
	assert.Nil(t, s.Registry.FindSessionByUID(first.UID), "the superseded session must be gone")
	assert.NotNil(t, s.Registry.FindSessionByUID(second.UID))
}

func TestHandle_UnknownTransactionIgnored(t *testing.T) {
	s := newTestServer(t, staticTickets{name: "player"})
	c, packets := newTestClient(t, s)

	req := protocol.NewPacket("acct", protocol.SinglePacketRequest, 6)
	req.Set("TXN", "NuXBL360Login")
	require.NoError(t, s.Handle(context.Background(), c, req))
	assertNoPacket(t, packets)
}

func TestHandleGetStats(t *testing.T) {
	s := newTestServer(t, staticTickets{name: "player"})
	c, packets := newTestClient(t, s)
	login(t, s, c, packets)

	req := protocol.NewPacket("acct", protocol.SinglePacketRequest, 7)
	req.Set("TXN", "GetStats")
	req.Set("keys.0", "accuracy")
	req.Set("keys.1", "kills")
	req.Set("keys.[]", "2")
	require.NoError(t, s.Handle(context.Background(), c, req))

	reply := recv(t, packets)
	assert.Equal(t, "accuracy", reply.Get("stats.0.key"))
	assert.Equal(t, "0.0", reply.Get("stats.0.value"))
	assert.Equal(t, "kills", reply.Get("stats.1.key"))
	assert.Equal(t, int64(2), reply.GetInt("stats.[]"))

	// The cached block is replayed under the new request's id.
	again := req.WithID(8)
	require.NoError(t, s.Handle(context.Background(), c, again))
	cached := recv(t, packets)
	assert.Equal(t, uint32(8), cached.ID)
	assert.Equal(t, "accuracy", cached.Get("stats.0.key"))
}

func TestHandleGetStats_DistinctKeySetsNotShared(t *testing.T) {
	s := newTestServer(t, staticTickets{name: "player"})
	c, packets := newTestClient(t, s)
	login(t, s, c, packets)

	first := protocol.NewPacket("acct", protocol.SinglePacketRequest, 7)
	first.Set("TXN", "GetStats")
	first.Set("keys.0", "kills")
	first.Set("keys.[]", "1")
	require.NoError(t, s.Handle(context.Background(), c, first))
	assert.Equal(t, "kills", recv(t, packets).Get("stats.0.key"))

	// Same key count, different key name. The first reply must not be
	// replayed for it.
	second := protocol.NewPacket("acct", protocol.SinglePacketRequest, 8)
	second.Set("TXN", "GetStats")
	second.Set("keys.0", "deaths")
	second.Set("keys.[]", "1")
	require.NoError(t, s.Handle(context.Background(), c, second))
	assert.Equal(t, "deaths", recv(t, packets).Get("stats.0.key"))
}

func TestHandlePlayNow(t *testing.T) {
	s := newTestServer(t, staticTickets{name: "player"})
	c, packets := newTestClient(t, s)
	session := login(t, s, c, packets)

	req := protocol.NewPacket("pnow", protocol.SinglePacketRequest, 9)
	req.Set("TXN", "Start")

	t.Run("no joinable games", func(t *testing.T) {
		require.NoError(t, s.Handle(context.Background(), c, req))

		start := recv(t, packets)
		assert.Equal(t, "Start", start.Get("TXN"))
		assert.Equal(t, "example/ps3", start.Get("id.partition"))

		status := recv(t, packets)
		assert.Equal(t, "Status", status.Get("TXN"))
		assert.Equal(t, "NOSERVER", status.Get("props.{resultType}"))
	})

	t.Run("joinable game exists", func(t *testing.T) {
		listing := s.Registry.CreateListing(session, "g", map[string]string{})
		s.Registry.UpsertListingAttributes(listing.GID, session.UID, map[string]string{"B-U-level": "lvl"})

		require.NoError(t, s.Handle(context.Background(), c, req))
		recv(t, packets) // Start ack

		status := recv(t, packets)
		assert.Equal(t, "JOIN", status.Get("props.{resultType}"))
		assert.Equal(t, listing.GID, status.GetInt("props.{games}.0.gid"))
	})
}

func TestHandleGoodbye(t *testing.T) {
	s := newTestServer(t, staticTickets{name: "player"})
	c, packets := newTestClient(t, s)
	session := login(t, s, c, packets)

	req := protocol.NewPacket("fsys", protocol.SinglePacketRequest, 10)
	req.Set("TXN", "Goodbye")
	require.NoError(t, s.Handle(context.Background(), c, req))

	assert.Nil(t, c.Session)
	assert.Nil(t, s.Registry.FindSessionByUID(session.UID))
}
