// The game hosting protocol: game creation, listing browsing, and the
// three-party join handshake. A client binds its hosting connection to the
// identity it authenticated on the account protocol by presenting its LKEY.
package theater

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openplasma/plasma/internal/core"
	"github.com/openplasma/plasma/internal/core/client"
	"github.com/openplasma/plasma/internal/ident"
	"github.com/openplasma/plasma/internal/protocol"
	"github.com/openplasma/plasma/internal/registry"
)

// Stable error codes for the generic error reply. The legacy client UI
// branches on these values; never change them between releases.
const (
	errorCodeInternal = 99
	errorCodeNotFound = 100
	errorCodeTimeout  = 101
)

const activityTimeoutSecs = 240

// Server is the hosting protocol implementation for one title.
type Server struct {
	Name     string
	Config   *core.Config
	Title    core.TitleConfig
	Logger   *logrus.Logger
	Registry *registry.Registry
	IDs      *ident.Generator
}

func (s *Server) Identifier() string {
	return s.Name
}

func (s *Server) Init(_ context.Context) error {
	return nil
}

func (s *Server) SetUpClient(c *client.Client) {
	c.Partition = s.Title.Partition
}

func (s *Server) Handle(_ context.Context, c *client.Client, packet *protocol.Packet) error {
	switch packet.Type {
	case "CONN":
		return s.handleConnect(c, packet)
	case "USER":
		return s.handleUser(c, packet)
	case "CGAM":
		return s.handleCreateGame(c, packet)
	case "UGAM", "UGDE":
		return s.handleUpdateGame(c, packet)
	case "EGAM":
		return s.handleEnterGame(c, packet)
	case "EGRS":
		return s.handleEnterGameResponse(c, packet)
	case "LLST":
		return s.handleLobbyList(c, packet)
	case "GLST":
		return s.handleGameList(c, packet)
	case "GDAT":
		return s.handleGameData(c, packet)
	case "GDET":
		return s.handleGameDetail(c, packet)
	case "ECNL":
		return s.handleCancel(c, packet)
	case "RGAM":
		return s.handleRemoveGame(c, packet)
	case "PLVT":
		return s.handlePlayerLeft(c, packet)
	case "UBRA":
		return s.handleBracketedUpdate(c, packet)
	case "PING", "ECHO":
		return c.Send(newReply(packet))
	default:
		s.Logger.Infof("[%s] unknown operation %q from %s", s.Name, packet.Type, c.IPAddr())
		return nil
	}
}

// Disconnect removes the bound session. The registry cascade releases every
// listing, queued joiner, and connected-player entry the session touched.
func (s *Server) Disconnect(c *client.Client) {
	if c.Session != nil {
		s.Registry.RemoveSession(c.Session)
		c.Session = nil
	}
}

// newReply builds a response correlated to the request, echoing the body
// transaction id older client variants match on instead of the header id.
func newReply(request *protocol.Packet) *protocol.Packet {
	reply := protocol.NewResponse(request)
	if tid, ok := request.Lookup("TID"); ok {
		reply.Set("TID", tid)
	}
	return reply
}

// sendError answers with the generic error reply. Recoverable failures all
// funnel through here; only framing errors drop the connection.
func (s *Server) sendError(c *client.Client, request *protocol.Packet, code int64) error {
	reply := newReply(request)
	reply.SetInt("errorCode", code)
	return c.Send(reply)
}

// handleConnect answers the liveness preamble with a timestamp echo. No
// registry interaction.
func (s *Server) handleConnect(c *client.Client, packet *protocol.Packet) error {
	reply := newReply(packet)
	reply.SetInt("TIME", time.Now().Unix())
	reply.SetInt("activityTimeoutSecs", activityTimeoutSecs)
	reply.Set("PROT", packet.Get("PROT"))
	return c.Send(reply)
}

// handleUser binds this connection to the session holding the presented
// LKEY. Some client variants probe this path with bogus keys, so an unknown
// key gets a best-effort reply rather than an error.
func (s *Server) handleUser(c *client.Client, packet *protocol.Packet) error {
	session, err := s.Registry.PairHostingConnection(c, packet.Get("LKEY"))
	if err != nil {
		s.Logger.Warnf("[%s] %s presented unknown LKEY %q", s.Name, c.IPAddr(), packet.Get("LKEY"))
		reply := newReply(packet)
		reply.Set("NAME", "")
		return c.Send(reply)
	}

	c.Session = session
	s.Logger.Infof("[%s] paired hosting connection for %s (UID %d)", s.Name, session.OnlineID, session.UID)

	reply := newReply(packet)
	reply.Set("NAME", session.OnlineID)
	reply.SetInt("CID", session.UID)
	return c.Send(reply)
}

// handleCreateGame builds a listing owned by the caller from the request's
// attribute bag. The listing stays closed to joiners until the host reports
// a current level.
func (s *Server) handleCreateGame(c *client.Client, packet *protocol.Packet) error {
	if c.Session == nil {
		return s.sendError(c, packet, errorCodeNotFound)
	}

	attrs := packetAttributes(packet)
	// Record where the host can actually be reached; the values reported in
	// the body are behind whatever NAT the host sits behind.
	attrs["IP"] = c.IPAddr()
	if attrs["PORT"] == "" {
		attrs["PORT"] = c.Port()
	}

	listing := s.Registry.CreateListing(c.Session, packet.Get("NAME"), attrs)
	s.Logger.Infof("[%s] %s created game %d (%q)", s.Name, c.Session.OnlineID, listing.GID, listing.Name)

	reply := newReply(packet)
	reply.SetInt("LID", listing.LID)
	reply.SetInt("GID", listing.GID)
	reply.Set("MAX-PLAYERS", packet.Get("MAX-PLAYERS"))
	reply.Set("JOIN", packet.Get("JOIN"))
	reply.Set("UGID", packet.Get("UGID"))
	reply.Set("EKEY", s.IDs.NewSessionKey())
	reply.Set("SECRET", packet.Get("SECRET"))
	return c.Send(reply)
}

// handleUpdateGame merges attributes into the host's listing. Non-owner
// updates are silently ignored, matching the legacy server. No reply is
// sent; the client does not expect one.
func (s *Server) handleUpdateGame(c *client.Client, packet *protocol.Packet) error {
	if c.Session == nil {
		return nil
	}
	s.Registry.UpsertListingAttributes(packet.GetInt("GID"), c.Session.UID, packetAttributes(packet))
	return nil
}

// handleEnterGame runs the joiner side of the join handshake: wait for the
// target listing to open, take a slot, queue the join, and push the
// enter-game request to the host's connection.
func (s *Server) handleEnterGame(c *client.Client, packet *protocol.Packet) error {
	if c.Session == nil {
		return s.sendError(c, packet, errorCodeNotFound)
	}

	gid := packet.GetInt("GID")
	listing := s.Registry.GetListingByGID(c.Partition, gid)
	if listing == nil {
		return s.sendError(c, packet, errorCodeNotFound)
	}

	if listing.OwnerUID == c.Session.UID {
		return s.handleSelfJoin(c, packet, gid)
	}

	// Poll for the host to report a started match. The lock is only held
	// inside each re-fetch, never across the sleep.
	listing = s.waitForJoinableListing(c, gid)
	if listing == nil {
		return s.sendError(c, packet, errorCodeTimeout)
	}

	request, host, err := s.Registry.EnqueueJoin(c.Partition, gid, c.Session, packet.ID)
	if err != nil {
		return s.sendError(c, packet, errorCodeNotFound)
	}

	reply := newReply(packet)
	reply.SetInt("LID", listing.LID)
	reply.SetInt("GID", listing.GID)
	if err := c.Send(reply); err != nil {
		return err
	}

	egrq := protocol.NewPacket("EGRQ", protocol.SinglePacketRequest, 0)
	egrq.Set("NAME", c.Session.OnlineID)
	egrq.SetInt("UID", c.Session.UID)
	egrq.SetInt("PID", request.PID)
	egrq.SetInt("TICKET", s.IDs.NextTicket())
	egrq.Set("IP", c.IPAddr())
	egrq.Set("PORT", packet.Get("PORT"))
	egrq.Set("INT-IP", packet.Get("R-INT-IP"))
	egrq.Set("INT-PORT", packet.Get("R-INT-PORT"))
	egrq.SetInt("LID", listing.LID)
	egrq.SetInt("GID", listing.GID)

	if host.TheaterSender == nil || !host.TheaterSender.SendPacket(egrq) {
		s.Logger.Warnf("[%s] could not reach host %d for game %d", s.Name, host.UID, gid)
		return s.sendError(c, packet, errorCodeInternal)
	}
	return nil
}

// waitForJoinableListing re-fetches the listing until it opens, the host
// disappears, or the retry budget runs out. Returns nil on failure.
func (s *Server) waitForJoinableListing(c *client.Client, gid int64) *registry.GameServerListing {
	for attempt := 0; attempt < s.Config.Join.Attempts; attempt++ {
		listing := s.Registry.GetListingByGID(c.Partition, gid)
		if listing == nil {
			return nil
		}
		if listing.CanJoin {
			return listing
		}
		time.Sleep(s.Config.JoinWaitInterval())
	}
	return nil
}

// handleSelfJoin is the host entering its own game: no handshake, the slot
// is granted immediately.
func (s *Server) handleSelfJoin(c *client.Client, packet *protocol.Packet, gid int64) error {
	request, err := s.Registry.AdmitPlayer(c.Partition, gid, c.Session, packet.ID)
	if err != nil {
		return s.sendError(c, packet, errorCodeNotFound)
	}

	listing := s.Registry.GetListingByGID(c.Partition, gid)
	if listing == nil {
		return s.sendError(c, packet, errorCodeNotFound)
	}

	reply := newReply(packet)
	reply.SetInt("LID", listing.LID)
	reply.SetInt("GID", listing.GID)
	if err := c.Send(reply); err != nil {
		return err
	}
	return s.sendEnterGameGranted(c.Session, listing, request)
}

// handleEnterGameResponse is the host's accept/reject for the oldest queued
// join. On accept the joiner becomes a connected player and receives the
// granted message on its own hosting connection.
func (s *Server) handleEnterGameResponse(c *client.Client, packet *protocol.Packet) error {
	if c.Session == nil {
		return s.sendError(c, packet, errorCodeNotFound)
	}

	gid := packet.GetInt("GID")
	listing := s.Registry.GetListingByGID(c.Partition, gid)
	if listing == nil {
		return s.sendError(c, packet, errorCodeNotFound)
	}
	// Only the listing's owner answers joins. Anyone else gets the echo and
	// the queue is left alone, matching the legacy server.
	if listing.OwnerUID != c.Session.UID {
		return c.Send(newReply(packet))
	}

	request, ok := s.Registry.DequeueJoin(c.Partition, gid)
	if !ok {
		s.Logger.Warnf("[%s] %s answered a join for game %d with an empty queue", s.Name, c.Session.OnlineID, gid)
		return c.Send(newReply(packet))
	}

	allowed := packet.Get("ALLOWED") != "0"
	if allowed {
		s.Registry.ConfirmJoin(c.Partition, gid, request)

		if err := s.sendEnterGameGranted(request.Joiner, listing, request); err != nil {
			s.Logger.Warnf("[%s] error granting join to %d: %v", s.Name, request.Joiner.UID, err)
		}
	}
	// A rejected joiner gets nothing here; its own timeout path already
	// produced the generic error if it is still waiting.

	return c.Send(newReply(packet))
}

// sendEnterGameGranted pushes the final handshake message to the joiner's
// hosting connection, correlated to the joiner's original enter-game request.
func (s *Server) sendEnterGameGranted(joiner *registry.PlasmaSession, listing *registry.GameServerListing, request registry.JoinRequest) error {
	egeg := protocol.NewPacket("EGEG", protocol.SinglePacketRequest, request.CorrelationID)
	egeg.Set("PL", "ps3")
	egeg.SetInt("TICKET", s.IDs.NextTicket())
	egeg.SetInt("PID", request.PID)
	egeg.SetInt("HUID", listing.OwnerUID)
	egeg.Set("IP", listing.Attributes["IP"])
	egeg.Set("PORT", listing.Attributes["PORT"])
	egeg.Set("INT-IP", listing.Attributes["INT-IP"])
	egeg.Set("INT-PORT", listing.Attributes["INT-PORT"])
	egeg.SetInt("LID", listing.LID)
	egeg.SetInt("GID", listing.GID)

	if joiner.TheaterSender == nil || !joiner.TheaterSender.SendPacket(egeg) {
		return fmt.Errorf("joiner %d unreachable", joiner.UID)
	}
	return nil
}

func (s *Server) handleLobbyList(c *client.Client, packet *protocol.Packet) error {
	listings := s.Registry.ListListingsForPartition(c.Partition)

	reply := newReply(packet)
	reply.Set("NUM-LOBBIES", "1")
	if err := c.Send(reply); err != nil {
		return err
	}

	ldat := newReply(packet)
	ldat.Type = "LDAT"
	ldat.SetInt("LID", defaultLobbyID)
	ldat.Set("PASSING", "1")
	ldat.Set("NAME", c.Partition)
	ldat.Set("LOCALE", "en_US")
	ldat.Set("MAX-GAMES", "1000")
	ldat.Set("FAVORITE-GAMES", "0")
	ldat.Set("FAVORITE-PLAYERS", "0")
	ldat.SetInt("NUM-GAMES", int64(len(listings)))
	return c.Send(ldat)
}

// defaultLobbyID is the synthetic lobby every listing is browsed under. The
// clients treat lobbies as an opaque grouping and join by GID.
const defaultLobbyID = 1

func (s *Server) handleGameList(c *client.Client, packet *protocol.Packet) error {
	listings := s.Registry.ListListingsForPartition(c.Partition)

	reply := newReply(packet)
	reply.SetInt("LID", defaultLobbyID)
	reply.SetInt("LOBBY-NUM-GAMES", int64(len(listings)))
	reply.Set("LOBBY-MAX-GAMES", "1000")
	reply.Set("FAVORITE-GAMES", "0")
	reply.Set("FAVORITE-PLAYERS", "0")
	reply.SetInt("NUM-GAMES", int64(len(listings)))
	if err := c.Send(reply); err != nil {
		return err
	}

	for _, listing := range listings {
		if err := c.Send(s.gameDataPacket(packet, listing)); err != nil {
			return err
		}
	}
	return nil
}

// handleGameData describes one listing, followed by the per-slot detail
// fields the client expects.
func (s *Server) handleGameData(c *client.Client, packet *protocol.Packet) error {
	listing := s.Registry.GetListingByGID(c.Partition, packet.GetInt("GID"))
	if listing == nil {
		return s.sendError(c, packet, errorCodeNotFound)
	}

	if err := c.Send(s.gameDataPacket(packet, listing)); err != nil {
		return err
	}
	return c.Send(s.gameDetailPacket(packet, listing))
}

// handleGameDetail answers a direct per-slot detail request for one listing.
func (s *Server) handleGameDetail(c *client.Client, packet *protocol.Packet) error {
	listing := s.Registry.GetListingByGID(c.Partition, packet.GetInt("GID"))
	if listing == nil {
		return s.sendError(c, packet, errorCodeNotFound)
	}
	return c.Send(s.gameDetailPacket(packet, listing))
}

// gameDetailPacket exposes the per-slot player-data fields up to the
// declared player cap, stopping at the first missing slot.
func (s *Server) gameDetailPacket(request *protocol.Packet, listing *registry.GameServerListing) *protocol.Packet {
	gdet := newReply(request)
	gdet.Type = "GDET"
	gdet.SetInt("LID", listing.LID)
	gdet.SetInt("GID", listing.GID)
	gdet.Set("UGID", listing.Attributes["UGID"])

	maxPlayers := attributeInt(listing, "MAX-PLAYERS")
	for slot := int64(0); slot < maxPlayers; slot++ {
		key := fmt.Sprintf("D-pdat%02d", slot)
		value, ok := listing.Attributes[key]
		if !ok {
			break
		}
		gdet.Set(key, value)
	}
	return gdet
}

// gameDataPacket renders a listing the way the browse screens expect it:
// fixed identity fields first, then the host-reported B-* attributes.
func (s *Server) gameDataPacket(request *protocol.Packet, listing *registry.GameServerListing) *protocol.Packet {
	gdat := newReply(request)
	gdat.Type = "GDAT"
	gdat.SetInt("LID", listing.LID)
	gdat.SetInt("GID", listing.GID)
	gdat.Set("N", listing.Name)
	gdat.SetInt("HU", listing.OwnerUID)
	gdat.Set("HN", s.hostName(listing))
	gdat.Set("I", listing.Attributes["IP"])
	gdat.Set("P", listing.Attributes["PORT"])
	gdat.Set("J", listing.Attributes["JOIN"])
	gdat.Set("JP", boolAttr(listing.CanJoin))
	gdat.Set("MP", listing.Attributes["MAX-PLAYERS"])
	gdat.SetInt("AP", int64(len(listing.ConnectedPlayers)))
	gdat.SetInt("QP", int64(len(listing.JoinQueue)))
	gdat.Set("PL", "ps3")
	gdat.Set("TYPE", listing.Attributes["TYPE"])

	for _, key := range sortedAttributeKeys(listing) {
		gdat.Set(key, listing.Attributes[key])
	}
	return gdat
}

func (s *Server) hostName(listing *registry.GameServerListing) string {
	if host := s.Registry.FindSessionByUID(listing.OwnerUID); host != nil {
		return host.OnlineID
	}
	return ""
}

// handleCancel is the joiner leaving a game (or abandoning a pending join).
func (s *Server) handleCancel(c *client.Client, packet *protocol.Packet) error {
	if c.Session != nil {
		s.Registry.RemovePlayer(c.Partition, packet.GetInt("GID"), c.Session.UID)
	}

	reply := newReply(packet)
	reply.SetInt("LID", packet.GetInt("LID"))
	reply.SetInt("GID", packet.GetInt("GID"))
	return c.Send(reply)
}

// handleRemoveGame removes the caller's listing. Non-owner removals are
// silently ignored, matching the legacy server.
func (s *Server) handleRemoveGame(c *client.Client, packet *protocol.Packet) error {
	if c.Session != nil {
		listing := s.Registry.GetListingByGID(c.Partition, packet.GetInt("GID"))
		if listing != nil && listing.OwnerUID == c.Session.UID {
			s.Registry.RemoveListing(listing)
			s.Logger.Infof("[%s] %s removed game %d", s.Name, c.Session.OnlineID, listing.GID)
		}
	}
	return c.Send(newReply(packet))
}

// handlePlayerLeft is the host acknowledging that a player slot emptied.
// Only the listing's owner can evict; anyone else just gets the echo.
func (s *Server) handlePlayerLeft(c *client.Client, packet *protocol.Packet) error {
	if c.Session != nil {
		gid := packet.GetInt("GID")
		listing := s.Registry.GetListingByGID(c.Partition, gid)
		if listing != nil && listing.OwnerUID == c.Session.UID {
			s.Registry.RemovePlayerByPID(c.Partition, gid, packet.GetInt("PID"))
		}
	}
	return c.Send(newReply(packet))
}

// handleBracketedUpdate reproduces the bracketed multi-reply quirk: a start
// marker banks two pending replies (cumulative across overlapping starts)
// and the matching non-start call drains all of them, ids counted backwards
// from the triggering request. The legacy client correlates these replies by
// id sequence, so the arithmetic must hold exactly.
func (s *Server) handleBracketedUpdate(c *client.Client, packet *protocol.Packet) error {
	if packet.Get("START") == "1" {
		c.BatchedReplies += 2
		return nil
	}

	pending := c.BatchedReplies
	if pending == 0 {
		return nil
	}
	c.BatchedReplies = 0

	base := packet.ID - uint32(pending/2)
	for i := 0; i < pending; i++ {
		reply := protocol.NewPacket("UBRA", protocol.SinglePacketResponse, base+uint32(i))
		reply.SetInt("TID", int64(base+uint32(i)))
		if err := c.Send(reply); err != nil {
			return err
		}
	}
	return nil
}

// packetAttributes copies the request body into an attribute bag. The
// registry drops the transport-local keys.
func packetAttributes(packet *protocol.Packet) map[string]string {
	attrs := make(map[string]string, packet.Len())
	for _, key := range packet.Keys() {
		attrs[key] = packet.Get(key)
	}
	return attrs
}

func attributeInt(listing *registry.GameServerListing, key string) int64 {
	value, _ := strconv.ParseInt(listing.Attributes[key], 10, 64)
	return value
}

func boolAttr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// sortedAttributeKeys returns the host-reported B-* attribute keys in a
// stable order.
func sortedAttributeKeys(listing *registry.GameServerListing) []string {
	var keys []string
	for key := range listing.Attributes {
		if strings.HasPrefix(key, "B-") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
