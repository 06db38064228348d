// The account/presence protocol: login, persona selection, presence, and
// account queries. Clients authenticate here first and receive the LKEY that
// their hosting connection later presents to be paired under the same
// identity.
package fesl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/openplasma/plasma/internal/core"
	"github.com/openplasma/plasma/internal/core/auth"
	"github.com/openplasma/plasma/internal/core/client"
	"github.com/openplasma/plasma/internal/core/data"
	"github.com/openplasma/plasma/internal/ident"
	"github.com/openplasma/plasma/internal/protocol"
	"github.com/openplasma/plasma/internal/registry"
)

// Error code the legacy client maps to its "user not found" dialog. The
// client UI branches on this value, so it must never change.
const loginErrorCode = 101

const timestampFormat = "Jan-02-2006 15:04:05 MST"

// Server is the account/presence protocol implementation for one title.
type Server struct {
	Name     string
	Config   *core.Config
	Title    core.TitleConfig
	Logger   *logrus.Logger
	Registry *registry.Registry
	IDs      *ident.Generator

	// Tickets decodes platform login tickets into verified online ids.
	Tickets auth.TicketDecoder
	// DB backs the credential login variant; nil disables it.
	DB *gorm.DB
	// Recorder receives fire-and-forget login metrics.
	Recorder *data.Recorder

	cache *Cache
}

func (s *Server) Identifier() string {
	return s.Name
}

func (s *Server) Init(_ context.Context) error {
	s.cache = NewCache()
	return nil
}

func (s *Server) SetUpClient(c *client.Client) {
	c.Partition = s.Title.Partition
}

// Handle dispatches one decoded frame. Replies are correlated by echoing the
// request's type tag and id; server-initiated pushes use id 0.
func (s *Server) Handle(_ context.Context, c *client.Client, packet *protocol.Packet) error {
	if packet.TransmissionType == protocol.Ping {
		return c.Send(protocol.NewPacket(packet.Type, protocol.Ping, packet.ID))
	}

	if packet.Type == "pnow" {
		return s.handlePlayNow(c, packet)
	}

	txn := packet.Get("TXN")
	switch txn {
	case "Hello":
		return s.handleHello(c, packet)
	case "MemCheck":
		// Liveness echo from the client; tracked by the supervisor, not here.
		return nil
	case "NuPS3Login":
		return s.handleTicketLogin(c, packet)
	case "NuLogin":
		return s.handleCredentialLogin(c, packet)
	case "NuGetPersonas":
		return s.handleGetPersonas(c, packet)
	case "NuLoginPersona":
		return s.handleLoginPersona(c, packet)
	case "NuLookupUserInfo":
		return s.handleLookupUserInfo(c, packet)
	case "GetAssociations":
		return s.handleGetAssociations(c, packet)
	case "PresenceSubscribe":
		return s.handlePresenceSubscribe(c, packet)
	case "SetPresenceStatus":
		return s.sendBareAck(c, packet, txn)
	case "GetStats":
		return s.handleGetStats(c, packet)
	case "NuGetEntitlements":
		return s.handleGetEntitlements(c, packet)
	case "GetMessages":
		return s.handleGetMessages(c, packet)
	case "GetPingSites":
		return s.handleGetPingSites(c, packet)
	case "Goodbye":
		s.Disconnect(c)
		return nil
	default:
		s.Logger.Infof("[%s] unknown transaction %q from %s", s.Name, txn, c.IPAddr())
		return nil
	}
}

// Disconnect tears down the registry state for this connection. Safe to call
// repeatedly; RemoveSession is idempotent.
func (s *Server) Disconnect(c *client.Client) {
	if c.Session != nil {
		s.Registry.RemoveSession(c.Session)
		c.Session = nil
	}
}

// handleHello describes the session's partition and the address of the
// paired hosting service, then proactively probes the client with a MemCheck.
// Clients re-send Hello on reconnect screens, so it is re-handleable at any
// point.
func (s *Server) handleHello(c *client.Client, packet *protocol.Packet) error {
	domain, subDomain := splitPartition(s.Title.Partition)

	reply := protocol.NewResponse(packet)
	reply.Set("TXN", "Hello")
	reply.Set("domainPartition.domain", domain)
	reply.Set("domainPartition.subDomain", subDomain)
	reply.Set("curTime", time.Now().UTC().Format(timestampFormat))
	reply.Set("theaterIp", s.Config.AdvertisedHost())
	reply.SetInt("theaterPort", int64(s.Title.TheaterPort))
	reply.Set("messengerIp", s.Config.AdvertisedHost())
	reply.SetInt("messengerPort", 0)
	reply.SetInt("activityTimeoutSecs", 0)
	if err := c.Send(reply); err != nil {
		return err
	}

	memCheck := protocol.NewPacket(packet.Type, protocol.SinglePacketRequest, 0)
	memCheck.Set("TXN", "MemCheck")
	memCheck.Set("memcheck.[]", "0")
	memCheck.Set("type", "0")
	memCheck.SetInt("salt", s.IDs.NextTicket())
	return c.Send(memCheck)
}

func (s *Server) handleTicketLogin(c *client.Client, packet *protocol.Packet) error {
	onlineID, err := s.Tickets.Decode(packet.Get("ticket"))
	if err != nil {
		s.Logger.Infof("[%s] rejected ticket login from %s: %v", s.Name, c.IPAddr(), err)
		return s.sendLoginError(c, packet, err)
	}

	return s.completeLogin(c, packet, onlineID)
}

func (s *Server) handleCredentialLogin(c *client.Client, packet *protocol.Packet) error {
	if s.DB == nil {
		return s.sendLoginError(c, packet, auth.ErrInvalidCredentials)
	}

	account, err := auth.VerifyAccount(s.DB, packet.Get("nuid"), packet.Get("password"))
	if err != nil {
		s.Logger.Infof("[%s] rejected credential login for %q from %s: %v",
			s.Name, packet.Get("nuid"), c.IPAddr(), err)
		return s.sendLoginError(c, packet, err)
	}

	return s.completeLogin(c, packet, account.Username)
}

// completeLogin creates the session and hands the client its LKEY and UID.
func (s *Server) completeLogin(c *client.Client, packet *protocol.Packet, onlineID string) error {
	// A re-login on the same connection supersedes the previous session.
	if c.Session != nil {
		s.Registry.RemoveSession(c.Session)
	}

	session := s.Registry.CreateSession(c, onlineID, c.Partition)
	c.Session = session

	s.Recorder.RecordLogin(onlineID, c.Partition, session.UID)
	s.Logger.Infof("[%s] %s logged in as UID %d", s.Name, onlineID, session.UID)

	reply := protocol.NewResponse(packet)
	reply.Set("TXN", packet.Get("TXN"))
	reply.Set("lkey", session.LKey)
	reply.SetInt("profileId", session.UID)
	reply.SetInt("userId", session.UID)
	reply.Set("personaName", session.OnlineID)
	return c.Send(reply)
}

// sendLoginError answers a failed login with the structured error the client
// expects. The connection stays open; only framing errors are fatal.
func (s *Server) sendLoginError(c *client.Client, packet *protocol.Packet, cause error) error {
	reply := protocol.NewResponse(packet)
	reply.Set("TXN", packet.Get("TXN"))
	reply.SetInt("errorCode", loginErrorCode)
	reply.Set("localizedMessage", cases.Title(language.English).String(cause.Error()))
	reply.Set("errorContainer.[]", "0")
	return c.Send(reply)
}

func (s *Server) handleGetPersonas(c *client.Client, packet *protocol.Packet) error {
	reply := protocol.NewResponse(packet)
	reply.Set("TXN", "NuGetPersonas")
	if c.Session != nil {
		reply.Set("personas.0", c.Session.OnlineID)
		reply.Set("personas.[]", "1")
	} else {
		reply.Set("personas.[]", "0")
	}
	return c.Send(reply)
}

func (s *Server) handleLoginPersona(c *client.Client, packet *protocol.Packet) error {
	if c.Session == nil {
		return s.sendLoginError(c, packet, errors.New("no session"))
	}

	reply := protocol.NewResponse(packet)
	reply.Set("TXN", "NuLoginPersona")
	reply.Set("lkey", c.Session.LKey)
	reply.SetInt("profileId", c.Session.UID)
	reply.SetInt("userId", c.Session.UID)
	return c.Send(reply)
}

func (s *Server) handleLookupUserInfo(c *client.Client, packet *protocol.Packet) error {
	reply := protocol.NewResponse(packet)
	reply.Set("TXN", "NuLookupUserInfo")

	requested := packet.Get("userInfo.0.userName")
	if session := s.findSessionByName(requested, c); session != nil {
		reply.Set("userInfo.0.userName", session.OnlineID)
		reply.SetInt("userInfo.0.userId", session.UID)
		reply.SetInt("userInfo.0.masterUserId", session.UID)
		reply.Set("userInfo.[]", "1")
	} else {
		reply.Set("userInfo.[]", "0")
	}
	return c.Send(reply)
}

// findSessionByName resolves a display name to a live session in this
// partition, preferring the caller's own session.
func (s *Server) findSessionByName(name string, c *client.Client) *registry.PlasmaSession {
	if c.Session != nil && (name == "" || name == c.Session.OnlineID) {
		return c.Session
	}
	for _, listing := range s.Registry.ListListingsForPartition(c.Partition) {
		for _, session := range listing.ConnectedPlayers {
			if session.OnlineID == name {
				return session
			}
		}
	}
	return nil
}

func (s *Server) handleGetAssociations(c *client.Client, packet *protocol.Packet) error {
	reply := protocol.NewResponse(packet)
	reply.Set("TXN", "GetAssociations")
	reply.Set("type", packet.Get("type"))
	reply.Set("members.[]", "0")
	reply.Set("maxListSize", "20")
	if c.Session != nil {
		reply.SetInt("owner.id", c.Session.UID)
		reply.Set("owner.name", c.Session.OnlineID)
		reply.Set("owner.type", "1")
	}
	return c.Send(reply)
}

func (s *Server) handlePresenceSubscribe(c *client.Client, packet *protocol.Packet) error {
	reply := protocol.NewResponse(packet)
	reply.Set("TXN", "PresenceSubscribe")
	if c.Session != nil {
		reply.Set("responses.0.outcome", "0")
		reply.SetInt("responses.0.owner.id", c.Session.UID)
		reply.Set("responses.0.owner.type", "1")
		reply.Set("responses.[]", "1")
	} else {
		reply.Set("responses.[]", "0")
	}
	return c.Send(reply)
}

func (s *Server) sendBareAck(c *client.Client, packet *protocol.Packet, txn string) error {
	reply := protocol.NewResponse(packet)
	reply.Set("TXN", txn)
	return c.Send(reply)
}

// handleGetStats reflects zeroes for every requested stat key. The built
// block is cached per session since some client screens re-request the same
// block several times a second.
func (s *Server) handleGetStats(c *client.Client, packet *protocol.Packet) error {
	count := packet.GetInt("keys.[]")
	names := make([]string, 0, count)
	for i := int64(0); i < count; i++ {
		names = append(names, packet.Get(fmt.Sprintf("keys.%d", i)))
	}

	var uid int64
	if c.Session != nil {
		uid = c.Session.UID
	}
	// The reply echoes the requested key names, so they are part of the
	// cache identity; the count alone is not enough.
	cacheKey := fmt.Sprintf("stats/%d/%s", uid, strings.Join(names, ","))

	if cached, ok := s.cache.Get(cacheKey); ok {
		return c.Send(cached.(*protocol.Packet).WithID(packet.ID))
	}

	reply := protocol.NewResponse(packet)
	reply.Set("TXN", "GetStats")
	for i, key := range names {
		reply.Set(fmt.Sprintf("stats.%d.key", i), key)
		reply.Set(fmt.Sprintf("stats.%d.value", i), "0.0")
	}
	reply.SetInt("stats.[]", count)

	s.cache.Put(cacheKey, reply, time.Minute)
	return c.Send(reply)
}

func (s *Server) handleGetEntitlements(c *client.Client, packet *protocol.Packet) error {
	reply := protocol.NewResponse(packet)
	reply.Set("TXN", "NuGetEntitlements")
	reply.Set("entitlements.[]", "0")
	return c.Send(reply)
}

func (s *Server) handleGetMessages(c *client.Client, packet *protocol.Packet) error {
	reply := protocol.NewResponse(packet)
	reply.Set("TXN", "GetMessages")
	reply.Set("messages.[]", "0")
	return c.Send(reply)
}

func (s *Server) handleGetPingSites(c *client.Client, packet *protocol.Packet) error {
	reply := protocol.NewResponse(packet)
	reply.Set("TXN", "GetPingSites")
	reply.Set("pingSite.0.addr", s.Config.AdvertisedHost())
	reply.Set("pingSite.0.name", "gva")
	reply.Set("pingSite.0.type", "0")
	reply.Set("pingSite.[]", "1")
	reply.Set("minPingSitesToPing", "0")
	return c.Send(reply)
}

// handlePlayNow runs the play-now flow: acknowledge with a fresh matchmaking
// id, then push the status message pointing the client at a joinable game in
// its partition, if any.
func (s *Server) handlePlayNow(c *client.Client, packet *protocol.Packet) error {
	if packet.Get("TXN") != "Start" {
		s.Logger.Infof("[%s] unknown pnow transaction %q from %s", s.Name, packet.Get("TXN"), c.IPAddr())
		return nil
	}

	pnowID := s.IDs.NextPnowID()

	reply := protocol.NewResponse(packet)
	reply.Set("TXN", "Start")
	reply.SetInt("id.id", pnowID)
	reply.Set("id.partition", c.Partition)
	if err := c.Send(reply); err != nil {
		return err
	}

	status := protocol.NewPacket(packet.Type, protocol.SinglePacketRequest, 0)
	status.Set("TXN", "Status")
	status.SetInt("id.id", pnowID)
	status.Set("id.partition", c.Partition)

	if game := s.firstJoinableGame(c.Partition); game != nil {
		status.Set("sessionState", "COMPLETE")
		status.Set("props.{}.[]", "2")
		status.Set("props.{resultType}", "JOIN")
		status.SetInt("props.{games}.0.gid", game.GID)
		status.SetInt("props.{games}.0.lid", game.LID)
		status.Set("props.{games}.[]", "1")
	} else {
		status.Set("sessionState", "COMPLETE")
		status.Set("props.{}.[]", "1")
		status.Set("props.{resultType}", "NOSERVER")
	}
	return c.Send(status)
}

func (s *Server) firstJoinableGame(partition string) *registry.GameServerListing {
	for _, listing := range s.Registry.ListListingsForPartition(partition) {
		if listing.CanJoin {
			return listing
		}
	}
	return nil
}

func splitPartition(partition string) (domain, subDomain string) {
	for i := 0; i < len(partition); i++ {
		if partition[i] == '/' {
			return partition[:i], partition[i+1:]
		}
	}
	return partition, ""
}
