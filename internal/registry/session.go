// The registry is the single source of truth for authenticated player
// sessions and hosted game listings. It correlates a player's two physical
// connections under one identity and brokers the multi-party join handshake.
package registry

import (
	"time"

	"github.com/openplasma/plasma/internal/protocol"
)

// PacketSender is the capability through which a handler pushes a message to
// another client's connection. Implementations must be safe to invoke from
// any goroutine; the boolean result reports whether the send was accepted
// (a closed connection returns false rather than an error).
type PacketSender interface {
	SendPacket(packet *protocol.Packet) bool
}

// PlasmaSession is one authenticated player, spanning up to two physical
// connections. The identity fields are fixed at creation; TheaterSender is
// attached when the second connection presents the matching LKEY and PID is
// assigned at join time. Both of those mutations happen under the Registry's
// lock.
type PlasmaSession struct {
	// UID is the process-lifetime unique numeric user id.
	UID int64
	// OnlineID is the display name supplied by the identity collaborator.
	OnlineID string
	// LKey is the opaque session key the hosting connection presents to pair
	// itself with this session.
	LKey string
	// Partition identifies the game+platform combination this session belongs
	// to. Sessions from different partitions never interact.
	Partition string
	// PID is the join slot assigned by the host's listing; 0 means unassigned.
	PID int64

	// AccountSender pushes packets to the account/presence connection.
	AccountSender PacketSender
	// TheaterSender pushes packets to the hosting connection, once paired.
	TheaterSender PacketSender
}

// GameServerListing is one hosted game. All fields are owned by the Registry;
// handlers operate on point-in-time copies and re-fetch by GID for every
// operation.
type GameServerListing struct {
	GID       int64
	LID       int64
	OwnerUID  int64
	Partition string
	Name      string

	// Attributes is the configuration bag reported by the host ("map", "max
	// players", join policy, ...). Mutated only through the Registry.
	Attributes map[string]string

	// CanJoin stays false until the host reports a non-blank current level,
	// the legacy protocol's signal that the match has actually started.
	CanJoin bool

	// JoinQueue holds pending joiners in FIFO order.
	JoinQueue []JoinRequest

	// ConnectedPlayers is the set of confirmed players keyed by UID.
	ConnectedPlayers map[int64]*PlasmaSession

	CreatedAt time.Time

	// nextPID is the per-listing join slot counter; the first joiner gets 1.
	nextPID int64
}

// JoinRequest correlates a joiner's pending join with the host. It lives only
// inside a listing's JoinQueue and carries everything needed to answer the
// joiner once the host responds.
type JoinRequest struct {
	Joiner        *PlasmaSession
	PID           int64
	CorrelationID uint32
}

// snapshot returns a deep copy safe to read without the Registry's lock.
// JoinQueue entries and connected player references are shared pointers, but
// PlasmaSession identity fields are immutable so the copy is race free for
// the read paths handlers use.
func (l *GameServerListing) snapshot() *GameServerListing {
	attrs := make(map[string]string, len(l.Attributes))
	for k, v := range l.Attributes {
		attrs[k] = v
	}

	players := make(map[int64]*PlasmaSession, len(l.ConnectedPlayers))
	for uid, s := range l.ConnectedPlayers {
		players[uid] = s
	}

	queue := make([]JoinRequest, len(l.JoinQueue))
	copy(queue, l.JoinQueue)

	return &GameServerListing{
		GID:              l.GID,
		LID:              l.LID,
		OwnerUID:         l.OwnerUID,
		Partition:        l.Partition,
		Name:             l.Name,
		Attributes:       attrs,
		CanJoin:          l.CanJoin,
		JoinQueue:        queue,
		ConnectedPlayers: players,
		CreatedAt:        l.CreatedAt,
		nextPID:          l.nextPID,
	}
}
