// Process-wide identifier generation for sessions, games, and lobbies.
package ident

import (
	"crypto/rand"
	"sync/atomic"
)

// Seed offsets for the counters. These are arbitrary but deliberately
// non-zero since 0 is the "no id" sentinel throughout the protocol, and they
// are spaced far enough apart that ids from different counters are easy to
// tell apart in packet logs.
const (
	userIDSeed  = 1000000000
	gameIDSeed  = 800000
	lobbyIDSeed = 255
	ticketSeed  = 2000000000
	pnowIDSeed  = 1
)

const (
	sessionKeyLength  = 27
	sessionKeyCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Generator hands out monotonically increasing identifiers. Each counter is
// independent; the only guarantee is per-counter monotonicity under any
// number of concurrent callers.
type Generator struct {
	userID  atomic.Int64
	gameID  atomic.Int64
	lobbyID atomic.Int64
	ticket  atomic.Int64
	pnowID  atomic.Int64
}

// NewGenerator returns a Generator with all counters at their seed offsets.
func NewGenerator() *Generator {
	g := &Generator{}
	g.userID.Store(userIDSeed)
	g.gameID.Store(gameIDSeed)
	g.lobbyID.Store(lobbyIDSeed)
	g.ticket.Store(ticketSeed)
	g.pnowID.Store(pnowIDSeed)
	return g
}

func (g *Generator) NextUserID() int64 { return g.userID.Add(1) }

func (g *Generator) NextGameID() int64 { return g.gameID.Add(1) }

func (g *Generator) NextLobbyID() int64 { return g.lobbyID.Add(1) }

func (g *Generator) NextTicket() int64 { return g.ticket.Add(1) }

func (g *Generator) NextPnowID() int64 { return g.pnowID.Add(1) }

// NewSessionKey returns an opaque LKEY token. The format is not interpreted
// by anything beyond literal equality lookups, but it matches the shape the
// legacy clients expect: a run of alphanumerics with a trailing dot.
func (g *Generator) NewSessionKey() string {
	raw := make([]byte, sessionKeyLength)
	// rand.Read on the default source never returns an error.
	_, _ = rand.Read(raw)

	key := make([]byte, sessionKeyLength+1)
	for i, b := range raw {
		key[i] = sessionKeyCharset[int(b)%len(sessionKeyCharset)]
	}
	key[sessionKeyLength] = '.'

	return string(key)
}
