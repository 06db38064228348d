package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/openplasma/plasma/internal/ident"
)

// levelAttributeKey is the attribute whose transition to a non-blank value
// signals that the hosted match has started and the listing accepts joiners.
// This is a quirk of the emulated protocol, not a general readiness flag.
const levelAttributeKey = "B-U-level"

// attributeDenylist holds transport-local keys that must never leak into
// stored game state.
var attributeDenylist = map[string]bool{
	"TID": true,
	"LID": true,
	"GID": true,
}

// NotFoundError is returned for lookups against unknown LKEYs, GIDs, or UIDs.
// It is recoverable; handlers convert it into the protocol's generic error
// reply.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s found for %s", e.Kind, e.Key)
}

// Registry is the concurrent store of sessions and game listings. One mutex
// guards both collections as a unit since cross-collection invariants
// (listing ownership against session existence) must never be observed torn.
type Registry struct {
	mu sync.Mutex

	ids *ident.Generator

	sessionsByUID  map[int64]*PlasmaSession
	sessionsByLKey map[string]*PlasmaSession
	listingsByGID  map[int64]*GameServerListing
}

func New(ids *ident.Generator) *Registry {
	return &Registry{
		ids:            ids,
		sessionsByUID:  make(map[int64]*PlasmaSession),
		sessionsByLKey: make(map[string]*PlasmaSession),
		listingsByGID:  make(map[int64]*GameServerListing),
	}
}

// CreateSession allocates a UID and LKEY for a freshly authenticated player
// and stores the session.
func (r *Registry) CreateSession(accountSender PacketSender, onlineID, partition string) *PlasmaSession {
	session := &PlasmaSession{
		UID:           r.ids.NextUserID(),
		OnlineID:      onlineID,
		LKey:          r.ids.NewSessionKey(),
		Partition:     partition,
		AccountSender: accountSender,
	}

	r.mu.Lock()
	r.sessionsByUID[session.UID] = session
	r.sessionsByLKey[session.LKey] = session
	r.mu.Unlock()

	return session
}

// PairHostingConnection attaches a hosting connection to the session holding
// lkey. Unknown keys (stale or forged) yield a NotFoundError.
func (r *Registry) PairHostingConnection(theaterSender PacketSender, lkey string) (*PlasmaSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessionsByLKey[lkey]
	if !ok {
		return nil, &NotFoundError{Kind: "session", Key: lkey}
	}

	session.TheaterSender = theaterSender
	return session, nil
}

// RemoveSession removes the session and cascades: listings owned by the
// session are dropped, and the session is scrubbed from every listing's
// connected set and join queue. Removing an already-removed session is a
// no-op.
func (r *Registry) RemoveSession(session *PlasmaSession) {
	if session == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessionsByUID, session.UID)
	delete(r.sessionsByLKey, session.LKey)

	for gid, listing := range r.listingsByGID {
		if listing.OwnerUID == session.UID {
			delete(r.listingsByGID, gid)
			continue
		}

		delete(listing.ConnectedPlayers, session.UID)
		for i, req := range listing.JoinQueue {
			if req.Joiner.UID == session.UID {
				listing.JoinQueue = append(listing.JoinQueue[:i], listing.JoinQueue[i+1:]...)
				break
			}
		}
	}
}

// CreateListing allocates a GID/LID pair and stores a listing owned by the
// session. The listing starts closed to joiners.
func (r *Registry) CreateListing(owner *PlasmaSession, name string, attributes map[string]string) *GameServerListing {
	listing := &GameServerListing{
		GID:              r.ids.NextGameID(),
		LID:              r.ids.NextLobbyID(),
		OwnerUID:         owner.UID,
		Partition:        owner.Partition,
		Name:             name,
		Attributes:       make(map[string]string),
		ConnectedPlayers: make(map[int64]*PlasmaSession),
		CreatedAt:        time.Now(),
	}
	mergeAttributes(listing, attributes)

	r.AddListing(listing)
	return listing
}

// AddListing stores a listing built elsewhere.
func (r *Registry) AddListing(listing *GameServerListing) {
	r.mu.Lock()
	r.listingsByGID[listing.GID] = listing
	r.mu.Unlock()
}

// RemoveListing drops the listing. Queued joiners discover the removal on
// their next readiness poll.
func (r *Registry) RemoveListing(listing *GameServerListing) {
	if listing == nil {
		return
	}
	r.mu.Lock()
	delete(r.listingsByGID, listing.GID)
	r.mu.Unlock()
}

// GetListingByGID returns a point-in-time copy of the listing, or nil if no
// listing in the partition has that id. Handlers must re-fetch for every
// operation rather than holding on to the copy.
func (r *Registry) GetListingByGID(partition string, gid int64) *GameServerListing {
	r.mu.Lock()
	defer r.mu.Unlock()

	listing, ok := r.listingsByGID[gid]
	if !ok || listing.Partition != partition {
		return nil
	}
	return listing.snapshot()
}

// UpsertListingAttributes merges attrs into the listing's bag, overwriting
// existing keys. Transport-local keys are dropped. A caller that does not own
// the listing is ignored, matching the legacy server's behavior. When the
// merge leaves the current-level attribute non-blank the listing opens to
// joiners.
func (r *Registry) UpsertListingAttributes(gid int64, callerUID int64, attrs map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	listing, ok := r.listingsByGID[gid]
	if !ok || listing.OwnerUID != callerUID {
		return
	}
	mergeAttributes(listing, attrs)
}

func mergeAttributes(listing *GameServerListing, attrs map[string]string) {
	for k, v := range attrs {
		if attributeDenylist[k] {
			continue
		}
		listing.Attributes[k] = v
	}
	if listing.Attributes[levelAttributeKey] != "" {
		listing.CanJoin = true
	}
}

// ListListingsForPartition returns point-in-time copies of every listing in
// the partition.
func (r *Registry) ListListingsForPartition(partition string) []*GameServerListing {
	r.mu.Lock()
	defer r.mu.Unlock()

	var listings []*GameServerListing
	for _, listing := range r.listingsByGID {
		if listing.Partition == partition {
			listings = append(listings, listing.snapshot())
		}
	}
	return listings
}

// FindSessionByLKey returns the session holding lkey, or nil.
func (r *Registry) FindSessionByLKey(lkey string) *PlasmaSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionsByLKey[lkey]
}

// FindSessionByUID returns the session with uid, or nil.
func (r *Registry) FindSessionByUID(uid int64) *PlasmaSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionsByUID[uid]
}

// FindSessionInGame returns the session with uid if it is a confirmed player
// in some listing within the partition.
func (r *Registry) FindSessionInGame(partition string, uid int64) *PlasmaSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, listing := range r.listingsByGID {
		if listing.Partition != partition {
			continue
		}
		if session, ok := listing.ConnectedPlayers[uid]; ok {
			return session
		}
	}
	return nil
}

// EnqueueJoin assigns the joiner the listing's next slot number, queues the
// join, and returns the pending request together with the host's session so
// the caller can push the enter-game request to the host's connection.
func (r *Registry) EnqueueJoin(partition string, gid int64, joiner *PlasmaSession, correlationID uint32) (JoinRequest, *PlasmaSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	listing, ok := r.listingsByGID[gid]
	if !ok || listing.Partition != partition {
		return JoinRequest{}, nil, &NotFoundError{Kind: "game", Key: fmt.Sprint(gid)}
	}

	host, ok := r.sessionsByUID[listing.OwnerUID]
	if !ok {
		return JoinRequest{}, nil, &NotFoundError{Kind: "host session", Key: fmt.Sprint(listing.OwnerUID)}
	}

	listing.nextPID++
	joiner.PID = listing.nextPID

	request := JoinRequest{
		Joiner:        joiner,
		PID:           listing.nextPID,
		CorrelationID: correlationID,
	}
	listing.JoinQueue = append(listing.JoinQueue, request)

	return request, host, nil
}

// AdmitPlayer assigns the joiner a slot and confirms it immediately, without
// ever entering the queue. Used when the listing's owner enters its own game;
// queued joins from other players are left untouched.
func (r *Registry) AdmitPlayer(partition string, gid int64, joiner *PlasmaSession, correlationID uint32) (JoinRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	listing, ok := r.listingsByGID[gid]
	if !ok || listing.Partition != partition {
		return JoinRequest{}, &NotFoundError{Kind: "game", Key: fmt.Sprint(gid)}
	}

	listing.nextPID++
	joiner.PID = listing.nextPID

	for _, other := range r.listingsByGID {
		if other.Partition == partition && other.GID != gid {
			delete(other.ConnectedPlayers, joiner.UID)
		}
	}
	listing.ConnectedPlayers[joiner.UID] = joiner

	return JoinRequest{
		Joiner:        joiner,
		PID:           listing.nextPID,
		CorrelationID: correlationID,
	}, nil
}

// DequeueJoin pops the oldest pending join from the listing's queue.
func (r *Registry) DequeueJoin(partition string, gid int64) (JoinRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	listing, ok := r.listingsByGID[gid]
	if !ok || listing.Partition != partition || len(listing.JoinQueue) == 0 {
		return JoinRequest{}, false
	}

	request := listing.JoinQueue[0]
	listing.JoinQueue = listing.JoinQueue[1:]
	return request, true
}

// ConfirmJoin moves the joiner into the listing's connected set. A session
// is a confirmed player of at most one listing per partition, so it is first
// scrubbed from any other listing in the partition.
func (r *Registry) ConfirmJoin(partition string, gid int64, request JoinRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	listing, ok := r.listingsByGID[gid]
	if !ok || listing.Partition != partition {
		return
	}

	for _, other := range r.listingsByGID {
		if other.Partition == partition && other.GID != gid {
			delete(other.ConnectedPlayers, request.Joiner.UID)
		}
	}

	listing.ConnectedPlayers[request.Joiner.UID] = request.Joiner
}

// RemovePlayer drops a confirmed player from the listing.
func (r *Registry) RemovePlayer(partition string, gid int64, uid int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	listing, ok := r.listingsByGID[gid]
	if !ok || listing.Partition != partition {
		return
	}
	delete(listing.ConnectedPlayers, uid)
}

// RemovePlayerByPID drops the connected player holding the given slot
// number. Slot assignments are written under the lock, so the lookup has to
// happen here too.
func (r *Registry) RemovePlayerByPID(partition string, gid int64, pid int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	listing, ok := r.listingsByGID[gid]
	if !ok || listing.Partition != partition {
		return
	}
	for uid, session := range listing.ConnectedPlayers {
		if session.PID == pid {
			delete(listing.ConnectedPlayers, uid)
			return
		}
	}
}
