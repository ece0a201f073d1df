package arena

import (
	"sync"
	"time"

	"github.com/decred/slog"
)

// Subscriber is one connected client in a room. Implementations must make
// Send safe for concurrent use; the hub broadcasts from multiple
// goroutines.
type Subscriber interface {
	// SessionID is the unique id of this connection.
	SessionID() string
	// Identity is the claimed player address (lowercased) when one was
	// supplied at join time, otherwise the session id. Rooms count
	// distinct identities to detect the "both sides present" transition.
	Identity() string
	// Send delivers one event to the client.
	Send(ev *Event) error
}

// Room is the ephemeral per-game channel. It only exists to scope
// broadcasts and to notice when a second identity shows up; it holds no
// game state of its own.
type Room struct {
	sync.RWMutex

	GameID uint64

	subs       map[string]Subscriber // session id -> subscriber
	subIdents  map[string]string     // session id -> identity counted for it
	identities map[string]int        // identity -> session count
	lastActive time.Time
	terminal   bool
}

func newRoom(gameID uint64) *Room {
	return &Room{
		GameID:     gameID,
		subs:       make(map[string]Subscriber),
		subIdents:  make(map[string]string),
		identities: make(map[string]int),
		lastActive: time.Now(),
	}
}

// Add registers a subscriber. It reports whether the identity is new to
// the room and how many distinct identities are present afterwards.
// A session's identity can change between joins (a spectator claiming an
// address on a later join_game); the room records the identity it counted
// so Remove decrements the right one, and re-counts here on a change.
func (r *Room) Add(sub Subscriber) (newIdentity bool, distinct int) {
	r.Lock()
	defer r.Unlock()

	id := sub.Identity()
	if prev, ok := r.subIdents[sub.SessionID()]; ok {
		if prev != id {
			r.dropIdentity(prev)
			r.subIdents[sub.SessionID()] = id
			r.identities[id]++
			newIdentity = r.identities[id] == 1
		}
	} else {
		r.subs[sub.SessionID()] = sub
		r.subIdents[sub.SessionID()] = id
		r.identities[id]++
		newIdentity = r.identities[id] == 1
	}
	r.lastActive = time.Now()
	return newIdentity, len(r.identities)
}

func (r *Room) dropIdentity(id string) {
	if r.identities[id] <= 1 {
		delete(r.identities, id)
	} else {
		r.identities[id]--
	}
}

// Remove drops a subscriber by session id. Safe to call twice.
func (r *Room) Remove(sessionID string) {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.subs[sessionID]; !ok {
		return
	}
	delete(r.subs, sessionID)
	r.dropIdentity(r.subIdents[sessionID])
	delete(r.subIdents, sessionID)
	r.lastActive = time.Now()
}

// Touch refreshes the room's activity clock.
func (r *Room) Touch() {
	r.Lock()
	r.lastActive = time.Now()
	r.Unlock()
}

// MarkTerminal flags the room for eager eviction once its game has hit a
// terminal settlement state.
func (r *Room) MarkTerminal() {
	r.Lock()
	r.terminal = true
	r.Unlock()
}

// Identities returns the number of distinct identities connected.
func (r *Room) Identities() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.identities)
}

// Empty reports whether no subscriber is connected.
func (r *Room) Empty() bool {
	r.RLock()
	defer r.RUnlock()
	return len(r.subs) == 0
}

func (r *Room) snapshot() []Subscriber {
	r.RLock()
	defer r.RUnlock()
	out := make([]Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

// Broadcast sends ev to every subscriber. Send errors are the
// connection's problem, not the room's; delivery is best effort.
func (r *Room) Broadcast(ev *Event) {
	for _, s := range r.snapshot() {
		_ = s.Send(ev)
	}
}

// BroadcastExcept sends ev to every subscriber except the named session.
func (r *Room) BroadcastExcept(sessionID string, ev *Event) {
	for _, s := range r.snapshot() {
		if s.SessionID() == sessionID {
			continue
		}
		_ = s.Send(ev)
	}
}

// RoomManager owns the game id -> room map. Rooms are created lazily on
// first join and reaped by Sweep; nothing here persists.
type RoomManager struct {
	sync.RWMutex

	rooms map[uint64]*Room

	Log slog.Logger
}

func NewRoomManager(log slog.Logger) *RoomManager {
	return &RoomManager{
		rooms: make(map[uint64]*Room),
		Log:   log,
	}
}

// Room returns the room for gameID, creating it if needed.
func (rm *RoomManager) Room(gameID uint64) *Room {
	rm.Lock()
	defer rm.Unlock()
	r, ok := rm.rooms[gameID]
	if !ok {
		r = newRoom(gameID)
		rm.rooms[gameID] = r
		rm.Log.Debugf("room created for game %d (total rooms: %d)", gameID, len(rm.rooms))
	}
	return r
}

// Lookup returns the room for gameID or nil.
func (rm *RoomManager) Lookup(gameID uint64) *Room {
	rm.RLock()
	defer rm.RUnlock()
	return rm.rooms[gameID]
}

// Remove drops the room for gameID.
func (rm *RoomManager) Remove(gameID uint64) {
	rm.Lock()
	delete(rm.rooms, gameID)
	rm.Unlock()
}

// Broadcast sends ev to the room for gameID if one exists.
func (rm *RoomManager) Broadcast(gameID uint64, ev *Event) {
	if r := rm.Lookup(gameID); r != nil {
		r.Broadcast(ev)
	}
}

// Detach removes a session from every room it is part of. Used on
// disconnect, when the hub no longer knows which games the session had
// joined.
func (rm *RoomManager) Detach(sessionID string) {
	rm.RLock()
	rooms := make([]*Room, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		rooms = append(rooms, r)
	}
	rm.RUnlock()
	for _, r := range rooms {
		r.Remove(sessionID)
	}
}

// Sweep evicts rooms that are terminal, or empty and idle longer than
// maxIdle. Returns the number of rooms removed.
func (rm *RoomManager) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	rm.Lock()
	defer rm.Unlock()
	removed := 0
	for id, r := range rm.rooms {
		r.RLock()
		evict := r.terminal || (len(r.subs) == 0 && r.lastActive.Before(cutoff))
		r.RUnlock()
		if evict {
			delete(rm.rooms, id)
			removed++
		}
	}
	if removed > 0 {
		rm.Log.Debugf("room sweep evicted %d rooms (%d remain)", removed, len(rm.rooms))
	}
	return removed
}

// Count returns the number of live rooms.
func (rm *RoomManager) Count() int {
	rm.RLock()
	defer rm.RUnlock()
	return len(rm.rooms)
}
