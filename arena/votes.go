package arena

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/ethereum/go-ethereum/common"

	"github.com/IanLaFlair/0xHuman/chain"
)

// Role identifies which side of a game a verdict belongs to.
type Role int

const (
	RoleFirst Role = iota + 1
	RoleSecond
)

func (r Role) String() string {
	switch r {
	case RoleFirst:
		return "first"
	case RoleSecond:
		return "second"
	default:
		return "unknown"
	}
}

// GameState is the core-observable settlement lifecycle of one game.
// Resolved and SettleFailed are terminal; SettleFailed has no automatic
// transition out, but a fresh vote pair may start the cycle again.
type GameState int

const (
	StateNoVotes GameState = iota
	StateOneVoted
	StateBothVoted
	StateSettling
	StateResolved
	StateSettleFailed
)

func (s GameState) String() string {
	switch s {
	case StateNoVotes:
		return "no_votes"
	case StateOneVoted:
		return "one_voted"
	case StateBothVoted:
		return "both_voted"
	case StateSettling:
		return "settling"
	case StateResolved:
		return "resolved"
	case StateSettleFailed:
		return "settle_failed"
	default:
		return "unknown"
	}
}

// ClassifyVoter resolves a claimed address to its role in the game. The
// resolver identity stands in as the second party for bot games.
func ClassifyVoter(g *chain.Game, resolver, addr common.Address) (Role, error) {
	if !g.Exists() {
		return 0, fmt.Errorf("game %d does not exist", g.ID)
	}
	switch {
	case addr == g.Player1:
		return RoleFirst, nil
	case g.HasOpponent() && addr == g.Player2:
		return RoleSecond, nil
	case g.IsPlayer2Bot && addr == resolver:
		return RoleSecond, nil
	default:
		return 0, fmt.Errorf("address %s is not a party of game %d", addr.Hex(), g.ID)
	}
}

// Admit decides the join admission for a claimed address against the
// on-chain game. Legitimate cases: either party, the creator still
// waiting for an opponent, the resolver standing in as house for a bot
// game, and the resolver pre-joining a still-open game.
func Admit(g *chain.Game, resolver, addr common.Address) (bool, string) {
	if !g.Exists() {
		return false, "game not found"
	}
	if addr == g.Player1 {
		return true, ""
	}
	if g.HasOpponent() && addr == g.Player2 {
		return true, ""
	}
	if addr == resolver && (g.IsPlayer2Bot || g.Status == chain.StatusOpen) {
		return true, ""
	}
	return false, "address is not a participant of this game"
}

// VotePair holds the at-most-one pending verdict per party for one game.
// enqueued flips when the completed pair is handed to the settlement
// queue; after that the pair rejects further votes until it is cleared.
type VotePair struct {
	First  *chain.Vote
	Second *chain.Vote

	CreatedAt time.Time
	enqueued  bool
}

func (p *VotePair) vote(role Role) **chain.Vote {
	if role == RoleFirst {
		return &p.First
	}
	return &p.Second
}

// VoteTracker owns pending vote pairs and per-game settlement states.
// All methods are safe for concurrent use.
type VoteTracker struct {
	sync.Mutex

	pending map[uint64]*VotePair
	states  map[uint64]GameState

	Log slog.Logger
}

func NewVoteTracker(log slog.Logger) *VoteTracker {
	return &VoteTracker{
		pending: make(map[uint64]*VotePair),
		states:  make(map[uint64]GameState),
		Log:     log,
	}
}

// Record stores one party's verdict. complete is true exactly once per
// pair: on the vote that fills the second slot. When complete, the
// returned copies are what must be settled; the pair stays pending (and
// refuses further votes) until Finish clears it.
func (vt *VoteTracker) Record(gameID uint64, role Role, v chain.Vote) (complete bool, first, second chain.Vote, err error) {
	vt.Lock()
	defer vt.Unlock()

	pair := vt.pending[gameID]
	if pair == nil {
		pair = &VotePair{CreatedAt: time.Now()}
		vt.pending[gameID] = pair
	}
	if pair.enqueued {
		return false, chain.Vote{}, chain.Vote{}, fmt.Errorf("game %d is already settling", gameID)
	}

	slot := pair.vote(role)
	if *slot != nil {
		vt.Log.Debugf("game %d: %s party vote replaced", gameID, role)
	}
	vc := v
	*slot = &vc

	if pair.First == nil || pair.Second == nil {
		vt.states[gameID] = StateOneVoted
		return false, chain.Vote{}, chain.Vote{}, nil
	}

	pair.enqueued = true
	vt.states[gameID] = StateBothVoted
	return true, *pair.First, *pair.Second, nil
}

// Has reports whether a verdict is pending for the given role.
func (vt *VoteTracker) Has(gameID uint64, role Role) bool {
	vt.Lock()
	defer vt.Unlock()
	pair := vt.pending[gameID]
	if pair == nil {
		return false
	}
	return *pair.vote(role) != nil
}

// MarkSettling transitions the game into the settling state once its job
// reaches the queue worker.
func (vt *VoteTracker) MarkSettling(gameID uint64) {
	vt.Lock()
	vt.states[gameID] = StateSettling
	vt.Unlock()
}

// Finish records the settlement outcome and deletes the pending pair
// unconditionally. A game cannot be re-settled from residual votes after
// either outcome; recovery from a failure is both parties voting again.
func (vt *VoteTracker) Finish(gameID uint64, ok bool) {
	vt.Lock()
	delete(vt.pending, gameID)
	if ok {
		vt.states[gameID] = StateResolved
	} else {
		vt.states[gameID] = StateSettleFailed
	}
	vt.Unlock()
}

// State returns the tracked lifecycle state for a game.
func (vt *VoteTracker) State(gameID uint64) GameState {
	vt.Lock()
	defer vt.Unlock()
	return vt.states[gameID]
}

// Sweep drops pending pairs older than maxAge that never completed, and
// forgets terminal states. Enqueued pairs are left alone; the settlement
// worker clears those.
func (vt *VoteTracker) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	vt.Lock()
	defer vt.Unlock()
	removed := 0
	for id, pair := range vt.pending {
		if !pair.enqueued && pair.CreatedAt.Before(cutoff) {
			delete(vt.pending, id)
			delete(vt.states, id)
			removed++
		}
	}
	for id, st := range vt.states {
		if _, live := vt.pending[id]; !live && (st == StateResolved || st == StateSettleFailed) {
			delete(vt.states, id)
		}
	}
	if removed > 0 {
		vt.Log.Debugf("vote sweep dropped %d stale pairs", removed)
	}
	return removed
}

// NormalizeAddress lowercases a hex address for identity comparison.
func NormalizeAddress(addr string) string {
	return strings.ToLower(addr)
}
