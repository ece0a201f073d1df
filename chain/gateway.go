package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// GameStatus mirrors the contract's lifecycle enum. Status only ever
// advances forward; once Resolved the verdict fields are immutable.
type GameStatus uint8

const (
	StatusOpen GameStatus = iota
	StatusActive
	StatusResolved
)

func (s GameStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusActive:
		return "active"
	case StatusResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Game is the on-chain game struct as returned by games(uint256). The
// contract owns this data; the service only reads it and mutates it
// through the single ResolveGame call.
type Game struct {
	ID        uint64
	Player1   common.Address
	Player2   common.Address
	Stake     *big.Int
	Status    GameStatus
	Winner    common.Address
	Timestamp *big.Int

	IsPlayer2Bot bool

	Player1GuessedBot bool
	Player1Submitted  bool
	Player2GuessedBot bool
	Player2Submitted  bool
}

// Exists reports whether the game slot has been created on-chain. The
// contract zero-initializes unused slots, so a zero player1 means the id
// was never used.
func (g *Game) Exists() bool {
	return g != nil && g.Player1 != (common.Address{})
}

// HasOpponent reports whether the second party slot is filled.
func (g *Game) HasOpponent() bool {
	return g != nil && g.Player2 != (common.Address{})
}

// IsTie reports whether the contract resolved the game without a winner.
func (g *Game) IsTie() bool {
	return g != nil && g.Winner == (common.Address{})
}

// Vote is one party's signed verdict as submitted over the wire. The
// signature is opaque to this service; the contract verifies it at
// settlement time.
type Vote struct {
	Address    common.Address
	GuessedBot bool
	Signature  []byte
}

// Gateway is the only road to the chain: one read (the Game struct) and
// one write (the settlement call). Implementations must treat both as
// retryable external calls; the caller decides the retry policy.
type Gateway interface {
	// Game fetches the game struct by id.
	Game(ctx context.Context, id uint64) (*Game, error)

	// ResolveGame submits the settlement transaction carrying both
	// parties' verdicts and signatures, waits for it to confirm, and
	// returns the transaction hash.
	ResolveGame(ctx context.Context, id uint64, p1, p2 Vote) (string, error)

	// ResolverAddress is the signing identity used for settlement. It
	// doubles as the house stand-in address for bot games.
	ResolverAddress() common.Address
}
