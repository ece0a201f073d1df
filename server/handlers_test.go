package server

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"github.com/decred/slog"
	"github.com/ethereum/go-ethereum/common"

	"github.com/IanLaFlair/0xHuman/arena"
	"github.com/IanLaFlair/0xHuman/chain"
	"github.com/IanLaFlair/0xHuman/exp"
	"github.com/IanLaFlair/0xHuman/server/arenadb"
)

var (
	addrP1       = common.HexToAddress("0xAA00000000000000000000000000000000000001")
	addrP2       = common.HexToAddress("0xBB00000000000000000000000000000000000002")
	addrResolver = common.HexToAddress("0xCC00000000000000000000000000000000000003")
	addrStranger = common.HexToAddress("0xDD00000000000000000000000000000000000004")
)

// stubGateway is a scriptable chain.Gateway.
type stubGateway struct {
	mtx      sync.Mutex
	games    map[uint64]*chain.Game
	readErr  error
	txErr    error
	txHash   string
	resolved []uint64
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		games:  make(map[uint64]*chain.Game),
		txHash: "tx-1",
	}
}

func (g *stubGateway) Game(ctx context.Context, id uint64) (*chain.Game, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if g.readErr != nil {
		return nil, g.readErr
	}
	gm, ok := g.games[id]
	if !ok {
		return &chain.Game{ID: id}, nil
	}
	cp := *gm
	return &cp, nil
}

func (g *stubGateway) ResolveGame(ctx context.Context, id uint64, p1, p2 chain.Vote) (string, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if g.txErr != nil {
		return "", g.txErr
	}
	g.resolved = append(g.resolved, id)
	if gm, ok := g.games[id]; ok {
		gm.Status = chain.StatusResolved
		if p1.GuessedBot == gm.IsPlayer2Bot {
			gm.Winner = gm.Player1
		} else if gm.HasOpponent() {
			gm.Winner = gm.Player2
		}
	}
	return g.txHash, nil
}

func (g *stubGateway) ResolverAddress() common.Address {
	return addrResolver
}

func (g *stubGateway) setGame(gm *chain.Game) {
	g.mtx.Lock()
	g.games[gm.ID] = gm
	g.mtx.Unlock()
}

func (g *stubGateway) resolvedCount(id uint64) int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	n := 0
	for _, r := range g.resolved {
		if r == id {
			n++
		}
	}
	return n
}

// fakeSession records events instead of writing to a websocket.
type fakeSession struct {
	id       string
	identity string

	mtx    sync.Mutex
	events []*arena.Event
}

func (c *fakeSession) SessionID() string { return c.id }

func (c *fakeSession) Identity() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.identity != "" {
		return c.identity
	}
	return c.id
}

func (c *fakeSession) setIdentity(addr string) {
	c.mtx.Lock()
	c.identity = addr
	c.mtx.Unlock()
}

func (c *fakeSession) Send(ev *arena.Event) error {
	c.mtx.Lock()
	c.events = append(c.events, ev)
	c.mtx.Unlock()
	return nil
}

func (c *fakeSession) countEvent(name string) int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Event == name {
			n++
		}
	}
	return n
}

func (c *fakeSession) lastEvent(name string) *arena.Event {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Event == name {
			return c.events[i]
		}
	}
	return nil
}

func newTestServer(t *testing.T, gw chain.Gateway) *Server {
	t.Helper()

	db, err := arenadb.NewBoltDB(filepath.Join(t.TempDir(), "arena.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := &Server{
		log:      slog.Disabled,
		cfg:      ServerConfig{},
		rooms:    arena.NewRoomManager(slog.Disabled),
		votes:    arena.NewVoteTracker(slog.Disabled),
		gateway:  gw,
		ledger:   exp.NewClient("", slog.Disabled),
		db:       db,
		sessions: make(map[string]*wsSession),
	}
	s.cfg.setDefaults()
	s.queue = newSettlementQueue(slog.Disabled, s.processSettlement)
	return s
}

func gameID(id uint64) *arena.GameID {
	g := arena.GameID(id)
	return &g
}

func humanGame(id uint64) *chain.Game {
	return &chain.Game{
		ID:      id,
		Player1: addrP1,
		Player2: addrP2,
		Stake:   big.NewInt(10),
		Status:  chain.StatusActive,
	}
}

func botGame(id uint64) *chain.Game {
	return &chain.Game{
		ID:           id,
		Player1:      addrP1,
		Stake:        big.NewInt(10),
		Status:       chain.StatusActive,
		IsPlayer2Bot: true,
	}
}

func TestJoinGameDeniesStranger(t *testing.T) {
	gw := newStubGateway()
	gw.setGame(humanGame(7))
	s := newTestServer(t, gw)

	c := &fakeSession{id: "sess-x"}
	s.handleJoinGame(c, &arena.JoinGame{GameID: gameID(7), PlayerAddress: addrStranger.Hex()})

	if c.countEvent(arena.EvtAccessDenied) != 1 {
		t.Fatal("expected access_denied")
	}
	if s.rooms.Lookup(7) != nil && !s.rooms.Lookup(7).Empty() {
		t.Fatal("denied session must not join the room")
	}
}

func TestJoinGameFailOpenOnChainError(t *testing.T) {
	gw := newStubGateway()
	gw.readErr = fmt.Errorf("rpc down")
	s := newTestServer(t, gw)

	// A zero-value config is fail-open; nothing opted into denial.
	c := &fakeSession{id: "sess-a"}
	s.handleJoinGame(c, &arena.JoinGame{GameID: gameID(7), PlayerAddress: addrP1.Hex()})
	if c.countEvent(arena.EvtAccessDenied) != 0 {
		t.Fatal("fail-open admission must not deny on chain error")
	}
	if s.rooms.Lookup(7) == nil || s.rooms.Lookup(7).Empty() {
		t.Fatal("session should have joined the room")
	}

	// Flip to fail-closed and try again.
	s.cfg.DenyOnChainError = true
	c2 := &fakeSession{id: "sess-b"}
	s.handleJoinGame(c2, &arena.JoinGame{GameID: gameID(8), PlayerAddress: addrP1.Hex()})
	if c2.countEvent(arena.EvtAccessDenied) != 1 {
		t.Fatal("fail-closed admission must deny on chain error")
	}
}

func TestOpponentJoinedOnSecondIdentity(t *testing.T) {
	gw := newStubGateway()
	gw.setGame(humanGame(7))
	s := newTestServer(t, gw)

	a := &fakeSession{id: "sess-a"}
	s.handleJoinGame(a, &arena.JoinGame{GameID: gameID(7), PlayerAddress: addrP1.Hex()})
	if a.countEvent(arena.EvtOpponentJoined) != 0 {
		t.Fatal("first identity must not trigger opponent_joined")
	}

	// A second connection from the same player is not an opponent.
	a2 := &fakeSession{id: "sess-a2"}
	s.handleJoinGame(a2, &arena.JoinGame{GameID: gameID(7), PlayerAddress: addrP1.Hex()})
	if a.countEvent(arena.EvtOpponentJoined) != 0 {
		t.Fatal("same identity reconnect must not trigger opponent_joined")
	}
	// But it is announced like any other arrival.
	if a.countEvent(arena.EvtSystemMessage) != 1 {
		t.Fatal("expected system_message for each arrival")
	}

	b := &fakeSession{id: "sess-b"}
	s.handleJoinGame(b, &arena.JoinGame{GameID: gameID(7), PlayerAddress: addrP2.Hex()})
	if a.countEvent(arena.EvtOpponentJoined) != 1 || b.countEvent(arena.EvtOpponentJoined) != 1 {
		t.Fatal("second identity must trigger opponent_joined for the room")
	}
}

func TestSpectatorClaimsAddressThenDisconnects(t *testing.T) {
	gw := newStubGateway()
	gw.setGame(humanGame(7))
	s := newTestServer(t, gw)

	// A session joins anonymously, then rejoins with its address once the
	// wallet connects, then drops.
	a := &fakeSession{id: "sess-a"}
	s.handleJoinGame(a, &arena.JoinGame{GameID: gameID(7)})
	s.handleJoinGame(a, &arena.JoinGame{GameID: gameID(7), PlayerAddress: addrP1.Hex()})
	s.rooms.Detach(a.id)

	room := s.rooms.Lookup(7)
	if room.Identities() != 0 {
		t.Fatalf("empty room reports %d identities, want 0", room.Identities())
	}

	// The next joiner is alone and must not see opponent_joined.
	b := &fakeSession{id: "sess-b"}
	s.handleJoinGame(b, &arena.JoinGame{GameID: gameID(7), PlayerAddress: addrP1.Hex()})
	if b.countEvent(arena.EvtOpponentJoined) != 0 {
		t.Fatal("lone joiner must not trigger opponent_joined")
	}

	// Their real opponent still does.
	c := &fakeSession{id: "sess-c"}
	s.handleJoinGame(c, &arena.JoinGame{GameID: gameID(7), PlayerAddress: addrP2.Hex()})
	if b.countEvent(arena.EvtOpponentJoined) != 1 || c.countEvent(arena.EvtOpponentJoined) != 1 {
		t.Fatal("second identity must trigger opponent_joined for the room")
	}
}

func TestSpectatorJoinsWithoutAddress(t *testing.T) {
	gw := newStubGateway()
	s := newTestServer(t, gw)

	c := &fakeSession{id: "sess-spec"}
	s.handleJoinGame(c, &arena.JoinGame{GameID: gameID(7)})
	if c.countEvent(arena.EvtAccessDenied) != 0 {
		t.Fatal("address-less join must be admitted")
	}
	if s.rooms.Lookup(7) == nil || s.rooms.Lookup(7).Empty() {
		t.Fatal("spectator should be in the room")
	}
}

func TestChatMessageStampedAndEchoed(t *testing.T) {
	gw := newStubGateway()
	gw.setGame(humanGame(7))
	s := newTestServer(t, gw)

	a := &fakeSession{id: "sess-a"}
	b := &fakeSession{id: "sess-b"}
	s.handleJoinGame(a, &arena.JoinGame{GameID: gameID(7), PlayerAddress: addrP1.Hex()})
	s.handleJoinGame(b, &arena.JoinGame{GameID: gameID(7), PlayerAddress: addrP2.Hex()})

	s.handleChatMessage(a, &arena.ChatMessage{GameID: gameID(7), Sender: addrP1.Hex(), Text: "gm"})

	for _, c := range []*fakeSession{a, b} {
		ev := c.lastEvent(arena.EvtChatMessage)
		if ev == nil {
			t.Fatalf("session %s missed the chat message", c.id)
		}
		msg := ev.Data.(arena.ChatMessageOut)
		if msg.Text != "gm" || msg.ID == 0 || msg.Timestamp == 0 {
			t.Fatalf("chat message not stamped: %+v", msg)
		}
	}
}

func TestTypingRelayedToOthersOnly(t *testing.T) {
	gw := newStubGateway()
	gw.setGame(humanGame(7))
	s := newTestServer(t, gw)

	a := &fakeSession{id: "sess-a"}
	b := &fakeSession{id: "sess-b"}
	s.handleJoinGame(a, &arena.JoinGame{GameID: gameID(7), PlayerAddress: addrP1.Hex()})
	s.handleJoinGame(b, &arena.JoinGame{GameID: gameID(7), PlayerAddress: addrP2.Hex()})

	s.handleTyping(a, &arena.Typing{GameID: gameID(7), Sender: addrP1.Hex(), IsTyping: true})
	if a.countEvent(arena.EvtTyping) != 0 {
		t.Fatal("typing must not echo to the sender")
	}
	if b.countEvent(arena.EvtTyping) != 1 {
		t.Fatal("typing must reach the other side")
	}
}

func TestVotePairSettlesGame(t *testing.T) {
	gw := newStubGateway()
	gw.setGame(humanGame(7))
	s := newTestServer(t, gw)

	a := &fakeSession{id: "sess-a"}
	b := &fakeSession{id: "sess-b"}
	s.handleJoinGame(a, &arena.JoinGame{GameID: gameID(7), PlayerAddress: addrP1.Hex()})
	s.handleJoinGame(b, &arena.JoinGame{GameID: gameID(7), PlayerAddress: addrP2.Hex()})

	s.handleSubmitVote(a, &arena.SubmitSignedVote{
		GameID: gameID(7), PlayerAddress: addrP1.Hex(), GuessedBot: true, Signature: "0x01",
	})
	if a.countEvent(arena.EvtVoteReceived) != 1 {
		t.Fatal("expected voteReceived ack for first vote")
	}
	if s.votes.State(7) != arena.StateOneVoted {
		t.Fatalf("state after first vote: %s", s.votes.State(7))
	}

	s.handleSubmitVote(b, &arena.SubmitSignedVote{
		GameID: gameID(7), PlayerAddress: addrP2.Hex(), GuessedBot: false, Signature: "0x02",
	})

	waitFor(t, "settlement to resolve", func() bool {
		return s.votes.State(7) == arena.StateResolved
	})

	if gw.resolvedCount(7) != 1 {
		t.Fatalf("resolveGame called %d times, want 1", gw.resolvedCount(7))
	}
	for _, c := range []*fakeSession{a, b} {
		ev := c.lastEvent(arena.EvtGameResolved)
		if ev == nil {
			t.Fatalf("session %s missed gameResolved", c.id)
		}
		res := ev.Data.(arena.GameResolved)
		if res.TxHash != "tx-1" || !res.P1GuessedBot || res.P2GuessedBot {
			t.Fatalf("unexpected gameResolved payload: %+v", res)
		}
		if c.countEvent(arena.EvtGameResolved) != 1 {
			t.Fatalf("session %s got gameResolved %d times", c.id, c.countEvent(arena.EvtGameResolved))
		}
	}

	// The settlement record lands in the history db.
	recs, err := s.db.FetchSettlementsByGame(context.Background(), 7)
	if err != nil {
		t.Fatalf("fetch settlements: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 settlement record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Status != arenadb.StatusConfirmed || rec.TxHash != "tx-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Stake != "10" || rec.Payout != "20" {
		t.Fatalf("stake/payout: got %s/%s, want 10/20", rec.Stake, rec.Payout)
	}
}

func TestVoteAfterSettlementRejected(t *testing.T) {
	gw := newStubGateway()
	gw.setGame(humanGame(7))
	s := newTestServer(t, gw)

	a := &fakeSession{id: "sess-a"}
	s.handleSubmitVote(a, &arena.SubmitSignedVote{
		GameID: gameID(7), PlayerAddress: addrP1.Hex(), GuessedBot: true, Signature: "0x01",
	})
	s.handleSubmitVote(a, &arena.SubmitSignedVote{
		GameID: gameID(7), PlayerAddress: addrP2.Hex(), GuessedBot: false, Signature: "0x02",
	})
	waitFor(t, "settlement to resolve", func() bool {
		return s.votes.State(7) == arena.StateResolved
	})

	// The stub flips the game to resolved on chain, so late votes bounce
	// off the status check.
	s.handleSubmitVote(a, &arena.SubmitSignedVote{
		GameID: gameID(7), PlayerAddress: addrP1.Hex(), GuessedBot: true, Signature: "0x03",
	})
	if a.countEvent(arena.EvtVoteError) != 1 {
		t.Fatal("expected voteError for vote on resolved game")
	}
	if gw.resolvedCount(7) != 1 {
		t.Fatal("resolved game must never settle twice")
	}
}

func TestBotVoteNeededNudge(t *testing.T) {
	gw := newStubGateway()
	gw.setGame(botGame(9))
	s := newTestServer(t, gw)

	human := &fakeSession{id: "sess-h"}
	agent := &fakeSession{id: "sess-r"}
	s.handleJoinGame(human, &arena.JoinGame{GameID: gameID(9), PlayerAddress: addrP1.Hex()})
	s.handleJoinGame(agent, &arena.JoinGame{GameID: gameID(9), PlayerAddress: addrResolver.Hex()})

	s.handleSubmitVote(human, &arena.SubmitSignedVote{
		GameID: gameID(9), PlayerAddress: addrP1.Hex(), GuessedBot: true, Signature: "0x01",
	})

	ev := agent.lastEvent(arena.EvtBotVoteNeeded)
	if ev == nil {
		t.Fatal("agent missed botVoteNeeded")
	}
	if ev.Data.(arena.BotVoteNeeded).Urgency != "high" {
		t.Fatal("botVoteNeeded urgency must be high")
	}

	// Once the agent answers, the pair completes and settles.
	s.handleSubmitVote(agent, &arena.SubmitSignedVote{
		GameID: gameID(9), PlayerAddress: addrResolver.Hex(), GuessedBot: true, Signature: "0x02",
	})
	waitFor(t, "bot game to resolve", func() bool {
		return s.votes.State(9) == arena.StateResolved
	})
}

func TestSettlementFailureRecovery(t *testing.T) {
	gw := newStubGateway()
	gw.setGame(humanGame(7))
	gw.txErr = fmt.Errorf("nonce too low")
	s := newTestServer(t, gw)

	a := &fakeSession{id: "sess-a"}
	b := &fakeSession{id: "sess-b"}
	s.handleJoinGame(a, &arena.JoinGame{GameID: gameID(7), PlayerAddress: addrP1.Hex()})
	s.handleJoinGame(b, &arena.JoinGame{GameID: gameID(7), PlayerAddress: addrP2.Hex()})

	s.handleSubmitVote(a, &arena.SubmitSignedVote{
		GameID: gameID(7), PlayerAddress: addrP1.Hex(), GuessedBot: true, Signature: "0x01",
	})
	s.handleSubmitVote(b, &arena.SubmitSignedVote{
		GameID: gameID(7), PlayerAddress: addrP2.Hex(), GuessedBot: false, Signature: "0x02",
	})
	waitFor(t, "settlement to fail", func() bool {
		return s.votes.State(7) == arena.StateSettleFailed
	})
	if a.countEvent(arena.EvtResolveError) != 1 {
		t.Fatal("expected resolveError broadcast")
	}

	recs, err := s.db.FetchSettlementsByGame(context.Background(), 7)
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected 1 failed record, got %d (err=%v)", len(recs), err)
	}
	if recs[0].Status != arenadb.StatusFailed || recs[0].Error == "" {
		t.Fatalf("unexpected failure record: %+v", recs[0])
	}

	// Old signatures are gone; a fresh pair settles once the chain
	// accepts transactions again.
	gw.mtx.Lock()
	gw.txErr = nil
	gw.mtx.Unlock()

	s.handleSubmitVote(a, &arena.SubmitSignedVote{
		GameID: gameID(7), PlayerAddress: addrP1.Hex(), GuessedBot: true, Signature: "0x03",
	})
	s.handleSubmitVote(b, &arena.SubmitSignedVote{
		GameID: gameID(7), PlayerAddress: addrP2.Hex(), GuessedBot: false, Signature: "0x04",
	})
	waitFor(t, "retried settlement to resolve", func() bool {
		return s.votes.State(7) == arena.StateResolved
	})
	if gw.resolvedCount(7) != 1 {
		t.Fatalf("resolveGame success count: got %d, want 1", gw.resolvedCount(7))
	}
}

func TestVoteRejectsNonParticipant(t *testing.T) {
	gw := newStubGateway()
	gw.setGame(humanGame(7))
	s := newTestServer(t, gw)

	c := &fakeSession{id: "sess-x"}
	s.handleSubmitVote(c, &arena.SubmitSignedVote{
		GameID: gameID(7), PlayerAddress: addrStranger.Hex(), GuessedBot: true, Signature: "0x01",
	})
	if c.countEvent(arena.EvtVoteError) != 1 {
		t.Fatal("expected voteError for non-participant")
	}
	if s.votes.Has(7, arena.RoleFirst) || s.votes.Has(7, arena.RoleSecond) {
		t.Fatal("rejected vote must not be recorded")
	}
}
