package server

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/IanLaFlair/0xHuman/arena"
	"github.com/IanLaFlair/0xHuman/chain"
)

const (
	systemJoinMessage     = "A new entity has entered the arena."
	opponentJoinedMessage = "Your opponent has entered the arena."
)

// session is what the handlers need from a connection. wsSession is the
// real one; tests substitute a recorder.
type session interface {
	arena.Subscriber
	setIdentity(addr string)
}

// authorizeJoin checks the contract's participant list for the joining
// address. A chain read error admits the player unless DenyOnChainError
// is set: an RPC hiccup must not lock a legitimate player out of their
// own game, and the contract's signature verification is the real guard
// on anything that matters.
func (s *Server) authorizeJoin(ctx context.Context, gameID uint64, addr common.Address) (bool, string) {
	g, err := s.gateway.Game(ctx, gameID)
	if err != nil {
		if !s.cfg.DenyOnChainError {
			s.log.Warnf("Chain read failed for game %d, admitting %s anyway: %v", gameID, addr.Hex(), err)
			return true, ""
		}
		s.log.Warnf("Chain read failed for game %d, denying %s: %v", gameID, addr.Hex(), err)
		return false, "unable to verify game participant"
	}
	return arena.Admit(g, s.gateway.ResolverAddress(), addr)
}

func (s *Server) handleJoinGame(c session, req *arena.JoinGame) {
	gameID := uint64(*req.GameID)

	if req.PlayerAddress != "" {
		addr := common.HexToAddress(req.PlayerAddress)
		ok, reason := s.authorizeJoin(context.Background(), gameID, addr)
		if !ok {
			s.log.Infof("Denied %s access to game %d: %s", addr.Hex(), gameID, reason)
			c.Send(&arena.Event{Event: arena.EvtAccessDenied, Data: arena.AccessDenied{
				GameID: gameID,
				Reason: reason,
			}})
			return
		}
		c.setIdentity(arena.NormalizeAddress(req.PlayerAddress))
	}

	room := s.rooms.Room(gameID)
	newIdentity, distinct := room.Add(c)
	s.log.Debugf("Session %s joined game %d (identity=%s, distinct=%d)",
		c.SessionID(), gameID, c.Identity(), distinct)

	room.BroadcastExcept(c.SessionID(), &arena.Event{Event: arena.EvtSystemMessage, Data: arena.SystemMessage{
		Text: systemJoinMessage,
	}})

	if newIdentity && distinct == 2 {
		room.Broadcast(&arena.Event{Event: arena.EvtOpponentJoined, Data: arena.OpponentJoined{
			GameID:  gameID,
			Message: opponentJoinedMessage,
		}})
	}
}

// handleTyping relays typing indicators to everyone else in the room. The
// room is never created here; typing in a game nobody joined goes nowhere.
func (s *Server) handleTyping(c session, req *arena.Typing) {
	room := s.rooms.Lookup(uint64(*req.GameID))
	if room == nil {
		return
	}
	room.Touch()
	room.BroadcastExcept(c.SessionID(), &arena.Event{Event: arena.EvtTyping, Data: arena.TypingOut{
		Sender:   req.Sender,
		IsTyping: req.IsTyping,
	}})
}

// handleChatMessage stamps the message with a server-side id and timestamp
// and relays it to the whole room, sender included, so every client renders
// the same canonical message.
func (s *Server) handleChatMessage(c session, req *arena.ChatMessage) {
	gameID := uint64(*req.GameID)
	room := s.rooms.Lookup(gameID)
	if room == nil {
		return
	}
	room.Touch()

	now := time.Now().UnixMilli()
	s.log.Debugf("[game %d] %s: %s", gameID, req.Sender, req.Text)
	room.Broadcast(&arena.Event{Event: arena.EvtChatMessage, Data: arena.ChatMessageOut{
		ID:        now,
		GameID:    gameID,
		Sender:    req.Sender,
		Text:      req.Text,
		Timestamp: now,
	}})
}

func (s *Server) handleSubmitVote(c session, req *arena.SubmitSignedVote) {
	gameID := uint64(*req.GameID)
	addr := common.HexToAddress(req.PlayerAddress)

	voteErr := func(msg string) {
		c.Send(&arena.Event{Event: arena.EvtVoteError, Data: arena.VoteError{Error: msg}})
	}

	g, err := s.gateway.Game(context.Background(), gameID)
	if err != nil {
		s.log.Errorf("Chain read failed for vote on game %d: %v", gameID, err)
		voteErr("unable to read game state")
		return
	}
	if !g.Exists() {
		voteErr("game not found")
		return
	}
	if g.Status == chain.StatusResolved {
		voteErr("game is already resolved")
		return
	}

	role, err := arena.ClassifyVoter(g, s.gateway.ResolverAddress(), addr)
	if err != nil {
		s.log.Infof("Rejected vote from %s on game %d: %v", addr.Hex(), gameID, err)
		voteErr(err.Error())
		return
	}

	vote := chain.Vote{
		Address:    addr,
		GuessedBot: req.GuessedBot,
		Signature:  common.FromHex(req.Signature),
	}
	complete, first, second, err := s.votes.Record(gameID, role, vote)
	if err != nil {
		voteErr(err.Error())
		return
	}

	ack := &arena.Event{Event: arena.EvtVoteReceived, Data: arena.VoteReceived{
		GameID:  gameID,
		Success: true,
	}}
	c.Send(ack)
	if room := s.rooms.Lookup(gameID); room != nil {
		room.Touch()
		room.BroadcastExcept(c.SessionID(), ack)
	}

	// A human voted against a bot opponent whose agent has not voted yet:
	// nudge the agent so the pair completes promptly.
	if role == arena.RoleFirst && g.IsPlayer2Bot && !complete {
		s.rooms.Broadcast(gameID, &arena.Event{Event: arena.EvtBotVoteNeeded, Data: arena.BotVoteNeeded{
			GameID:  gameID,
			Urgency: "high",
		}})
	}

	if complete {
		s.log.Infof("Both verdicts in for game %d, queueing settlement", gameID)
		s.queue.enqueue(settlementJob{gameID: gameID, first: first, second: second})
	}
}
