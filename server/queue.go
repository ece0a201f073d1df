package server

import (
	"context"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/IanLaFlair/0xHuman/arena"
	"github.com/IanLaFlair/0xHuman/chain"
	"github.com/IanLaFlair/0xHuman/server/arenadb"
)

// settlementJob is a complete verdict pair ready to be written on chain.
type settlementJob struct {
	gameID uint64
	first  chain.Vote
	second chain.Vote
}

// settlementQueue serializes resolveGame transactions. A single resolver
// key signs every settlement, so two in-flight transactions would race on
// the account nonce; jobs therefore drain strictly one at a time, in
// arrival order, across all games.
type settlementQueue struct {
	mtx     sync.Mutex
	jobs    []settlementJob
	busy    bool
	process func(settlementJob)
	log     slog.Logger
}

func newSettlementQueue(log slog.Logger, process func(settlementJob)) *settlementQueue {
	return &settlementQueue{
		log:     log,
		process: process,
	}
}

// enqueue appends the job and starts the drain worker unless one is
// already running.
func (q *settlementQueue) enqueue(job settlementJob) {
	q.mtx.Lock()
	q.jobs = append(q.jobs, job)
	depth := len(q.jobs)
	start := !q.busy
	if start {
		q.busy = true
	}
	q.mtx.Unlock()

	q.log.Debugf("Queued settlement for game %d (depth=%d)", job.gameID, depth)
	if start {
		go q.drain()
	}
}

func (q *settlementQueue) drain() {
	for {
		q.mtx.Lock()
		if len(q.jobs) == 0 {
			q.busy = false
			q.mtx.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mtx.Unlock()

		q.process(job)
	}
}

func (q *settlementQueue) depth() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.jobs)
}

// processSettlement runs on the queue's single drain goroutine. Win or
// lose, the vote pair is discarded afterwards; a failed settlement leaves
// the game open for a fresh pair of votes rather than replaying the old
// signatures automatically.
func (s *Server) processSettlement(job settlementJob) {
	ctx := context.Background()
	s.votes.MarkSettling(job.gameID)

	s.log.Infof("Settling game %d (p1Bot=%t, p2Bot=%t)",
		job.gameID, job.first.GuessedBot, job.second.GuessedBot)

	txHash, err := s.gateway.ResolveGame(ctx, job.gameID, job.first, job.second)
	if err != nil {
		s.votes.Finish(job.gameID, false)
		s.log.Errorf("Settlement for game %d failed: %v", job.gameID, err)
		s.rooms.Broadcast(job.gameID, &arena.Event{Event: arena.EvtResolveError, Data: arena.ResolveError{
			GameID: job.gameID,
			Error:  err.Error(),
		}})
		s.storeSettlement(&arenadb.SettlementRecord{
			GameID:       job.gameID,
			P1GuessedBot: job.first.GuessedBot,
			P2GuessedBot: job.second.GuessedBot,
			Status:       arenadb.StatusFailed,
			Error:        err.Error(),
			CreatedAt:    time.Now(),
		})
		return
	}
	s.votes.Finish(job.gameID, true)
	s.log.Infof("Game %d settled in tx %s", job.gameID, txHash)

	s.rooms.Broadcast(job.gameID, &arena.Event{Event: arena.EvtGameResolved, Data: arena.GameResolved{
		GameID:       job.gameID,
		TxHash:       txHash,
		P1GuessedBot: job.first.GuessedBot,
		P2GuessedBot: job.second.GuessedBot,
	}})
	if room := s.rooms.Lookup(job.gameID); room != nil {
		room.MarkTerminal()
	}

	// Read the resolved game back for winner and stake. Best effort; the
	// settlement itself already succeeded.
	g, err := s.gateway.Game(ctx, job.gameID)
	if err != nil {
		s.log.Warnf("Could not read back game %d after settlement: %v", job.gameID, err)
		g = nil
	}

	rec := &arenadb.SettlementRecord{
		GameID:       job.gameID,
		TxHash:       txHash,
		P1GuessedBot: job.first.GuessedBot,
		P2GuessedBot: job.second.GuessedBot,
		Status:       arenadb.StatusConfirmed,
		CreatedAt:    time.Now(),
	}
	if g != nil {
		rec.Winner = g.Winner.Hex()
		if g.Stake != nil {
			rec.Stake = g.Stake.String()
			rec.Payout = payoutFor(g).String()
		}
	}
	s.storeSettlement(rec)

	go s.notifyLedger(g, txHash)
}

func (s *Server) storeSettlement(rec *arenadb.SettlementRecord) {
	if err := s.db.StoreSettlement(context.Background(), rec); err != nil {
		s.log.Errorf("Failed to store settlement record for game %d: %v", rec.GameID, err)
	}
}
