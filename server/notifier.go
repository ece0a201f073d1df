package server

import (
	"context"
	"math/big"
	"time"

	"github.com/IanLaFlair/0xHuman/chain"
	"github.com/IanLaFlair/0xHuman/exp"
)

// payoutFor is what the winner takes home: both stakes.
func payoutFor(g *chain.Game) *big.Int {
	return new(big.Int).Mul(g.Stake, big.NewInt(2))
}

// notifyLedger pushes the match outcome to the rewards ledger. Strictly
// fire and forget: one attempt, errors logged and swallowed, never
// touching settlement state. Runs on its own goroutine.
func (s *Server) notifyLedger(g *chain.Game, txHash string) {
	if !s.ledger.Enabled() || g == nil {
		return
	}
	if g.IsTie() {
		s.log.Debugf("Game %d ended in a tie, skipping rewards ledger", g.ID)
		return
	}

	loser := g.Player1
	if g.Winner == g.Player1 {
		loser = g.Player2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res := &exp.MatchResult{
		GameID:        g.ID,
		WinnerAddress: g.Winner.Hex(),
		LoserAddress:  loser.Hex(),
		Stake:         g.Stake.String(),
		Payout:        payoutFor(g).String(),
		TxHash:        txHash,
	}
	if err := s.ledger.RecordMatchResult(ctx, res); err != nil {
		s.log.Warnf("Rewards ledger update for game %d failed (ignored): %v", g.ID, err)
	}
}
