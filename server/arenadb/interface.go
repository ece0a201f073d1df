package arenadb

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMainBucketNotFound = errors.New("settlements bucket not found")
	ErrGameNotFound       = errors.New("no settlement records for game")
)

type SettlementStatus string

const (
	StatusConfirmed SettlementStatus = "confirmed"
	StatusFailed    SettlementStatus = "failed"
)

// SettlementRecord is the persisted outcome of one settlement attempt.
// Confirmed records carry the transaction hash and both verdicts; failed
// records carry the error instead.
type SettlementRecord struct {
	ID           uint64           `json:"id"`
	GameID       uint64           `json:"game_id"`
	TxHash       string           `json:"tx_hash,omitempty"`
	P1GuessedBot bool             `json:"p1_guessed_bot"`
	P2GuessedBot bool             `json:"p2_guessed_bot"`
	Winner       string           `json:"winner,omitempty"`
	Stake        string           `json:"stake,omitempty"`
	Payout       string           `json:"payout,omitempty"`
	Status       SettlementStatus `json:"status"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// ArenaDB stores settlement history. The realtime path never reads it;
// it exists for the HTTP status endpoints and post-mortem digging.
type ArenaDB interface {
	StoreSettlement(ctx context.Context, rec *SettlementRecord) error
	FetchSettlementsByGame(ctx context.Context, gameID uint64) ([]*SettlementRecord, error)
	FetchAllSettlements(ctx context.Context) ([]*SettlementRecord, error)
	Close() error
}
