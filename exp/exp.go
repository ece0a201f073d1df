// Package exp is the client for the external rewards ledger. Settlement
// is already committed on-chain by the time anything here runs, so every
// failure in this package is log-and-move-on, never a rollback.
package exp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/decred/slog"
)

// MatchResult is the post-settlement payload delivered to the ledger.
// Amounts are decimal strings of the chain's base unit.
type MatchResult struct {
	GameID        uint64 `json:"gameId"`
	WinnerAddress string `json:"winnerAddress"`
	LoserAddress  string `json:"loserAddress"`
	Stake         string `json:"stake"`
	Payout        string `json:"payout"`
	TxHash        string `json:"txHash"`
}

// Client posts match results to the rewards ledger service. A zero base
// URL disables it entirely; callers don't need to special-case that.
type Client struct {
	baseURL string
	http    *http.Client
	log     slog.Logger
}

func NewClient(baseURL string, log slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// Enabled reports whether a ledger endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// RecordMatchResult delivers one result to the ledger. One attempt, no
// queueing; the settlement path never waits on this.
func (c *Client) RecordMatchResult(ctx context.Context, res *MatchResult) error {
	if !c.Enabled() {
		return nil
	}

	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal match result: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/match-result", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post match result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ledger rejected match result: status %d", resp.StatusCode)
	}
	c.log.Debugf("ledger recorded game %d: winner=%s payout=%s", res.GameID, res.WinnerAddress, res.Payout)
	return nil
}
