package arena

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Event names shared with the browser client. Names are part of the wire
// protocol; do not rename.
const (
	EvtJoinGame         = "join_game"
	EvtAccessDenied     = "access_denied"
	EvtOpponentJoined   = "opponent_joined"
	EvtSystemMessage    = "system_message"
	EvtTyping           = "typing"
	EvtChatMessage      = "chat_message"
	EvtSubmitSignedVote = "submitSignedVote"
	EvtVoteReceived     = "voteReceived"
	EvtVoteError        = "voteError"
	EvtBotVoteNeeded    = "botVoteNeeded"
	EvtGameResolved     = "gameResolved"
	EvtResolveError     = "resolveError"
)

const maxChatLen = 2000

// Event is an outbound tagged message.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Envelope is the inbound tagged message; Data is decoded per event name
// before any of it reaches the core logic.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// GameID accepts both a JSON number and a numeric string, since browser
// clients historically sent game ids as strings.
type GameID uint64

func (g *GameID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("empty gameId")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("gameId %q is not numeric", s)
		}
		*g = GameID(v)
		return nil
	}
	var v uint64
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("gameId must be a non-negative integer")
	}
	*g = GameID(v)
	return nil
}

// --- inbound payloads ---

type JoinGame struct {
	GameID        *GameID `json:"gameId"`
	PlayerAddress string  `json:"playerAddress"`
}

type Typing struct {
	GameID   *GameID `json:"gameId"`
	Sender   string  `json:"sender"`
	IsTyping bool    `json:"isTyping"`
}

type ChatMessage struct {
	GameID *GameID `json:"gameId"`
	Sender string  `json:"sender"`
	Text   string  `json:"text"`
}

type SubmitSignedVote struct {
	GameID        *GameID `json:"gameId"`
	PlayerAddress string  `json:"playerAddress"`
	GuessedBot    bool    `json:"guessedBot"`
	Signature     string  `json:"signature"`
}

func (p *JoinGame) validate() error {
	if p.GameID == nil {
		return fmt.Errorf("missing gameId")
	}
	if p.PlayerAddress != "" && !common.IsHexAddress(p.PlayerAddress) {
		return fmt.Errorf("invalid playerAddress %q", p.PlayerAddress)
	}
	return nil
}

func (p *Typing) validate() error {
	if p.GameID == nil {
		return fmt.Errorf("missing gameId")
	}
	if p.Sender == "" {
		return fmt.Errorf("missing sender")
	}
	return nil
}

func (p *ChatMessage) validate() error {
	if p.GameID == nil {
		return fmt.Errorf("missing gameId")
	}
	if p.Sender == "" {
		return fmt.Errorf("missing sender")
	}
	if p.Text == "" {
		return fmt.Errorf("empty message")
	}
	if len(p.Text) > maxChatLen {
		return fmt.Errorf("message exceeds %d bytes", maxChatLen)
	}
	return nil
}

func (p *SubmitSignedVote) validate() error {
	if p.GameID == nil {
		return fmt.Errorf("missing gameId")
	}
	if !common.IsHexAddress(p.PlayerAddress) {
		return fmt.Errorf("invalid playerAddress %q", p.PlayerAddress)
	}
	if p.Signature == "" {
		return fmt.Errorf("missing signature")
	}
	if len(common.FromHex(p.Signature)) == 0 {
		return fmt.Errorf("signature is not hex")
	}
	return nil
}

// DecodeJoinGame and friends decode an envelope's data into the typed
// payload and validate required fields at the boundary.

func DecodeJoinGame(data json.RawMessage) (*JoinGame, error) {
	var p JoinGame
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", EvtJoinGame, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", EvtJoinGame, err)
	}
	return &p, nil
}

func DecodeTyping(data json.RawMessage) (*Typing, error) {
	var p Typing
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", EvtTyping, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", EvtTyping, err)
	}
	return &p, nil
}

func DecodeChatMessage(data json.RawMessage) (*ChatMessage, error) {
	var p ChatMessage
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", EvtChatMessage, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", EvtChatMessage, err)
	}
	return &p, nil
}

func DecodeSubmitSignedVote(data json.RawMessage) (*SubmitSignedVote, error) {
	var p SubmitSignedVote
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", EvtSubmitSignedVote, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", EvtSubmitSignedVote, err)
	}
	return &p, nil
}

// --- outbound payloads ---

type AccessDenied struct {
	GameID uint64 `json:"gameId"`
	Reason string `json:"reason"`
}

type OpponentJoined struct {
	GameID  uint64 `json:"gameId"`
	Message string `json:"message"`
}

type SystemMessage struct {
	Text string `json:"text"`
}

type TypingOut struct {
	Sender   string `json:"sender"`
	IsTyping bool   `json:"isTyping"`
}

type ChatMessageOut struct {
	ID        int64  `json:"id"`
	GameID    uint64 `json:"gameId"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type VoteReceived struct {
	GameID  uint64 `json:"gameId"`
	Success bool   `json:"success"`
}

type VoteError struct {
	Error string `json:"error"`
}

type BotVoteNeeded struct {
	GameID  uint64 `json:"gameId"`
	Urgency string `json:"urgency"`
}

type GameResolved struct {
	GameID       uint64 `json:"gameId"`
	TxHash       string `json:"txHash"`
	P1GuessedBot bool   `json:"p1GuessedBot"`
	P2GuessedBot bool   `json:"p2GuessedBot"`
}

type ResolveError struct {
	GameID uint64 `json:"gameId"`
	Error  string `json:"error"`
}
