package server

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/vctt94/bisonbotkit/logging"

	"github.com/IanLaFlair/0xHuman/chain"
)

// ServerConfig carries everything NewServer needs. LogBackend and either
// Gateway or the full chain connectivity block are required; the rest has
// defaults.
type ServerConfig struct {
	DataDir    string
	ListenAddr string

	DebugLevel string
	LogBackend *logging.LogBackend

	// Chain connectivity, used to build the real gateway when Gateway is
	// nil. Tests inject a stub Gateway instead.
	RPCURL          string
	ContractAddress string
	ResolverPrivKey string
	ChainID         int64
	Gateway         chain.Gateway

	// Rewards ledger base URL; empty disables the notifier.
	ExpServiceURL string

	// DenyOnChainError turns off the fail-open admission policy. By
	// default a chain read error during join admits the player rather
	// than locking a legitimate one out over an RPC hiccup; the
	// contract's own signature check is the real guard. The zero value
	// is fail-open on every construction path.
	DenyOnChainError bool

	// Eviction policy for ephemeral room/vote state.
	RoomTTL       time.Duration
	SweepInterval time.Duration
}

const (
	defaultListenAddr    = ":3001"
	defaultRoomTTL       = 2 * time.Hour
	defaultSweepInterval = 5 * time.Minute
)

func (cfg *ServerConfig) setDefaults() {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = defaultRoomTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
}

// ConfigFromEnv builds a ServerConfig from the environment. The caller
// loads .env files first (godotenv) so both deploy styles work.
func ConfigFromEnv() (*ServerConfig, error) {
	cfg := &ServerConfig{
		DataDir:         os.Getenv("ARENA_DATA_DIR"),
		ListenAddr:      os.Getenv("ARENA_LISTEN_ADDR"),
		DebugLevel:      os.Getenv("ARENA_DEBUG_LEVEL"),
		RPCURL:          os.Getenv("RPC_URL"),
		ContractAddress: os.Getenv("CONTRACT_ADDRESS"),
		ResolverPrivKey: os.Getenv("PRIVATE_KEY"),
		ExpServiceURL:   os.Getenv("EXP_SERVICE_URL"),
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
	if cfg.DebugLevel == "" {
		cfg.DebugLevel = "info"
	}

	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid CHAIN_ID %q: %w", v, err)
		}
		cfg.ChainID = id
	}
	if v := os.Getenv("ADMIT_ON_CHAIN_ERROR"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ADMIT_ON_CHAIN_ERROR %q: %w", v, err)
		}
		cfg.DenyOnChainError = !b
	}
	if v := os.Getenv("ROOM_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ROOM_TTL %q: %w", v, err)
		}
		cfg.RoomTTL = d
	}

	return cfg, nil
}
