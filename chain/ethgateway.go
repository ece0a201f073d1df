package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/decred/slog"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// arenaABI covers the three entry points this service touches: the games
// getter, the settlement call, and gameCount for sanity checks.
const arenaABI = `[
  {
    "inputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "name": "games",
    "outputs": [
      {"internalType": "address", "name": "player1", "type": "address"},
      {"internalType": "address", "name": "player2", "type": "address"},
      {"internalType": "uint256", "name": "stake", "type": "uint256"},
      {"internalType": "uint8", "name": "status", "type": "uint8"},
      {"internalType": "address", "name": "winner", "type": "address"},
      {"internalType": "uint256", "name": "timestamp", "type": "uint256"},
      {"internalType": "bool", "name": "isPlayer2Bot", "type": "bool"},
      {"internalType": "bool", "name": "player1GuessedBot", "type": "bool"},
      {"internalType": "bool", "name": "player1Submitted", "type": "bool"},
      {"internalType": "bool", "name": "player2GuessedBot", "type": "bool"},
      {"internalType": "bool", "name": "player2Submitted", "type": "bool"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint256", "name": "gameId", "type": "uint256"},
      {"internalType": "bool", "name": "p1GuessedBot", "type": "bool"},
      {"internalType": "bytes", "name": "p1Signature", "type": "bytes"},
      {"internalType": "bool", "name": "p2GuessedBot", "type": "bool"},
      {"internalType": "bytes", "name": "p2Signature", "type": "bytes"}
    ],
    "name": "resolveGame",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "gameCount",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

// EthConfig carries the connectivity and signing parameters for the real
// gateway. All fields are required; NewEthGateway rejects partial config.
type EthConfig struct {
	RPCURL          string
	ContractAddress string
	ResolverPrivKey string // 32-byte hex, with or without 0x prefix
	ChainID         int64

	Log slog.Logger
}

// EthGateway talks to the settlement contract over JSON-RPC. It holds the
// resolver's private key; nonce safety is the settlement queue's job, the
// gateway itself just issues one transaction per ResolveGame call.
type EthGateway struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	addr     common.Address
	key      *ecdsa.PrivateKey
	resolver common.Address
	chainID  *big.Int
	log      slog.Logger
}

var _ Gateway = (*EthGateway)(nil)

func NewEthGateway(cfg EthConfig) (*EthGateway, error) {
	if cfg.RPCURL == "" || cfg.ContractAddress == "" || cfg.ResolverPrivKey == "" || cfg.ChainID == 0 {
		return nil, fmt.Errorf("incomplete chain config: rpc=%q contract=%q key_set=%t chain_id=%d",
			cfg.RPCURL, cfg.ContractAddress, cfg.ResolverPrivKey != "", cfg.ChainID)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.ResolverPrivKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse resolver key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(arenaABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", cfg.RPCURL, err)
	}

	addr := common.HexToAddress(cfg.ContractAddress)
	g := &EthGateway{
		client:   client,
		contract: bind.NewBoundContract(addr, parsed, client, client, client),
		addr:     addr,
		key:      key,
		resolver: crypto.PubkeyToAddress(key.PublicKey),
		chainID:  big.NewInt(cfg.ChainID),
		log:      cfg.Log,
	}
	g.log.Infof("chain gateway ready: contract=%s resolver=%s chain_id=%d",
		addr.Hex(), g.resolver.Hex(), cfg.ChainID)
	return g, nil
}

func (g *EthGateway) ResolverAddress() common.Address {
	return g.resolver
}

// Close releases the underlying RPC connection.
func (g *EthGateway) Close() {
	g.client.Close()
}

func (g *EthGateway) Game(ctx context.Context, id uint64) (*Game, error) {
	var out []interface{}
	err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, "games", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, fmt.Errorf("read game %d: %w", id, err)
	}
	if len(out) != 11 {
		return nil, fmt.Errorf("read game %d: unexpected tuple size %d", id, len(out))
	}

	game := &Game{
		ID:                id,
		Player1:           out[0].(common.Address),
		Player2:           out[1].(common.Address),
		Stake:             out[2].(*big.Int),
		Status:            GameStatus(out[3].(uint8)),
		Winner:            out[4].(common.Address),
		Timestamp:         out[5].(*big.Int),
		IsPlayer2Bot:      out[6].(bool),
		Player1GuessedBot: out[7].(bool),
		Player1Submitted:  out[8].(bool),
		Player2GuessedBot: out[9].(bool),
		Player2Submitted:  out[10].(bool),
	}
	return game, nil
}

func (g *EthGateway) ResolveGame(ctx context.Context, id uint64, p1, p2 Vote) (string, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(g.key, g.chainID)
	if err != nil {
		return "", fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx

	tx, err := g.contract.Transact(opts, "resolveGame",
		new(big.Int).SetUint64(id),
		p1.GuessedBot, p1.Signature,
		p2.GuessedBot, p2.Signature)
	if err != nil {
		return "", fmt.Errorf("submit resolveGame(%d): %w", id, err)
	}
	g.log.Debugf("resolveGame(%d) submitted: tx=%s nonce=%d", id, tx.Hash().Hex(), tx.Nonce())

	receipt, err := bind.WaitMined(ctx, g.client, tx)
	if err != nil {
		return "", fmt.Errorf("await resolveGame(%d) tx %s: %w", id, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("resolveGame(%d) tx %s reverted", id, tx.Hash().Hex())
	}

	g.log.Infof("resolveGame(%d) confirmed in block %d: tx=%s", id, receipt.BlockNumber, tx.Hash().Hex())
	return tx.Hash().Hex(), nil
}
