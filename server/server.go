package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"

	"github.com/IanLaFlair/0xHuman/arena"
	"github.com/IanLaFlair/0xHuman/chain"
	"github.com/IanLaFlair/0xHuman/exp"
	"github.com/IanLaFlair/0xHuman/server/arenadb"
)

type Server struct {
	sync.RWMutex

	log slog.Logger
	cfg ServerConfig

	rooms *arena.RoomManager
	votes *arena.VoteTracker
	queue *settlementQueue

	gateway  chain.Gateway
	ledger   *exp.Client
	db       arenadb.ArenaDB
	sessions map[string]*wsSession

	httpServer *http.Server
	upgrader   websocket.Upgrader

	ownsGateway bool
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.LogBackend == nil {
		return nil, fmt.Errorf("log backend is nil")
	}
	cfg.setDefaults()

	dbPath := filepath.Join(cfg.DataDir, "arena.db")
	db, err := arenadb.NewBoltDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	gateway := cfg.Gateway
	ownsGateway := false
	if gateway == nil {
		eth, err := chain.NewEthGateway(chain.EthConfig{
			RPCURL:          cfg.RPCURL,
			ContractAddress: cfg.ContractAddress,
			ResolverPrivKey: cfg.ResolverPrivKey,
			ChainID:         cfg.ChainID,
			Log:             cfg.LogBackend.Logger("CHAN"),
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create chain gateway: %w", err)
		}
		gateway = eth
		ownsGateway = true
	}

	s := &Server{
		log:         cfg.LogBackend.Logger("SRVR"),
		cfg:         cfg,
		rooms:       arena.NewRoomManager(cfg.LogBackend.Logger("ROOM")),
		votes:       arena.NewVoteTracker(cfg.LogBackend.Logger("VOTE")),
		gateway:     gateway,
		ledger:      exp.NewClient(cfg.ExpServiceURL, cfg.LogBackend.Logger("EXP")),
		db:          db,
		sessions:    make(map[string]*wsSession),
		ownsGateway: ownsGateway,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from arbitrary origins; the
			// contract read gates room access, not the Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.queue = newSettlementQueue(cfg.LogBackend.Logger("STLQ"), s.processSettlement)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/settlements", s.handleFetchSettlements)
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		s.log.Infof("Listening on %s", cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("HTTP server error: %v", err)
		}
	}()

	return s, nil
}

// Run blocks until ctx is cancelled, sweeping stale rooms and vote pairs
// on a ticker along the way.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Shutdown(shutdownCtx); err != nil {
				s.log.Errorf("Error during server shutdown: %v", err)
			}
			return nil

		case <-ticker.C:
			rooms := s.rooms.Sweep(s.cfg.RoomTTL)
			pairs := s.votes.Sweep(s.cfg.RoomTTL)
			if rooms > 0 || pairs > 0 {
				s.log.Debugf("Swept %d stale rooms, %d stale vote pairs", rooms, pairs)
			}
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleFetchSettlements serves the settlement history out of the bolt db,
// optionally filtered by ?gameId=N.
func (s *Server) handleFetchSettlements(w http.ResponseWriter, r *http.Request) {
	var (
		records []*arenadb.SettlementRecord
		err     error
	)
	if v := r.URL.Query().Get("gameId"); v != "" {
		gameID, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			http.Error(w, "invalid gameId", http.StatusBadRequest)
			return
		}
		records, err = s.db.FetchSettlementsByGame(r.Context(), gameID)
		if errors.Is(err, arenadb.ErrGameNotFound) {
			records, err = nil, nil
		}
	} else {
		records, err = s.db.FetchAllSettlements(r.Context())
	}
	if err != nil {
		s.log.Errorf("Failed to fetch settlements: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*arenadb.SettlementRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		s.log.Errorf("Failed to encode settlements: %v", err)
	}
}

func (s *Server) registerSession(c *wsSession) {
	s.Lock()
	s.sessions[c.id] = c
	s.Unlock()
}

func (s *Server) handleDisconnect(c *wsSession) {
	s.Lock()
	delete(s.sessions, c.id)
	s.Unlock()

	s.rooms.Detach(c.id)
	s.log.Debugf("Session %s disconnected", c.id)
}

// Shutdown closes the HTTP listener and every live websocket connection,
// then the gateway, then the database last.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		s.log.Info("Shutting down HTTP server...")
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Errorf("Error shutting down HTTP server: %v", err)
		}
	}

	s.log.Info("Closing websocket sessions...")
	s.Lock()
	for _, c := range s.sessions {
		c.close()
	}
	s.sessions = make(map[string]*wsSession)
	s.Unlock()

	if s.ownsGateway {
		if closer, ok := s.gateway.(interface{ Close() }); ok {
			closer.Close()
		}
	}

	s.log.Info("Closing database...")
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing database: %v", err)
	}

	s.log.Info("Server shut down completed.")
	return nil
}
