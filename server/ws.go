package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vctt94/bisonbotkit/utils"

	"github.com/IanLaFlair/0xHuman/arena"
)

const (
	maxMessageSize = 8192
	writeWait      = 10 * time.Second
)

// wsSession is a single websocket connection. It satisfies arena.Subscriber
// so rooms can broadcast to it directly.
type wsSession struct {
	id   string
	conn *websocket.Conn

	// writeMtx serializes writes; gorilla connections do not support
	// concurrent writers and room broadcasts come from many goroutines.
	writeMtx sync.Mutex

	mtx      sync.RWMutex
	identity string

	closeOnce sync.Once
}

func (c *wsSession) SessionID() string {
	return c.id
}

// Identity returns the session's wallet address once a join carried one,
// otherwise the session id. Distinct identities are what opponent_joined
// counts.
func (c *wsSession) Identity() string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	if c.identity != "" {
		return c.identity
	}
	return c.id
}

func (c *wsSession) setIdentity(addr string) {
	c.mtx.Lock()
	c.identity = addr
	c.mtx.Unlock()
}

func (c *wsSession) Send(ev *arena.Event) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(ev)
}

func (c *wsSession) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// handleWS upgrades the request and runs the session's read loop until the
// peer goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("Websocket upgrade failed: %v", err)
		return
	}

	id, err := utils.GenerateRandomString(16)
	if err != nil {
		s.log.Errorf("Failed to generate session id: %v", err)
		conn.Close()
		return
	}

	c := &wsSession{id: id, conn: conn}
	s.registerSession(c)
	s.log.Debugf("Session %s connected from %s", c.id, r.RemoteAddr)

	defer func() {
		s.handleDisconnect(c)
		c.close()
	}()

	conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debugf("Session %s read error: %v", c.id, err)
			}
			return
		}
		s.dispatch(c, raw)
	}
}

// dispatch decodes the tagged envelope and routes it. Malformed payloads
// never reach the handlers; votes get an explicit error event back, chatter
// events are dropped with a log line like any other unusable frame.
func (s *Server) dispatch(c *wsSession, raw []byte) {
	var env arena.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Debugf("Session %s sent undecodable frame: %v", c.id, err)
		return
	}

	switch env.Event {
	case arena.EvtJoinGame:
		req, err := arena.DecodeJoinGame(env.Data)
		if err != nil {
			s.log.Debugf("Session %s bad join_game payload: %v", c.id, err)
			return
		}
		s.handleJoinGame(c, req)

	case arena.EvtTyping:
		req, err := arena.DecodeTyping(env.Data)
		if err != nil {
			s.log.Debugf("Session %s bad typing payload: %v", c.id, err)
			return
		}
		s.handleTyping(c, req)

	case arena.EvtChatMessage:
		req, err := arena.DecodeChatMessage(env.Data)
		if err != nil {
			s.log.Debugf("Session %s bad chat_message payload: %v", c.id, err)
			return
		}
		s.handleChatMessage(c, req)

	case arena.EvtSubmitSignedVote:
		req, err := arena.DecodeSubmitSignedVote(env.Data)
		if err != nil {
			c.Send(&arena.Event{Event: arena.EvtVoteError, Data: arena.VoteError{Error: err.Error()}})
			return
		}
		s.handleSubmitVote(c, req)

	default:
		s.log.Debugf("Session %s sent unknown event %q", c.id, env.Event)
	}
}
