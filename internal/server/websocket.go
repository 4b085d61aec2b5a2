package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lawnchairsociety/tokenrealms/server/internal/game"
	"github.com/lawnchairsociety/tokenrealms/server/internal/logger"
)

const (
	wsWriteWait     = 10 * time.Second
	wsPongWait      = 60 * time.Second
	wsPingPeriod    = (wsPongWait * 9) / 10
	wsActionTimeout = 10 * time.Second
)

// Websocket message types.
const (
	msgEnter  = "enter"
	msgAction = "action"
	msgExit   = "exit"
	msgState  = "state"
	msgError  = "error"
)

type wsMessage struct {
	Type   string `json:"type"`
	Region string `json:"region"`
	Action string `json:"action"`
}

// wsConn serializes writes to a websocket connection.
type wsConn struct {
	conn     *websocket.Conn
	playerID string
	clientIP string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn, playerID, clientIP string) *wsConn {
	return &wsConn{
		conn:     conn,
		playerID: playerID,
		clientIP: clientIP,
		done:     make(chan struct{}),
	}
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// closeWith sends a close frame and closes the connection. Safe to call more
// than once.
func (c *wsConn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	})
}

// GET /ws?id=...&initData=...
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getRealIP(r)
	q := r.URL.Query()
	id := q.Get("id")
	if id == "" {
		writeError(w, r, fmt.Errorf("%w: id is required", errBadRequest))
		return
	}

	data, err := s.authorize(r, q.Get("initData"), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	release, ok := s.conns.Acquire(clientIP)
	if !ok {
		logger.Warning("WebSocket connection rejected - limit exceeded",
			"remote_addr", r.RemoteAddr,
			"client_ip", clientIP)
		writeError(w, r, fmt.Errorf("%w: too many connections", errRateLimited))
		return
	}

	wsc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		logger.Warning("WebSocket upgrade failed", "client_ip", clientIP, "error", err)
		release()
		return
	}

	if data.User != nil {
		ctx, cancel := context.WithTimeout(s.ctx, wsActionTimeout)
		if err := s.games.Claim(ctx, id, data.User.DisplayName()); err != nil {
			logger.Warning("Failed to set username", "player_id", id, "error", err)
		}
		cancel()
	}

	conn := newWSConn(wsc, id, clientIP)
	s.trackConn(conn)
	go s.serveWebSocket(conn, release)
}

// serveWebSocket runs the read loop for one connection. Each message is
// answered before the next one is read, so replies arrive in order.
func (s *Server) serveWebSocket(c *wsConn, release func()) {
	defer func() {
		s.untrackConn(c)
		c.closeWith(websocket.CloseNormalClosure, "")
		release()
		logger.Debug("WebSocket closed", "player_id", c.playerID, "client_ip", c.clientIP)
	}()

	logger.Debug("WebSocket connected", "player_id", c.playerID, "client_ip", c.clientIP)

	if limit := s.cfg.HTTP.MaxMessageSize; limit > 0 {
		c.conn.SetReadLimit(limit)
	}
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go s.pingLoop(c)

	if err := c.writeJSON(s.wsHandle(c.playerID, wsMessage{Type: msgState})); err != nil {
		return
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket read error", "player_id", c.playerID, "error", err)
			}
			return
		}

		var msg wsMessage
		var reply gameResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			reply = s.wsFailure(c.playerID, msgError, fmt.Errorf("%w: malformed message", errBadRequest))
		} else {
			reply = s.wsHandle(c.playerID, msg)
		}
		if err := c.writeJSON(reply); err != nil {
			return
		}
	}
}

func (s *Server) pingLoop(c *wsConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// wsHandle runs one websocket message against the game manager.
func (s *Server) wsHandle(id string, msg wsMessage) gameResponse {
	ctx, cancel := context.WithTimeout(s.ctx, wsActionTimeout)
	defer cancel()

	var (
		view    game.View
		outcome any
		message string
		err     error
	)
	switch msg.Type {
	case msgEnter:
		res, v, e := s.games.Enter(ctx, id, msg.Region)
		view, err = v, e
		if e == nil {
			outcome, message = res, entryMessage(res)
		}
	case msgAction:
		out, v, e := s.games.Act(ctx, id, msg.Action)
		view, err = v, e
		if e == nil {
			outcome, message = out, outcomeMessage(out)
		}
	case msgExit:
		view, err = s.games.Exit(ctx, id)
		message = "You return to town."
	case msgState:
		view, err = s.games.Snapshot(ctx, id)
	default:
		err = fmt.Errorf("%w: unknown message type %q", errBadRequest, msg.Type)
	}

	if err != nil {
		return s.wsFailure(id, msg.Type, err)
	}
	reply := newGameResponse(view, message, outcome)
	reply.Type = msg.Type
	return reply
}

// wsFailure reports err along with the player's current state.
func (s *Server) wsFailure(id, msgType string, err error) gameResponse {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("WebSocket action failed", "player_id", id, "type", msgType, "error", err)
	}
	reply := gameResponse{Type: msgType, Message: clientMessage(err, status)}

	if errors.Is(err, game.ErrShuttingDown) {
		return reply
	}
	ctx, cancel := context.WithTimeout(s.ctx, wsActionTimeout)
	defer cancel()
	if v, snapErr := s.games.Snapshot(ctx, id); snapErr == nil {
		reply.State = v.State
		reply.UserData = v.Profile
	}
	return reply
}
