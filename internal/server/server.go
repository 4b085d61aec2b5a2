// Package server exposes the game over HTTP and websockets.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lawnchairsociety/tokenrealms/server/internal/config"
	"github.com/lawnchairsociety/tokenrealms/server/internal/game"
	"github.com/lawnchairsociety/tokenrealms/server/internal/logger"
	"github.com/lawnchairsociety/tokenrealms/server/internal/persistence"
)

// SaveQueue is the pending-write side of the persistence layer.
// *persistence.Synchronizer satisfies it.
type SaveQueue interface {
	FlushAll(ctx context.Context) error
	Pending() int
	Tracked() int
}

// Server serves the REST API and the websocket action stream.
type Server struct {
	cfg   *config.ServerConfig
	games *game.Manager
	store persistence.Store
	saves SaveQueue

	guard    *SignatureGuard
	limiter  *RequestLimiter
	conns    *ConnLimiter
	upgrader websocket.Upgrader

	httpServer *http.Server
	startTime  time.Time

	// ctx is cancelled on Shutdown; websocket actions derive from it.
	ctx    context.Context
	cancel context.CancelFunc

	wsMu    sync.Mutex
	wsConns map[*wsConn]struct{}

	shutdownOnce sync.Once
}

// New wires a server. saves may be nil, which disables the flush endpoint.
func New(cfg *config.ServerConfig, games *game.Manager, store persistence.Store, saves SaveQueue) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		games:     games,
		store:     store,
		saves:     saves,
		guard:     NewSignatureGuard(cfg.RateLimit),
		limiter:   NewRequestLimiter(cfg.RateLimit),
		conns:     NewConnLimiter(cfg.Connections),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		wsConns:   make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			allowed := s.cfg.HTTP.IsOriginAllowed(origin, r.Host)
			if !allowed {
				logger.Warning("WebSocket connection rejected - origin not allowed",
					"origin", origin,
					"host", r.Host,
					"remote_addr", r.RemoteAddr)
			}
			return allowed
		},
	}
	s.httpServer = &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		ErrorLog:     logger.StdLogger(slog.LevelWarn),
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go s.startPruneTicker()
	return s
}

// Handler returns the full middleware-wrapped route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/users/{id}", s.handleGetUser)
	mux.HandleFunc("POST /api/users/{id}/update", s.handleSaveUser)
	mux.HandleFunc("POST /api/users/{id}/save", s.handleSaveUser)
	mux.HandleFunc("GET /api/users/{id}/battles", s.handleUserBattles)
	mux.HandleFunc("POST /api/users/{id}/regions/{key}/enter", s.handleEnter)
	mux.HandleFunc("POST /api/users/{id}/combat/{action}", s.handleAction)
	mux.HandleFunc("POST /api/users/{id}/exit", s.handleExit)

	mux.HandleFunc("GET /api/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("POST /api/battles", s.handleRecordBattle)
	mux.HandleFunc("GET /api/regions", s.handleRegions)

	mux.HandleFunc("GET /api/admin/sessions", s.requireAdmin(s.handleAdminSessions))
	mux.HandleFunc("POST /api/admin/flush", s.requireAdmin(s.handleAdminFlush))

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	var h http.Handler = mux
	h = s.withRateLimit(h)
	h = s.withTracing(h)
	h = s.withCORS(h)
	h = withRecovery(h)
	return h
}

// ListenAndServe blocks until the server stops. A graceful Shutdown is not
// reported as an error.
func (s *Server) ListenAndServe() error {
	logger.Info("HTTP server listening", "address", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	logger.Info("HTTP server listening", "address", l.Addr().String())
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, closes websocket connections and waits
// for in-flight requests until ctx expires. Game sessions are left to the
// game manager.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.httpServer.Shutdown(ctx)
		s.cancel()
		s.guard.Stop()

		s.wsMu.Lock()
		conns := make([]*wsConn, 0, len(s.wsConns))
		for c := range s.wsConns {
			conns = append(conns, c)
		}
		s.wsMu.Unlock()
		for _, c := range conns {
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
		}

		logger.Info("HTTP server stopped", "websockets_closed", len(conns))
	})
	return err
}

// startPruneTicker drops request-limiter buckets for IPs that went quiet.
func (s *Server) startPruneTicker() {
	if s.limiter == nil {
		return
	}
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.limiter.Prune(now)
		}
	}
}

func (s *Server) trackConn(c *wsConn) {
	s.wsMu.Lock()
	s.wsConns[c] = struct{}{}
	s.wsMu.Unlock()
}

func (s *Server) untrackConn(c *wsConn) {
	s.wsMu.Lock()
	delete(s.wsConns, c)
	s.wsMu.Unlock()
}
