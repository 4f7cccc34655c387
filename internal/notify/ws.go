package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// welcome is the first frame sent to every client.
type welcome struct {
	Kind string `json:"kind"`
	Seq  int64  `json:"seq"`
}

// Server streams hub changes to WebSocket clients at /ws.
type Server struct {
	hub    *Hub
	addr   string
	logger *slog.Logger

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	listener net.Listener
	srv      *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a server that will listen on addr (":0" picks a port).
func NewServer(hub *Hub, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:     hub,
		addr:    addr,
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
	}
}

// Start begins listening and broadcasting.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	changes, unsubscribe := s.hub.Subscribe(256)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("notify server stopped", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.broadcastLoop(changes)
	}()

	s.logger.Info("notify server listening", "addr", ln.Addr().String())
	return nil
}

// Stop closes every client and waits for the server goroutines.
func (s *Server) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := s.srv.Shutdown(shutdownCtx)
	s.wg.Wait()
	return err
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) broadcastLoop(changes <-chan Change) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			data, err := json.Marshal(c)
			if err != nil {
				s.logger.Error("marshal change", "error", err)
				continue
			}
			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Debug("dropping websocket client", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept", "error", err)
		return
	}

	hello, _ := json.Marshal(welcome{Kind: "welcome", Seq: s.hub.seq.Current()})
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	err = conn.Write(ctx, websocket.MessageText, hello)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "welcome failed")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()

	s.readLoop(conn)
}

// readLoop discards client frames until the connection closes.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.clients[conn] {
		delete(s.clients, conn)
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
		"seq":     s.hub.seq.Current(),
	})
}
