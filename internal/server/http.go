package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// DefaultPath is the only path on which upgrades are accepted.
const DefaultPath = "/ws"

// Server exposes the relay over HTTP: the websocket endpoint plus a few
// plain routes for operators.
type Server struct {
	relay    *Relay
	wsPath   string
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(relay *Relay, wsPath string, logger *slog.Logger) *Server {
	if wsPath == "" {
		wsPath = DefaultPath
	}
	return &Server{
		relay:  relay,
		wsPath: wsPath,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routes with stray-upgrade rejection and panic
// recovery applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.wsPath, s.ServeWS)
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /stats", s.stats)
	mux.HandleFunc("GET /{$}", s.banner)

	return s.rejectStrayUpgrades(s.recoverer(mux))
}

// ServeWS upgrades the request and runs the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(ws, s.logger)
	s.logger.Debug("connection opened", "remote", conn.RemoteAddr())

	go conn.writePump()
	conn.readPump(func(c *Conn, data []byte) {
		s.relay.Handle(c, data)
	})

	s.relay.HandleDisconnect(conn)
	s.logger.Debug("connection closed", "remote", conn.RemoteAddr())
}

// rejectStrayUpgrades drops upgrade attempts on any other path by closing
// the socket without writing a handshake reply.
func (s *Server) rejectStrayUpgrades(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == s.wsPath || !websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		s.logger.Warn("rejected upgrade", "path", r.URL.Path, "remote", r.RemoteAddr)
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		netConn, _, err := hj.Hijack()
		if err != nil {
			s.logger.Error("hijack failed", "error", err)
			return
		}
		netConn.Close()
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic while serving request",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) banner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("relay is running\n"))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	rooms, sessions := s.relay.Registry().Stats()
	s.writeJSON(w, map[string]int{"rooms": rooms, "sessions": sessions})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
