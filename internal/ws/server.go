// Package ws is the signaling edge: it upgrades HTTP connections to
// WebSocket, tracks one Connection per participant, and dispatches incoming
// frames to the registered handlers. I/O readiness comes from a Linux epoll
// instance rather than a goroutine per connection, so idle callers waiting
// in the pool cost almost nothing.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/sparkdate/video-app/internal/metrics"
	"github.com/sparkdate/video-app/internal/protocol"
	"github.com/sparkdate/video-app/internal/ratelimit"
	"github.com/sparkdate/video-app/internal/session"
)

// ServerConfig holds tunable parameters for the signaling server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket signaling server built on gobwas/ws and epoll.
// Each accepted connection gets a fresh participant id and a Redis-backed
// participant session; frames from ready connections are read by a bounded
// worker pool.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	participants *session.Store
	limiter      *ratelimit.Limiter // optional per-IP connect throttle
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(participantID string)
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. The onMessage callback runs on a worker
// goroutine for every complete text frame received from a client.
func NewServer(config ServerConfig, participants *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:       config,
		conns:        NewConnectionManager(),
		participants: participants,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		done:         make(chan struct{}),
	}
}

// SetLimiter installs a rate limiter used to throttle connection attempts
// per client IP. Without one, connects are unthrottled.
func (s *Server) SetLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close). It runs before the
// participant session is deleted, so the handler can inspect session state.
func (s *Server) SetOnDisconnect(fn func(participantID string)) {
	s.onDisconnect = fn
}

// Start initializes epoll, configures the HTTP server and begins accepting
// connections. It blocks on ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: signaling server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection, mints a
// participant id, creates the participant session and announces the id to
// the client.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		allowed, _ := s.limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleConnect)
		if !allowed {
			http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	participantID := uuid.New().String()

	// Device identity issued by the host platform. Bans key on it, so a
	// missing value degrades to the client IP rather than the throwaway
	// participant id.
	identity := r.URL.Query().Get("device")
	if identity == "" {
		identity = clientIP(r)
	}

	c := &Connection{
		ID:        participantID,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastSeen:  time.Now(),
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for participant %s: %v", participantID, err)
		s.conns.Remove(participantID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	if s.participants != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.participants.Create(ctx, participantID, identity); err != nil {
			log.Printf("ws: failed to create participant session %s: %v", participantID, err)
		}
	}

	created, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		ParticipantID: participantID,
	})
	if err != nil {
		log.Printf("ws: failed to build session_created for %s: %v", participantID, err)
	} else if err := c.WriteMessage(created); err != nil {
		log.Printf("ws: failed to send session_created to %s: %v", participantID, err)
	}

	log.Printf("ws: new connection participant=%s fd=%d (total=%d)", participantID, fd, s.conns.Count())
}

// clientIP extracts the caller's IP, honoring X-Forwarded-For from the load
// balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime. Used by the load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. Each batch of ready connections
// is dispatched to worker goroutines bounded by the pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so control frames are handled without blocking on a
// data frame that may never arrive. A failed read removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll
		// dispatch). The heartbeat handles genuinely dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastSeen = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll and the manager and
// closes the socket. Exported so the heartbeat can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Only one of the racing removers (read error, heartbeat, shutdown)
	// proceeds past this point.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	// The disconnect handler runs before the session is deleted so it can
	// read the participant's room and search state.
	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.participants != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.participants.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete participant session %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed participant=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the participant's
// connection. Goroutine-safe via the per-connection write mutex.
func (s *Server) SendMessage(participantID string, data []byte) error {
	c := s.conns.Get(participantID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", participantID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear the deadline so it does not affect heartbeat pings.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for the heartbeat and handlers.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Participants returns the participant session store.
func (s *Server) Participants() *session.Store {
	return s.participants
}

// Shutdown stops the HTTP listener, signals the event loop to exit, closes
// all active connections and tears down the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		if s.participants != nil {
			delCtx, delCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.participants.Delete(delCtx, c.ID)
			delCancel()
		}
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks for the interrupted-syscall error, which is expected
// during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
