// Package feed streams daemon activity to WebSocket clients.
//
// Every connected client receives each message as a JSON text frame. The
// feed is read-only: anything a client sends is discarded.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// MessageType identifies a feed message.
type MessageType string

const (
	// MessageTypeItemSynced reports an item written to the database.
	MessageTypeItemSynced MessageType = "item_synced"

	// MessageTypeWaitFinished reports the end of a wait for a writer.
	MessageTypeWaitFinished MessageType = "wait_finished"

	// MessageTypeWalkFinished reports a completed full walk.
	MessageTypeWalkFinished MessageType = "walk_finished"

	// MessageTypeStats carries the daemon counters.
	MessageTypeStats MessageType = "stats"
)

// Message is one broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. "127.0.0.1:8765". Port 0 picks a free port.
	Addr string

	// Logger for server activity
	Logger zerolog.Logger
}

// Server manages WebSocket connections and broadcasts messages.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	log      zerolog.Logger

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// lastStats is sent to clients as they connect.
	lastStats   json.RawMessage
	lastStatsMu sync.Mutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a feed server. Call Start to begin listening.
func NewServer(config Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      config.Addr,
		log:       config.Logger.With().Str("component", "feed").Logger(),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 256),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start listens and serves /ws and /health.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info().Str("addr", ln.Addr().String()).Msg("feed listening")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("feed server failed")
		}
	}()
	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "daemon shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := s.server.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("feed shutdown: %w", serr)
		}
	}
	s.wg.Wait()
	return err
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast queues msg for every client. It never blocks; when the queue
// is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case <-s.ctx.Done():
	case s.broadcast <- msg:
	default:
		s.log.Warn().Str("type", string(msg.Type)).Msg("feed queue full, dropping message")
	}
}

func (s *Server) publish(t MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.log.Error().Err(err).Str("type", string(t)).Msg("failed to encode message")
		return
	}
	if t == MessageTypeStats {
		s.lastStatsMu.Lock()
		s.lastStats = raw
		s.lastStatsMu.Unlock()
	}
	s.Broadcast(Message{Type: t, Data: raw})
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Error().Err(err).Msg("failed to marshal message")
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.log.Debug().Err(err).Msg("dropping client after failed write")
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.lastStatsMu.Lock()
	welcome := Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: s.lastStats}
	s.lastStatsMu.Unlock()
	if data, err := json.Marshal(welcome); err == nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debug().Int("clients", count).Msg("client connected")

	go s.readLoop(conn)
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
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.log.Debug().Int("clients", count).Msg("client disconnected")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}
