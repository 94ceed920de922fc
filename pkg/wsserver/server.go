package wsserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ultimaops/backend-datalink/pkg/log"
	"github.com/ultimaops/backend-datalink/pkg/metrics"
	"github.com/ultimaops/backend-datalink/pkg/pool"
	"github.com/ultimaops/backend-datalink/pkg/types"
)

var (
	// ErrNotFound is returned when a connection ID is unknown
	ErrNotFound = errors.New("connection not found")

	// ErrNotStarted is returned for sends attempted before Start
	ErrNotStarted = errors.New("server not started")
)

// AcceptWorkerKey is the pool attachment key of the accept-loop worker
const AcceptWorkerKey = "ws-accept"

// Config holds the WebSocket server options
type Config struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	MaxConnections int    `mapstructure:"max_connections"`
	TimeoutMS      int    `mapstructure:"timeout_ms"`
	EnableLogging  bool   `mapstructure:"enable_logging"`
}

// Validate checks every option against its documented range
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("websocket.host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("websocket.port must be in [1,65535], got %d", c.Port)
	}
	if c.MaxConnections < 1 || c.MaxConnections > 10000 {
		return fmt.Errorf("websocket.max_connections must be in [1,10000], got %d", c.MaxConnections)
	}
	if c.TimeoutMS < 100 || c.TimeoutMS > 300000 {
		return fmt.Errorf("websocket.timeout_ms must be in [100,300000], got %d", c.TimeoutMS)
	}
	return nil
}

// OpenHandler is invoked with the connection ID after a client is accepted
type OpenHandler func(id string)

// MessageHandler is invoked with each parsed inbound JSON object
type MessageHandler func(id string, msg map[string]any)

// CloseHandler is invoked with the connection ID after a client is gone
type CloseHandler func(id string)

// client is the server's record for one accepted socket. writeMu
// serialises frames; gorilla conns allow only one concurrent writer.
type client struct {
	id        string
	conn      *websocket.Conn
	remote    string
	createdAt time.Time
	logger    zerolog.Logger
	writeMu   sync.Mutex
}

// Server accepts WebSocket clients and fans JSON messages in and out.
// It owns the connection map; every other subsystem addresses clients
// by connection ID only.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*client

	handlerMu sync.RWMutex
	onOpen    OpenHandler
	onMessage MessageHandler
	onClose   CloseHandler

	pool     *pool.Pool
	httpSrv  *http.Server
	listener net.Listener
	started  atomic.Bool
}

// New creates a stopped server with the given configuration
func New(cfg Config) *Server {
	logger := log.WithComponent("wsserver")
	if !cfg.EnableLogging {
		// Suppress this component's own emissions only
		logger = logger.Level(zerolog.Disabled)
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// OnOpen installs the open handler. Safe against in-flight deliveries.
func (s *Server) OnOpen(h OpenHandler) {
	s.handlerMu.Lock()
	s.onOpen = h
	s.handlerMu.Unlock()
}

// OnMessage installs the message handler
func (s *Server) OnMessage(h MessageHandler) {
	s.handlerMu.Lock()
	s.onMessage = h
	s.handlerMu.Unlock()
}

// OnClose installs the close handler
func (s *Server) OnClose(h CloseHandler) {
	s.handlerMu.Lock()
	s.onClose = h
	s.handlerMu.Unlock()
}

// Start binds the configured address and runs the accept loop as a
// single pool worker registered under AcceptWorkerKey. The mux also
// serves /healthz, /health, /ready and /metrics next to the WebSocket
// endpoint.
func (s *Server) Start(p *pool.Pool) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", metrics.LivenessHandler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/", s.handleUpgrade)

	s.pool = p
	s.listener = listener
	s.httpSrv = &http.Server{Handler: mux}
	s.started.Store(true)

	id, err := p.Spawn(func(h *pool.Handle) {
		// Serve returns once the listener is closed by Stop
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			s.logger.Error().Err(err).Msg("Accept loop exited")
		}
	})
	if err != nil {
		listener.Close()
		return err
	}
	if err := p.Register(AcceptWorkerKey, id); err != nil {
		s.logger.Warn().Err(err).Msg("Accept worker registration failed")
	}

	metrics.RegisterComponent("websocket", true, "listening on "+addr)
	s.logger.Info().Str("addr", addr).Int("max_connections", s.cfg.MaxConnections).Msg("WebSocket server listening")
	return nil
}

// Stop closes the listener, disconnects every client and joins the
// accept worker
func (s *Server) Stop() {
	if !s.started.Swap(false) {
		return
	}

	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.conns))
	for _, c := range s.conns {
		clients = append(clients, c)
	}
	s.conns = make(map[string]*client)
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
	metrics.ActiveConnections.Set(0)

	if id, err := s.pool.Find(AcceptWorkerKey); err == nil {
		_ = s.pool.Stop(id)
		_ = s.pool.Join(id, 5*time.Second)
		_ = s.pool.Unregister(AcceptWorkerKey)
	}

	metrics.UpdateComponent("websocket", false, "stopped")
	s.logger.Info().Int("closed", len(clients)).Msg("WebSocket server stopped")
}

// Send serialises v and delivers it to one client. A failed send
// evicts the connection.
func (s *Server) Send(id string, v any) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if err := s.writeText(c, data); err != nil {
		c.logger.Warn().Err(err).Msg("Send failed, evicting connection")
		metrics.SendFailures.Inc()
		s.drop(c)
		return err
	}
	metrics.MessagesTotal.WithLabelValues("out").Inc()
	return nil
}

// Broadcast serialises v once and delivers it to every client.
// Per-peer failures evict that peer without aborting the broadcast;
// delivery order across peers is unspecified.
func (s *Server) Broadcast(v any) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	targets := make([]*client, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := s.writeText(c, data); err != nil {
			c.logger.Warn().Err(err).Msg("Broadcast send failed, evicting connection")
			metrics.SendFailures.Inc()
			s.drop(c)
			continue
		}
		metrics.MessagesTotal.WithLabelValues("out").Inc()
	}
	return nil
}

// ActiveIDs returns the IDs of every live connection
func (s *Server) ActiveIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// RemoteAddr returns the peer address recorded for a connection
func (s *Server) RemoteAddr(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return "", ErrNotFound
	}
	return c.remote, nil
}

// handleUpgrade is the HTTP entry point for every client socket
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	over := len(s.conns) >= s.cfg.MaxConnections
	s.mu.Unlock()
	if over {
		metrics.ConnectionsRefused.Inc()
		s.logger.Warn().Str("remote", r.RemoteAddr).Msg("Connection refused, cap reached")
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade failed")
		return
	}

	c := &client{
		id:        newConnectionID(),
		conn:      conn,
		remote:    conn.RemoteAddr().String(),
		createdAt: time.Now(),
	}
	c.logger = log.WithConnectionID(s.logger, c.id)

	s.mu.Lock()
	s.conns[c.id] = c
	total := len(s.conns)
	s.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ActiveConnections.Set(float64(total))
	c.logger.Info().Str("remote", c.remote).Int("total", total).Msg("Client connected")

	s.handlerMu.RLock()
	open := s.onOpen
	s.handlerMu.RUnlock()
	if open != nil {
		open(c.id)
	}

	s.readLoop(c)
}

// readLoop is the single reader for one connection; frames reach the
// message handler in arrival order
func (s *Server) readLoop(c *client) {
	defer s.drop(c)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("Read failed")
			}
			return
		}

		if msgType != websocket.TextMessage {
			c.logger.Debug().Int("opcode", msgType).Msg("Ignoring non-text frame")
			continue
		}

		metrics.MessagesTotal.WithLabelValues("in").Inc()

		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			c.logger.Debug().Msg("Invalid JSON from client")
			reply, _ := json.Marshal(types.ErrorMessage{
				Type:      types.MsgError,
				Message:   "Invalid JSON format",
				Timestamp: types.Timestamp(),
			})
			_ = s.writeText(c, reply)
			continue
		}

		s.handlerMu.RLock()
		handler := s.onMessage
		s.handlerMu.RUnlock()
		if handler != nil {
			handler(c.id, parsed)
		}
	}
}

// writeText sends one text frame under the client's write mutex with
// the configured per-send deadline
func (s *Server) writeText(c *client, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(time.Duration(s.cfg.TimeoutMS) * time.Millisecond)
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// drop removes a connection and fires the close handler exactly once.
// Whichever caller wins the map removal owns the handler invocation.
func (s *Server) drop(c *client) {
	s.mu.Lock()
	cur, ok := s.conns[c.id]
	if !ok || cur != c {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.id)
	total := len(s.conns)
	s.mu.Unlock()

	_ = c.conn.Close()
	metrics.ActiveConnections.Set(float64(total))
	c.logger.Info().Int("total", total).Msg("Client disconnected")

	s.handlerMu.RLock()
	closeH := s.onClose
	s.handlerMu.RUnlock()
	if closeH != nil {
		closeH(c.id)
	}
}

// newConnectionID builds conn_<millisecond-epoch>_<6-digit-random>.
// Uniqueness is probabilistic, which is sufficient at dashboard scale.
func newConnectionID() string {
	return fmt.Sprintf("conn_%d_%d", time.Now().UnixMilli(), 100000+rand.Intn(900000))
}
