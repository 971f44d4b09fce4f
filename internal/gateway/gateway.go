// Package gateway serves the runtime protocol over WebSocket, next to the
// health, metrics and event stream endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/basket/flowrt/internal/bus"
	"github.com/basket/flowrt/internal/config"
	"github.com/basket/flowrt/internal/policy"
	"github.com/basket/flowrt/internal/protocol"
	"github.com/basket/flowrt/internal/shared"
)

const (
	// Subprotocol is the WebSocket sub-protocol spoken by FBP clients.
	Subprotocol = "noflo"

	defaultQueueSize = 256
	maxMessageBytes  = 1 << 20
	writeTimeout     = 10 * time.Second
)

var (
	ErrBackpressure = errors.New("client queue full")
	ErrClientClosed = errors.New("client closed")
)

// Runtime is the part of protocol.Runtime the gateway drives.
type Runtime interface {
	Handle(ctx context.Context, req protocol.Request, conn protocol.Conn)
	Networks() []protocol.NetworkStatus
	Graphs() []string
	MainGraph() string
}

type Config struct {
	Runtime Runtime
	Policy  policy.Checker
	Bus     *bus.Bus
	Logger  *slog.Logger

	// AuthToken, when set, is required on /ws, /events and /metrics.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser clients.
	// Empty means same-origin only.
	AllowOrigins []string

	// QueueSize bounds outbound messages buffered per client. Messages
	// beyond it are dropped for that client only.
	QueueSize int

	RateLimit config.RateLimitConfig

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics
	limiter *RateLimitMiddleware

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

// client is one WebSocket connection. Messages are queued and written by a
// dedicated goroutine so that a slow client never blocks a broadcast.
type client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	queue  chan protocol.Message
	done   chan struct{}
	once   sync.Once
}

func New(cfg Config) *Server {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		limiter: NewRateLimitMiddleware(cfg.RateLimit),
		clients: map[*client]struct{}{},
	}
	s.metrics = newMetrics(s)
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(NewCORSMiddleware(s.cfg.AllowOrigins))

	r.Get("/healthz", s.handleHealthz)
	r.Group(func(r chi.Router) {
		r.Use(NewAuthMiddleware(s.cfg.AuthToken).Wrap)
		r.Handle("/metrics", s.metrics.handler())
		r.Get("/events", s.handleEvents)
		r.With(s.limiter.Wrap).Get("/ws", s.handleWS)
	})
	return r
}

// StartEviction drops idle rate limiter buckets until ctx ends.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	policyVersion := ""
	if s.cfg.Policy != nil {
		policyVersion = s.cfg.Policy.PolicyVersion()
	}
	payload := map[string]any{
		"healthy":            true,
		"clients":            s.ClientCount(),
		"policy_version":     policyVersion,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if s.cfg.Bus != nil {
		payload["event_streams"] = s.cfg.Bus.SubscriberCount()
	}
	if s.cfg.Runtime != nil {
		payload["graphs"] = s.cfg.Runtime.Graphs()
		payload["main_graph"] = s.cfg.Runtime.MainGraph()
		payload["networks"] = s.cfg.Runtime.Networks()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	c := &client{
		id:     shared.NewClientID(),
		conn:   conn,
		server: s,
		queue:  make(chan protocol.Message, s.cfg.QueueSize),
		done:   make(chan struct{}),
	}
	logger := s.logger.With("client_id", c.id)
	s.addClient(c)
	logger.Info("ws: client connected", "remote", r.RemoteAddr, "subprotocol", conn.Subprotocol())

	ctx, cancel := context.WithCancel(context.Background())
	go c.writeLoop(ctx, logger)
	defer func() {
		cancel()
		s.removeClient(c)
		c.close()
		logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx = shared.WithClientID(ctx, c.id)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				logger.Warn("ws: read error, closing", "error", err)
			}
			return
		}
		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Warn("ws: malformed message dropped", "error", err)
			continue
		}
		s.metrics.received.WithLabelValues(req.Protocol).Inc()
		s.cfg.Runtime.Handle(shared.WithTraceID(ctx, shared.NewTraceID()), req, c)
	}
}

// Broadcast queues m for every connected client.
func (s *Server) Broadcast(m protocol.Message) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	s.metrics.broadcasts.Inc()
	for _, c := range clients {
		_ = c.Send(m)
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	s.metrics.clients.Inc()
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.clientsMu.Unlock()
	if ok {
		s.metrics.clients.Dec()
	}
}

func (c *client) ID() string { return c.id }

// Send queues m without blocking. A full queue drops the message for this
// client only.
func (c *client) Send(m protocol.Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.queue <- m:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		c.server.metrics.dropped.Inc()
		return ErrBackpressure
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) writeLoop(ctx context.Context, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case m := <-c.queue:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, m)
			cancel()
			if err != nil {
				logger.Warn("ws: write failed, closing", "protocol", m.Protocol, "command", m.Command, "error", err)
				c.close()
				_ = c.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
