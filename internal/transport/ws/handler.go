// Package ws serves the synchronization protocol over websockets.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fruitsalade/fruitsalade/livesync/internal/logging"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metrics"
	"github.com/fruitsalade/fruitsalade/livesync/internal/protocol"
	"github.com/fruitsalade/fruitsalade/livesync/internal/rooms"
)

// Dispatcher consumes inbound messages. *gateway.Gateway satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, msg protocol.Message)
	Disconnect(ctx context.Context, sessionID string)
}

// Config holds websocket transport settings.
type Config struct {
	AllowedOrigins    []string // empty allows any origin
	MaxMessageBytes   int64
	MessagesPerSecond float64
	Burst             int
	SendBuffer        int

	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration

	// DisconnectTimeout bounds the flush run when a session closes.
	DisconnectTimeout time.Duration
}

// DefaultConfig returns transport defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageBytes:   4 << 20,
		MessagesPerSecond: 50,
		Burst:             100,
		SendBuffer:        rooms.DefaultOutboxSize,
		WriteWait:         10 * time.Second,
		PongWait:          60 * time.Second,
		PingPeriod:        54 * time.Second,
		DisconnectTimeout: 30 * time.Second,
	}
}

// Handler upgrades HTTP requests and runs one read and one write pump per
// session.
type Handler struct {
	cfg      Config
	upgrader websocket.Upgrader
	hub      *rooms.Manager
	gw       Dispatcher

	mu       sync.Mutex
	sessions map[string]*websocket.Conn
	wg       sync.WaitGroup
}

// NewHandler creates a Handler.
func NewHandler(cfg Config, hub *rooms.Manager, gw Dispatcher) *Handler {
	def := DefaultConfig()
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = def.DisconnectTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}

	h := &Handler{
		cfg:      cfg,
		hub:      hub,
		gw:       gw,
		sessions: make(map[string]*websocket.Conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  65536,
		WriteBufferSize: 65536,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	logging.Warn("rejected websocket origin", zap.String("origin", origin))
	return false
}

type session struct {
	id      string
	conn    *websocket.Conn
	box     *rooms.Outbox
	limiter *rate.Limiter
}

// ServeHTTP upgrades the connection and blocks until the session ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	s := &session{
		id:   id,
		conn: conn,
		box:  rooms.NewOutbox(id, h.cfg.SendBuffer),
	}
	if h.cfg.MessagesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), max(h.cfg.Burst, 1))
	}

	h.track(s)
	h.hub.Register(s.box)
	s.box.Send(protocol.MustNew(protocol.TypeConnected, protocol.Connected{SocketID: s.id}))

	ctx := logging.WithSession(context.WithoutCancel(r.Context()), s.id)
	logging.WithContext(ctx).Info("session connected", zap.String("remote", r.RemoteAddr))

	go h.writePump(s)
	h.readPump(ctx, s)
}

func (h *Handler) track(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s.conn
	h.wg.Add(1)
	h.mu.Unlock()
}

func (h *Handler) untrack(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	h.wg.Done()
}

// readPump dispatches inbound frames in arrival order. When the connection
// ends it runs the gateway's disconnect before releasing the session.
func (h *Handler) readPump(ctx context.Context, s *session) {
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.DisconnectTimeout)
		h.gw.Disconnect(dctx, s.id)
		cancel()
		s.box.Close()
		s.conn.Close()
		h.untrack(s)
		logging.WithContext(ctx).Info("session disconnected")
	}()

	if h.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}
	s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.WithContext(ctx).Warn("websocket read error", zap.Error(err))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		if msgType != websocket.TextMessage {
			h.sendError(s, "only text frames are supported")
			continue
		}
		if s.limiter != nil && !s.limiter.Allow() {
			metrics.RecordMessage("rate_limited", false)
			h.sendError(s, "rate limit exceeded")
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			metrics.RecordMessage("malformed", false)
			h.sendError(s, "malformed message")
			continue
		}
		h.gw.Dispatch(ctx, s.id, msg)
	}
}

func (h *Handler) sendError(s *session, text string) {
	if err := s.box.Send(protocol.MustNew(protocol.TypeError, protocol.Error{Message: text})); err != nil {
		metrics.RecordSendDropped()
	}
}

// writePump is the only writer of data frames on the connection.
func (h *Handler) writePump(s *session) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.box.C():
			s.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				logging.Debug("websocket write failed", logging.Session(s.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Count returns the number of open sessions.
func (h *Handler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown closes every session and waits until each has run its
// disconnect flush, or ctx expires.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for _, conn := range h.sessions {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
