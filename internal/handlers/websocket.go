package handlers

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonas/confab/internal/config"
	"github.com/jonas/confab/internal/conference"
	"github.com/jonas/confab/internal/sfu"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 256 * 1024
)

type rateLimiter struct {
	tokens    int
	lastReset time.Time
	maxRate   int
}

func newRateLimiter(maxRate int) *rateLimiter {
	return &rateLimiter{
		tokens:    maxRate,
		lastReset: time.Now(),
		maxRate:   maxRate,
	}
}

func (rl *rateLimiter) allow() bool {
	now := time.Now()
	if now.Sub(rl.lastReset) >= time.Second {
		rl.tokens = rl.maxRate
		rl.lastReset = now
	}
	if rl.tokens <= 0 {
		return false
	}
	rl.tokens--
	return true
}

type connLimiterEntry struct {
	limiter  *rateLimiter
	lastSeen time.Time
}

// wsSender serializes writes to one websocket connection behind a mutex so
// handler results and server-initiated notices never interleave frames.
type wsSender struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (s *wsSender) Send(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(sfu.Envelope{Type: msgType, Data: data})
}

func (s *wsSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.conn.Close()
}

func (s *wsSender) writePing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WebSocket serves the peer-facing and conference-facing endpoints over
// persistent connections.
type WebSocket struct {
	cfg         *config.Config
	rooms       *sfu.Server
	conferences *conference.Server
	logger      *logrus.Logger
	upgrader    websocket.Upgrader

	connLimitersMu sync.Mutex
	connLimiters   map[string]*connLimiterEntry
}

func NewWebSocket(cfg *config.Config, rooms *sfu.Server, conferences *conference.Server, logger *logrus.Logger) *WebSocket {
	ws := &WebSocket{
		cfg:          cfg,
		rooms:        rooms,
		conferences:  conferences,
		logger:       logger,
		connLimiters: make(map[string]*connLimiterEntry),
	}
	ws.upgrader = websocket.Upgrader{CheckOrigin: ws.checkOrigin}
	go ws.reapConnLimiters()
	return ws
}

func (ws *WebSocket) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(ws.cfg.AllowedOrigins) > 0 {
		for _, allowed := range ws.cfg.AllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}
	host := r.Host
	return origin == "http://"+host || origin == "https://"+host
}

func (ws *WebSocket) reapConnLimiters() {
	for range time.Tick(5 * time.Minute) {
		ws.connLimitersMu.Lock()
		now := time.Now()
		for ip, entry := range ws.connLimiters {
			if now.Sub(entry.lastSeen) > 5*time.Minute {
				delete(ws.connLimiters, ip)
			}
		}
		ws.connLimitersMu.Unlock()
	}
}

func (ws *WebSocket) allowConnection(ip string) bool {
	ws.connLimitersMu.Lock()
	defer ws.connLimitersMu.Unlock()

	entry, ok := ws.connLimiters[ip]
	if !ok {
		entry = &connLimiterEntry{limiter: newRateLimiter(3)}
		ws.connLimiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.allow()
}

func (ws *WebSocket) extractIP(r *http.Request) string {
	if ws.cfg.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.Index(xff, ","); i > 0 {
				return strings.TrimSpace(xff[:i])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HandleRoom serves the room/SFU protocol.
func (ws *WebSocket) HandleRoom(w http.ResponseWriter, r *http.Request) {
	ws.serve(w, r, ws.rooms.Dispatch, func(peerID string) {
		ws.rooms.DisconnectPeer(peerID, "socketClosed")
	})
}

// HandleConference serves the signaling protocol. A dropped connection goes
// through the conference layer's grace handling instead of immediate removal.
func (ws *WebSocket) HandleConference(w http.ResponseWriter, r *http.Request) {
	ws.serve(w, r, ws.conferences.Dispatch, ws.conferences.Disconnect)
}

func (ws *WebSocket) serve(
	w http.ResponseWriter,
	r *http.Request,
	dispatch func(sender sfu.Sender, id string, env sfu.Envelope) string,
	disconnect func(id string),
) {
	ip := ws.extractIP(r)
	if !ws.allowConnection(ip) {
		ws.logger.WithField("ip", ip).Warn("SECURITY: conn_rate_limit")
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warnf("websocket upgrade error: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	sender := &wsSender{conn: conn}
	ws.logger.WithField("ip", ip).Debug("connection established")

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sender.writePing(); err != nil {
					return
				}
			case <-pingDone:
				return
			}
		}
	}()

	var entityID string
	defer func() {
		close(pingDone)
		if entityID != "" {
			disconnect(entityID)
		}
		sender.Close()
		ws.logger.WithFields(logrus.Fields{"ip": ip, "id": entityID}).Debug("connection closed")
	}()

	limiter := newRateLimiter(30)
	violations := 0

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.WithField("id", entityID).Debugf("read error: %v", err)
			}
			return
		}

		if !limiter.allow() {
			violations++
			if violations >= 50 {
				ws.logger.WithFields(logrus.Fields{"ip": ip, "id": entityID, "violations": violations}).Warn("SECURITY: rate_abuse")
				conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Too many requests"),
					time.Now().Add(time.Second),
				)
				return
			}
			sender.Send("error", sfu.ErrorResult{Error: sfu.Errf(sfu.ErrInvalidMessage, "rate limit exceeded")})
			continue
		}

		var env sfu.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			ws.logger.WithFields(logrus.Fields{"ip": ip, "id": entityID}).Warn("SECURITY: malformed_json")
			sender.Send("error", sfu.ErrorResult{Error: sfu.Errf(sfu.ErrInvalidMessage, "invalid JSON message")})
			continue
		}

		entityID = dispatch(sender, entityID, env)
	}
}
