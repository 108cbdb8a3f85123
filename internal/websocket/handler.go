package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coursechat/internal/metrics"
	"coursechat/internal/middleware"
	"coursechat/internal/presence"
	"coursechat/internal/signal"
	"coursechat/pkg/types"
)

// Config controls the live channel.
type Config struct {
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	RegisterTimeout time.Duration
	BufferSize      int
	MaxFrameBytes   int64
	AllowedOrigins  []string
	// AllowUserIDFrame accepts a bare user_id in register when no token
	// verifier is configured. Development only.
	AllowUserIDFrame bool
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		WriteTimeout:    5 * time.Second,
		RegisterTimeout: 10 * time.Second,
		BufferSize:      64,
		MaxFrameBytes:   16 * 1024,
	}
}

// RoomAuthorizer decides whether a user may join a conversation room.
type RoomAuthorizer interface {
	Authorize(ctx context.Context, conversationID, userID string) error
}

// TokenVerifier resolves a bearer token to a user ID.
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// Handler upgrades requests and runs the per-connection protocol.
type Handler struct {
	config   Config
	upgrader websocket.Upgrader
	presence *presence.Registry
	signals  *signal.Bus
	rooms    RoomAuthorizer
	verifier TokenVerifier
	typing   *middleware.LimiterStore
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewHandler wires the live channel. verifier and typing may be nil.
func NewHandler(
	config Config,
	presence *presence.Registry,
	signals *signal.Bus,
	rooms RoomAuthorizer,
	verifier TokenVerifier,
	typing *middleware.LimiterStore,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Handler {
	h := &Handler{
		config:   config,
		presence: presence,
		signals:  signals,
		rooms:    rooms,
		verifier: verifier,
		typing:   typing,
		logger:   logger.Named("websocket"),
		metrics:  m,
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket serves one live connection until it closes.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade_failed", zap.Error(err))
		return
	}
	if h.config.MaxFrameBytes > 0 {
		ws.SetReadLimit(h.config.MaxFrameBytes)
	}

	// Identity is known before the wrapper exists, so the handshake can use
	// the raw socket from this goroutine alone.
	userID, err := h.register(ws)
	if err != nil {
		h.logger.Info("register_rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		_ = ws.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
		_ = ws.WriteJSON(errorEvent("register_failed", err))
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "register failed"))
		_ = ws.Close()
		return
	}

	conn := NewConnection(ws, userID, h.config.BufferSize, h.config.WriteTimeout)
	if _, err := h.presence.Connect(conn); err != nil {
		h.logger.Error("presence_connect_failed", zap.String("user_id", userID), zap.Error(err))
		_ = conn.Close()
		return
	}
	_ = conn.Send(types.NewEvent(types.EventRegistered, types.RegisteredPayload{UserID: userID, ConnectionID: conn.ID()}))
	h.logger.Debug("connection_registered", zap.String("user_id", userID), zap.String("connection_id", conn.ID()))

	h.serve(conn)
}

func (h *Handler) register(ws *websocket.Conn) (string, error) {
	if err := ws.SetReadDeadline(time.Now().Add(h.config.RegisterTimeout)); err != nil {
		return "", err
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}

	var frame types.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return "", ErrInvalidJSON
	}
	if frame.Type != types.FrameRegister {
		return "", ErrRegisterRequired
	}

	// A configured verifier makes tokens mandatory; user_id is never trusted then.
	switch {
	case h.verifier != nil:
		if frame.Token == "" {
			return "", ErrMissingIdentity
		}
		return h.verifier.VerifyToken(frame.Token)
	case h.config.AllowUserIDFrame && frame.UserID != "":
		if !types.IsValidUserID(frame.UserID) {
			return "", types.ErrInvalidUserID
		}
		return frame.UserID, nil
	default:
		return "", ErrMissingIdentity
	}
}

// serve runs the read loop. Teardown leaves every room, then presence.
func (h *Handler) serve(conn *Connection) {
	ws := conn.conn
	reason := "closed"
	defer func() {
		h.signals.LeaveAll(conn.ID())
		h.presence.Disconnect(conn.ID())
		_ = conn.Close()
		h.metrics.ConnectionDropped(reason)
		h.logger.Debug("connection_closed",
			zap.String("user_id", conn.UserID()),
			zap.String("connection_id", conn.ID()),
			zap.String("reason", reason),
		)
	}()

	refresh := func() error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	}
	if err := refresh(); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error { return refresh() })

	go h.pingLoop(conn)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				reason = "read_timeout"
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				reason = "read_error"
				h.logger.Warn("read_failed", zap.String("connection_id", conn.ID()), zap.Error(err))
			}
			return
		}
		if err := refresh(); err != nil {
			return
		}
		h.handleFrame(conn, data)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Context().Done():
			return
		}
	}
}

func (h *Handler) handleFrame(conn *Connection, data []byte) {
	var frame types.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.reply(conn, errorEvent("invalid_frame", ErrInvalidJSON))
		return
	}

	switch frame.Type {
	case types.FrameJoinRoom:
		h.joinRoom(conn, frame.ConversationID)
	case types.FrameLeaveRoom:
		h.signals.Leave(conn.ID(), frame.ConversationID)
		h.reply(conn, types.NewEvent(types.EventRoomLeft, types.RoomPayload{ConversationID: frame.ConversationID}))
	case types.FrameTypingStart, types.FrameTypingStop:
		h.typingFrame(conn, frame)
	case types.FrameHeartbeat:
		h.reply(conn, types.NewEvent(types.EventHeartbeatAck, nil))
	case types.FrameRegister:
		h.reply(conn, errorEvent("already_registered", errors.New("connection is already registered")))
	default:
		h.reply(conn, errorEvent("unknown_frame", errors.New("unknown frame type: "+frame.Type)))
	}
}

func (h *Handler) joinRoom(conn *Connection, conversationID string) {
	if !types.IsValidID(conversationID) {
		h.reply(conn, errorEvent("not_found", types.ErrConversationNotFound))
		return
	}

	ctx, cancel := context.WithTimeout(conn.Context(), 5*time.Second)
	defer cancel()
	if err := h.rooms.Authorize(ctx, conversationID, conn.UserID()); err != nil {
		h.reply(conn, errorEvent(errorCode(err), err))
		return
	}
	if err := h.signals.Join(conn, conversationID); err != nil {
		h.reply(conn, errorEvent("internal_error", err))
		return
	}
	h.reply(conn, types.NewEvent(types.EventRoomJoined, types.RoomPayload{ConversationID: conversationID}))
}

func (h *Handler) typingFrame(conn *Connection, frame types.InboundFrame) {
	start := frame.Type == types.FrameTypingStart
	// stops always pass so indicators can be cleared
	if start && h.typing != nil && !h.typing.Allow(conn.UserID()) {
		h.metrics.RateLimited("typing")
		return
	}
	if err := h.signals.EmitTyping(conn.ID(), frame.ConversationID, start); err != nil {
		h.reply(conn, errorEvent("not_in_room", err))
	}
}

func (h *Handler) reply(conn *Connection, event *types.Event) {
	if err := conn.Send(event); err != nil {
		h.logger.Debug("reply_dropped", zap.String("connection_id", conn.ID()), zap.String("event", event.Type), zap.Error(err))
	}
}

func errorEvent(code string, err error) *types.Event {
	return types.NewEvent(types.EventError, types.ErrorPayload{Code: code, Message: err.Error()})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, types.ErrValidation):
		return "validation_error"
	case errors.Is(err, types.ErrAuthorization):
		return "forbidden"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}
