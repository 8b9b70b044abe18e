package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fanout/pkg/interfaces"
	"fanout/pkg/types"
)

// Close reasons recorded in the connection journal.
const (
	ReasonClientClosed = "client_closed"
	ReasonReadError    = "read_error"
	ReasonWriteFailed  = "write_failed"
	ReasonServerClosed = "server_closed"
)

// PrincipalFunc resolves the user a websocket request acts for.
// An empty id rejects the request before upgrade.
type PrincipalFunc func(r *http.Request) (string, error)

// DefaultPrincipal reads the X-User-ID header, then the user_id query parameter.
func DefaultPrincipal(r *http.Request) (string, error) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if !types.IsValidUserID(userID) {
		return "", ErrMissingPrincipal
	}
	return userID, nil
}

// FrameDispatcher accepts validated inbound frames for routing. It must not
// block; a full queue is reported as an error.
type FrameDispatcher interface {
	Dispatch(sender interfaces.Connection, senderID string, frame *types.Frame) error
}

// HandlerOptions configures the upgrade handler. Zero values take defaults.
type HandlerOptions struct {
	Principal       PrincipalFunc
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	MaxMessageBytes int64
	Connection      ConnectionOptions
	// Journal records connection sessions. Nil disables journaling.
	Journal        interfaces.ConnectionJournal
	JournalTimeout time.Duration
	// CheckOrigin overrides the upgrader's origin check. Nil allows all.
	CheckOrigin func(r *http.Request) bool
}

// Handler upgrades HTTP requests, registers the resulting connection and
// pumps its inbound frames to a dispatcher.
type Handler struct {
	registry   *Registry
	dispatcher FrameDispatcher
	opts       HandlerOptions
	upgrader   websocket.Upgrader
	logger     zerolog.Logger

	// wg counts requests from before the upgrade until serve has cleaned up.
	wg       sync.WaitGroup
	draining atomic.Bool
}

func NewHandler(registry *Registry, dispatcher FrameDispatcher, opts HandlerOptions, logger zerolog.Logger) *Handler {
	if opts.Principal == nil {
		opts.Principal = DefaultPrincipal
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= opts.PingInterval {
		opts.ReadTimeout = 2 * opts.PingInterval
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = types.MaxDataBytes + 4096
	}
	if opts.JournalTimeout <= 0 {
		opts.JournalTimeout = 2 * time.Second
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		opts:       opts,
		upgrader: websocket.Upgrader{
			CheckOrigin:      checkOrigin,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "ws_handler").Logger(),
	}
}

// ServeHTTP resolves the principal, upgrades and registers the connection,
// then serves it on its own goroutine.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.opts.Principal(r)
	if err != nil || !types.IsValidUserID(userID) {
		http.Error(w, ErrMissingPrincipal.Error(), http.StatusUnauthorized)
		return
	}

	h.wg.Add(1)
	if h.draining.Load() {
		h.wg.Done()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.wg.Done()
		// Upgrade already wrote the HTTP error.
		h.logger.Debug().Err(err).Str("user_id", userID).Msg("upgrade failed")
		return
	}

	conn := NewConnection(ws, &h.opts.Connection)
	if err := h.registry.Register(conn, userID); err != nil {
		h.wg.Done()
		h.logger.Error().Err(err).Str("user_id", userID).Msg("register failed")
		_ = conn.CloseWithReason(websocket.CloseInternalServerErr, "registration failed")
		return
	}

	h.recordConnect(conn, userID)
	// Drain may have swept the registry between the check above and Register.
	if h.draining.Load() {
		_ = conn.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
	}
	go h.serve(conn, userID)
}

// Drain refuses new upgrades, closes every registered connection as going
// away and waits for every request in flight to finish its cleanup, or for
// ctx.
func (h *Handler) Drain(ctx context.Context) error {
	h.draining.Store(true)
	h.registry.CloseAll()

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

// serve runs the read pump until the peer goes away, then deregisters.
func (h *Handler) serve(conn *Connection, userID string) {
	defer h.wg.Done()
	reason := ReasonClientClosed
	defer func() {
		h.registry.Deregister(conn)
		_ = conn.Close()
		h.recordDisconnect(conn, reason)
	}()

	ws := conn.conn
	ws.SetReadLimit(h.opts.MaxMessageBytes)
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		reason = ReasonReadError
		return
	}
	ws.SetPongHandler(func(string) error {
		h.registry.Heartbeat(conn)
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			reason = h.closeReason(conn, err)
			return
		}
		if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
			reason = ReasonReadError
			return
		}
		h.handleFrame(conn, userID, messageType, data)
	}
}

func (h *Handler) closeReason(conn *Connection, err error) string {
	select {
	case <-conn.Done():
		// Closed from our side: shutdown or a failed write.
		if conn.closedByServer() {
			return ReasonServerClosed
		}
		return ReasonWriteFailed
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return ReasonClientClosed
	}
	h.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("read failed")
	return ReasonReadError
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// handleFrame answers bad input on the sender's connection only; the
// connection stays open.
func (h *Handler) handleFrame(conn *Connection, userID string, messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		h.registry.SendToConnection(conn, types.ErrorEnvelope(types.ErrorCodeMalformedFrame, "only text frames are accepted"))
		return
	}

	var frame types.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.registry.SendToConnection(conn, types.ErrorEnvelope(types.ErrorCodeMalformedFrame, "frame is not valid JSON"))
		return
	}
	if err := frame.Validate(); err != nil {
		h.registry.SendToConnection(conn, types.ErrorEnvelope(types.ErrorCodeInvalidFrame, err.Error()))
		return
	}

	if h.dispatcher == nil {
		return
	}
	if err := h.dispatcher.Dispatch(conn, userID, &frame); err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Str("type", frame.Type).Msg("frame dropped")
		h.registry.SendToConnection(conn, types.ErrorEnvelope(types.ErrorCodeDeliveryFailed, "server is busy, frame dropped"))
	}
}

func (h *Handler) recordConnect(conn *Connection, userID string) {
	if h.opts.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.JournalTimeout)
	defer cancel()

	err := h.opts.Journal.RecordConnect(ctx, &types.ConnectionSession{
		ID:          conn.ID(),
		UserID:      userID,
		RemoteAddr:  conn.RemoteAddr(),
		ConnectedAt: conn.CreatedAt(),
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("conn_id", conn.ID()).Msg("journal connect failed")
	}
}

func (h *Handler) recordDisconnect(conn *Connection, reason string) {
	if h.opts.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.JournalTimeout)
	defer cancel()

	err := h.opts.Journal.RecordDisconnect(ctx, conn.ID(), time.Now().UTC(), reason)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn().Err(err).Str("conn_id", conn.ID()).Msg("journal disconnect failed")
	}
}
