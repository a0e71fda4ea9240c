package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/obot-platform/labterm/internal/protocol"
	"github.com/obot-platform/labterm/internal/session"
)

const (
	// writeWait bounds a single frame write to the client.
	writeWait = 10 * time.Second

	// maxMessageSize bounds one inbound message.
	maxMessageSize = 1 << 20

	// inboundQueue holds messages that arrive while setup is running.
	inboundQueue = 64

	// maxCloseReason is the longest close-frame reason a control frame can carry.
	maxCloseReason = 123
)

var errTransportClosed = errors.New("transport closed")

// Terminal upgrades the request to a WebSocket and runs one learner
// session over it. The initial terminal size may be given as
// ?cols=&rows=.
// GET <TERMINAL_PATH>
func (h *Handler) Terminal(w http.ResponseWriter, r *http.Request) {
	cols := queryInt(r, "cols")
	rows := queryInt(r, "rows")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered with an HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)
	t := newWSTransport(conn)

	// Read from the start so a disconnect during setup aborts it. Messages
	// that arrive before the session is running are queued in order.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	inbound := make(chan []byte, inboundQueue)
	go h.readLoop(ctx, cancel, conn, inbound)

	s, err := h.manager.Open(ctx, t, session.OpenOptions{
		Cols:       cols,
		Rows:       rows,
		RemoteAddr: r.RemoteAddr,
	})
	if err != nil {
		// Open has already reported the failure to the client and
		// closed the transport.
		return
	}

	for data := range inbound {
		s.HandleMessage(data)
	}
	s.Close("client disconnected")
}

// readLoop forwards inbound data messages until the connection fails or
// ctx ends. It closes inbound and cancels the session context on exit.
func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, inbound chan<- []byte) {
	defer close(inbound)
	defer cancel()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case inbound <- data:
		case <-ctx.Done():
			return
		}
	}
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// wsTransport adapts a WebSocket connection to session.Transport.
// gorilla connections allow one concurrent writer, so every write is
// serialized.
type wsTransport struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) SendText(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) SendJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal-closure frame and closes the connection. Only the
// first call has any effect.
func (t *wsTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}
