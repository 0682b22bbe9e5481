package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/streaming-asr-service/internal/protocol"
	"github.com/skypro1111/streaming-asr-service/internal/session"
)

// wsConn pairs a WebSocket connection with the mutex serializing writes.
// The session writer goroutine and the read loop's error replies both
// write to the connection.
type wsConn struct {
	conn   *websocket.Conn
	connMu sync.Mutex
}

func (c *wsConn) writeJSON(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *wsConn) write(data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// handleWS upgrades the connection and binds it to a new session
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	conn.SetReadLimit(s.config.Server.ReadLimit)
	c := &wsConn{conn: conn}

	sess, err := s.manager.Create()
	if err != nil {
		if errors.Is(err, session.ErrCapacityExceeded) {
			s.logger.Warn("Connection rejected at capacity",
				slog.String("remote", r.RemoteAddr),
				slog.Int("max_sessions", s.manager.MaxSessions()),
			)
			c.writeJSON(protocol.NewErrorMessage(protocol.ErrKindCapacity, "session capacity exceeded"))
		} else {
			s.logger.Error("Failed to create session", slog.String("error", err.Error()))
			c.writeJSON(protocol.NewErrorMessage(protocol.ErrKindInternal, "failed to create session"))
		}
		conn.Close()
		return
	}

	logger := s.logger.With(
		slog.String("session_id", sess.ID()),
		slog.String("remote", r.RemoteAddr),
	)
	logger.Info("WebSocket connection established")

	if err := c.writeJSON(protocol.NewConnectionMessage(sess.ID())); err != nil {
		logger.Warn("Failed to send connection greeting", slog.String("error", err.Error()))
		sess.Close()
		conn.Close()
		return
	}

	// Teardown runs once, whichever side fails first
	var teardown sync.Once
	closeBoth := func() {
		teardown.Do(func() {
			sess.Close()
			conn.Close()
		})
	}

	// Writer: drain the session outbox onto the wire in order
	go func() {
		defer closeBoth()
		for data := range sess.Outbox() {
			if err := c.write(data); err != nil {
				logger.Debug("WebSocket write failed", slog.String("error", err.Error()))
				return
			}
		}
	}()

	// Reader: parse inbound messages and hand them to the session
	go func() {
		defer closeBoth()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("WebSocket read failed", slog.String("error", err.Error()))
				}
				return
			}

			msg, err := protocol.ParseClient(data)
			if err != nil {
				logger.Warn("Rejected malformed message", slog.String("error", err.Error()))
				if werr := c.writeJSON(protocol.NewErrorMessage(protocol.ErrKindBadMessage, err.Error())); werr != nil {
					return
				}
				continue
			}

			if err := sess.Deliver(msg); err != nil {
				return
			}
		}
	}()
}
