package notify

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kimchiwatch/internal/config"
)

const (
	sendBuffer   = 256
	maxReadBytes = 512
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Registrar is the part of the Dispatcher a session uses for its lifetime.
type Registrar interface {
	Register(s Session) error
	Unregister(id string) bool
}

// WSSession is a Session over a gorilla websocket connection. Payloads are
// queued and written by a single goroutine; clients only send pongs and
// close frames.
type WSSession struct {
	id     string
	userID string
	conn   *websocket.Conn
	cfg    config.NotifyConfig
	logger *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSSession wraps an upgraded connection. userID may be empty for an
// anonymous session.
func NewWSSession(conn *websocket.Conn, userID string, cfg config.NotifyConfig, logger *slog.Logger) *WSSession {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &WSSession{
		id:     id,
		userID: userID,
		conn:   conn,
		cfg:    cfg,
		logger: logger.With("session_id", id),
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (s *WSSession) ID() string     { return s.id }
func (s *WSSession) UserID() string { return s.userID }

// Send queues a payload without blocking.
func (s *WSSession) Send(payload []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write loop, which sends a close frame and closes the
// connection. It is safe to call more than once.
func (s *WSSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Serve registers the session and pumps it until the client disconnects or
// the session is closed. It blocks for the lifetime of the connection.
func (s *WSSession) Serve(reg Registrar) error {
	if err := reg.Register(s); err != nil {
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second),
		)
		_ = s.conn.Close()
		return err
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()

	s.readPump()
	reg.Unregister(s.id)
	_ = s.Close()
	<-writerDone
	return nil
}

func (s *WSSession) readPump() {
	s.conn.SetReadLimit(maxReadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
	}
}

func (s *WSSession) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				_ = s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}
