package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/metorial/aegis/internal/codec"
	"github.com/metorial/aegis/internal/models"
	"golang.org/x/time/rate"
)

var ErrUnauthenticated = errors.New("session not authenticated")

const (
	DefaultQueueSize    = 16
	DefaultWriteTimeout = 10 * time.Second
	DefaultPongTimeout  = 60 * time.Second
	DefaultReadLimit    = 4096
	DefaultCommandRate  = 5
	DefaultCommandBurst = 10
)

// Conn is the transport a session runs over. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// CommandSink accepts control commands read from a session.
type CommandSink interface {
	Submit(cmd models.Command, sessionID string) error
}

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type SessionOptions struct {
	RemoteAddr   string
	Format       codec.Format
	QueueSize    int
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	ReadLimit    int64
	CommandRate  rate.Limit
	CommandBurst int
	Logger       *slog.Logger
}

func (o *SessionOptions) setDefaults() {
	if o.Format == "" {
		o.Format = codec.JSON
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = DefaultPongTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.CommandRate <= 0 {
		o.CommandRate = DefaultCommandRate
	}
	if o.CommandBurst <= 0 {
		o.CommandBurst = DefaultCommandBurst
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Session is one connected viewer. Snapshots reach it through a bounded
// queue filled by the hub; a write pump drains the queue to the transport
// while a read pump turns inbound messages into commands.
type Session struct {
	id     string
	opts   SessionOptions
	conn   Conn
	send   chan *codec.Frame
	logger *slog.Logger

	limiter *rate.Limiter
	hub     atomic.Pointer[Hub]
	state   atomic.Int32
	sent    atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	reason    error
}

func NewSession(conn Conn, opts SessionOptions) *Session {
	opts.setDefaults()
	id := uuid.NewString()
	return &Session{
		id:      id,
		opts:    opts,
		conn:    conn,
		send:    make(chan *codec.Frame, opts.QueueSize),
		logger:  opts.Logger.With("component", "session", "session", id, "remote", opts.RemoteAddr),
		limiter: rate.NewLimiter(opts.CommandRate, opts.CommandBurst),
		closed:  make(chan struct{}),
	}
}

func (s *Session) ID() string         { return s.id }
func (s *Session) RemoteAddr() string { return s.opts.RemoteAddr }
func (s *Session) State() State       { return State(s.state.Load()) }
func (s *Session) Sent() uint64       { return s.sent.Load() }

// Done is closed once the session has closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err returns the reason the session closed, nil while open or after a
// clean close.
func (s *Session) Err() error {
	select {
	case <-s.closed:
		return s.reason
	default:
		return nil
	}
}

// Authenticate marks the session as having presented a valid token.
func (s *Session) Authenticate() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated))
}

// Serve registers the session with h and pumps frames and commands until
// the transport fails, ctx is cancelled or the session is closed.
func (s *Session) Serve(ctx context.Context, h *Hub, commands CommandSink) error {
	if s.State() != StateAuthenticated {
		s.Close(ErrUnauthenticated)
		return ErrUnauthenticated
	}

	s.hub.Store(h)
	if err := h.Register(s); err != nil {
		s.Close(err)
		return err
	}
	if !s.state.CompareAndSwap(int32(StateAuthenticated), int32(StateStreaming)) {
		// Closed while registering.
		return s.Err()
	}
	s.logger.Info("Session streaming", "encoding", s.opts.Format)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writePump()
	}()

	stop := context.AfterFunc(ctx, func() { s.Close(ctx.Err()) })
	defer stop()

	s.readPump(commands)
	s.Close(nil)
	<-writeDone
	return nil
}

// enqueue offers frame to the outbound queue without blocking. It
// reports false when the queue is full.
func (s *Session) enqueue(frame *codec.Frame) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) messageType() int {
	if s.opts.Format.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.opts.PongTimeout * 9 / 10)
	defer ticker.Stop()

	msgType := s.messageType()
	for {
		select {
		case <-s.closed:
			return

		case frame := <-s.send:
			data, err := frame.Bytes(s.opts.Format)
			if err != nil {
				s.logger.Error("Failed to encode snapshot", "error", err)
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(msgType, data); err != nil {
				s.Close(err)
				return
			}
			s.sent.Add(1)

		case <-ticker.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.Close(err)
				return
			}
		}
	}
}

func (s *Session) readPump(commands CommandSink) {
	s.conn.SetReadLimit(s.opts.ReadLimit)
	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() != StateClosed && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Read failed", "error", err)
			}
			return
		}
		s.extendReadDeadline()
		s.handle(data, commands)
	}
}

func (s *Session) extendReadDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
}

func (s *Session) handle(data []byte, commands CommandSink) {
	cmd, err := models.ParseCommand(data)
	if err != nil {
		s.logger.Warn("Ignoring malformed command", "error", err)
		return
	}
	if !s.limiter.Allow() {
		s.logger.Warn("Command rate exceeded, dropping", "action", cmd.WireAction(), "target", cmd.Target())
		return
	}
	if err := commands.Submit(cmd, s.id); err != nil {
		s.logger.Warn("Command not accepted", "action", cmd.WireAction(), "target", cmd.Target(), "error", err)
	}
}

// Close ends the session. It is idempotent and safe to call from any
// goroutine except the hub's registry goroutine.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.reason = reason
		s.state.Store(int32(StateClosed))
		close(s.closed)

		if h := s.hub.Load(); h != nil {
			h.Unregister(s)
		}

		code, text := websocket.CloseNormalClosure, ""
		switch {
		case errors.Is(reason, ErrBacklog):
			code, text = websocket.ClosePolicyViolation, "backlog exceeded"
		case errors.Is(reason, ErrClosed):
			code, text = websocket.CloseGoingAway, "agent shutting down"
		}
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
		_ = s.conn.Close()

		if reason != nil {
			s.logger.Info("Session closed", "reason", reason, "sent", s.sent.Load())
		} else {
			s.logger.Info("Session closed", "sent", s.sent.Load())
		}
	})
}
