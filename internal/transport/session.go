package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/reclaimapp/messenger/internal/bus"
	"github.com/reclaimapp/messenger/internal/config"
	"github.com/reclaimapp/messenger/internal/retry"
	"github.com/reclaimapp/messenger/internal/status"
	"go.uber.org/zap"
)

const maxFrameSize = 1 << 20

// Session owns the persistent push channel connection: dial with bearer
// auth, heartbeat, reconnect with backoff, and frame dispatch. Inbound
// frames are published on the bus as push.* events tagged with the epoch of
// the connection that delivered them; the reconciliation engine drops
// anything tagged with a stale epoch.
type Session struct {
	url               string
	credential        string
	bus               *bus.Bus
	machine           *status.Machine
	logger            *zap.Logger
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	reconnect         retry.Policy

	mu         sync.Mutex
	conn       *websocket.Conn
	connCancel context.CancelFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a transport session. Start must be called before use.
func NewSession(cfg *config.Config, b *bus.Bus, m *status.Machine, logger *zap.Logger) *Session {
	return &Session{
		url:               cfg.PushURL,
		credential:        cfg.Credential,
		bus:               b,
		machine:           m,
		logger:            logger,
		heartbeatInterval: cfg.Heartbeat.Interval.Std(),
		heartbeatTimeout:  cfg.Heartbeat.Timeout.Std(),
		reconnect: retry.Policy{
			Base:   cfg.Reconnect.Base.Std(),
			Cap:    cfg.Reconnect.Cap.Std(),
			Jitter: 1.0,
		},
		done: make(chan struct{}),
	}
}

// Start transitions to CONNECTING and supervises the connection in the
// background. Returns immediately; connectivity progress is published as
// session.status_changed events.
func (s *Session) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	if err := s.machine.Transition(status.Connecting); err != nil {
		return err
	}
	go s.run(ctx)
	return nil
}

// Stop closes the connection and stops reconnecting.
func (s *Session) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	if s.machine.Current() != status.Disconnected {
		_ = s.machine.Transition(status.Disconnected)
	}
}

// Send writes an outbound frame. Returns ErrNotConnected when the session
// has no live connection; the caller is responsible for retrying.
func (s *Session) Send(ctx context.Context, f Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || s.machine.Current() != status.Connected {
		return ErrNotConnected
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &NetworkError{Op: "write", Err: err}
	}
	return nil
}

// run supervises the connection: connect (with backoff), wait for a drop,
// reconnect. Only cancellation or an auth rejection ends the loop.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	for {
		drop, err := s.connectWithRetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var authErr *AuthError
			if errors.As(err, &authErr) {
				s.logger.Error("authentication rejected", zap.Int("status", authErr.Status))
				_ = s.machine.Transition(status.Disconnected)
				s.bus.Publish(bus.Event{Kind: "session.auth_failed", Timestamp: time.Now(), Payload: authErr})
				return
			}
			s.logger.Error("connect failed", zap.Error(err))
			return
		}

		select {
		case <-drop:
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("connection dropped, reconnecting")
			_ = s.machine.Transition(status.Reconnecting)
		case <-ctx.Done():
			s.closeConn(websocket.StatusNormalClosure, "shutting down")
			return
		}
	}
}

func (s *Session) connectWithRetry(ctx context.Context) (<-chan struct{}, error) {
	var drop chan struct{}
	err := s.reconnect.Do(ctx, func() error {
		d, err := s.connect(ctx)
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				return retry.Permanent(err)
			}
			s.logger.Warn("dial failed", zap.Error(err))
			return err
		}
		drop = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return drop, nil
}

// connect performs one dial attempt. On success it bumps the epoch, moves the
// machine to CONNECTED and starts the read and heartbeat pumps. The returned
// channel closes when the connection dies.
func (s *Session) connect(ctx context.Context) (chan struct{}, error) {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+s.credential)
	conn, resp, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Status: resp.StatusCode, Reason: "credential rejected"}
		}
		return nil, &NetworkError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(maxFrameSize)

	connCtx, connCancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.conn = conn
	s.connCancel = connCancel
	s.mu.Unlock()

	epoch := s.machine.NextEpoch()
	_ = s.machine.Transition(status.Connected)
	s.logger.Info("push channel connected", zap.Uint64("epoch", epoch))

	drop := make(chan struct{})
	go s.readLoop(connCtx, conn, epoch, drop)
	go s.heartbeat(connCtx, conn)
	return drop, nil
}

// readLoop delivers inbound frames until the connection dies. A malformed
// frame is logged and skipped; it never terminates the loop.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, epoch uint64, drop chan struct{}) {
	defer close(drop)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("read failed", zap.Error(err))
			}
			s.clearConn(conn)
			return
		}
		frame, err := ParseFrame(data)
		if err != nil {
			s.logger.Warn("dropping bad frame", zap.Error(err))
			continue
		}
		s.dispatch(frame, epoch)
	}
}

func (s *Session) dispatch(f *Frame, epoch uint64) {
	now := time.Now()
	switch f.Type {
	case FrameMessage:
		s.bus.Publish(bus.Event{
			Kind:      "push.message",
			Timestamp: now,
			Epoch:     epoch,
			Payload:   f.Message.ToModel(f.ConversationID),
		})
	case FrameTyping:
		s.bus.Publish(bus.Event{
			Kind:      "push.typing",
			Timestamp: now,
			Epoch:     epoch,
			Payload: TypingEvent{
				ConversationID: f.ConversationID,
				UserID:         f.UserID,
				Typing:         f.IsTyping != nil && *f.IsTyping,
			},
		})
	case FrameReadReceipt:
		s.bus.Publish(bus.Event{
			Kind:      "push.read_receipt",
			Timestamp: now,
			Epoch:     epoch,
			Payload: ReadReceiptEvent{
				ConversationID: f.ConversationID,
				UserID:         f.UserID,
				MessageIDs:     f.MessageIDs,
			},
		})
	case FrameConversationUpdated:
		s.bus.Publish(bus.Event{
			Kind:      "push.conversation_updated",
			Timestamp: now,
			Epoch:     epoch,
			Payload:   ConversationEvent{ConversationID: f.ConversationID},
		})
	}
}

// heartbeat pings on a fixed interval; a missed pong forces the connection
// closed, which the read loop reports as a drop.
func (s *Session) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.heartbeatTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("heartbeat missed, forcing reconnect", zap.Error(err))
					_ = conn.CloseNow()
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) clearConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
		if s.connCancel != nil {
			s.connCancel()
			s.connCancel = nil
		}
	}
}

func (s *Session) closeConn(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	cancel := s.connCancel
	s.connCancel = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close(code, reason)
	}
	if cancel != nil {
		cancel()
	}
}
