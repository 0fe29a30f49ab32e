package ripple

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrSessionClosed is returned by Start after Stop has torn the session down.
var ErrSessionClosed = errors.New("ripple: session closed")

// SessionState is the connection state of a ChatSession.
type SessionState string

const (
	SessionDisconnected     SessionState = "disconnected"
	SessionConnecting       SessionState = "connecting"
	SessionConnected        SessionState = "connected"
	SessionReconnectPending SessionState = "reconnect-pending"
)

// SessionConfig configures a ChatSession's connection behavior.
type SessionConfig struct {
	// KeepAliveInterval is the ping cadence while connected.
	KeepAliveInterval time.Duration
	// DropBackoff is the retry delay after an unexpected close or dial failure.
	DropBackoff time.Duration
	// CredentialBackoff is the retry delay when no session token is available.
	CredentialBackoff time.Duration
}

func (c *SessionConfig) defaults() {
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.DropBackoff == 0 {
		c.DropBackoff = 3 * time.Second
	}
	if c.CredentialBackoff == 0 {
		c.CredentialBackoff = 5 * time.Second
	}
}

// ChatSession owns exactly one live stream connection for one chat. It is
// driven by Start/Stop from the owning caller, reconnects on its own after
// drops, routes inbound frames to its Timeline and the shared
// PresenceStore, and encodes the outbound commands.
type ChatSession struct {
	chatID   string
	client   *Client
	creds    CredentialSource
	presence *PresenceStore
	timeline *Timeline
	config   *SessionConfig
	log      *zap.Logger

	mu             sync.Mutex
	state          SessionState
	conn           *websocket.Conn
	connCtx        context.Context
	cancelFn       context.CancelFunc
	runCtx         context.Context
	retryTimer     *time.Timer
	closed         bool
	historyFetched bool
	sentReads      map[string]struct{}
	onState        func(SessionState)
}

// NewSession creates a session for one chat. The presence store is shared
// across sessions; the timeline is owned by this session alone. Call Start
// to connect.
func (c *Client) NewSession(chatID string, creds CredentialSource, presence *PresenceStore, config *SessionConfig) *ChatSession {
	cfg := SessionConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	return &ChatSession{
		chatID:    chatID,
		client:    c,
		creds:     creds,
		presence:  presence,
		timeline:  NewTimeline(chatID, creds.UserID(), c.log),
		config:    &cfg,
		log:       c.log,
		state:     SessionDisconnected,
		sentReads: make(map[string]struct{}),
	}
}

// Timeline returns the session's message timeline.
func (s *ChatSession) Timeline() *Timeline { return s.timeline }

// Presence returns the shared presence store the session writes to.
func (s *ChatSession) Presence() *PresenceStore { return s.presence }

// ChatID returns the chat this session is bound to.
func (s *ChatSession) ChatID() string { return s.chatID }

// State returns the current connection state.
func (s *ChatSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the stream is currently live.
func (s *ChatSession) Connected() bool {
	return s.State() == SessionConnected
}

// OnStateChange registers a callback invoked on every state transition.
func (s *ChatSession) OnStateChange(h func(SessionState)) {
	s.mu.Lock()
	s.onState = h
	s.mu.Unlock()
}

// Start establishes the stream connection. A missing credential or a dial
// failure is recoverable: the session schedules a single retry and keeps
// trying until Stop or until the Start context is cancelled. Calling Start
// on a connected or connecting session is a no-op.
func (s *ChatSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state == SessionConnected || s.state == SessionConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = SessionConnecting
	s.runCtx = ctx
	h := s.onState
	s.mu.Unlock()
	if h != nil {
		h(SessionConnecting)
	}

	token := s.creds.Token()
	if token == "" {
		s.log.Warn("session token missing, will retry",
			zap.String("chat", s.chatID),
			zap.Duration("backoff", s.config.CredentialBackoff))
		s.scheduleRetry(s.config.CredentialBackoff)
		return nil
	}

	conn, _, err := websocket.Dial(ctx, s.client.wsURL(s.chatID, token), nil)
	if err != nil {
		s.log.Warn("dial failed, will retry",
			zap.String("chat", s.chatID), zap.Error(err))
		s.scheduleRetry(s.config.DropBackoff)
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.closed {
		// Stop raced the dial.
		s.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "session stopped")
		return ErrSessionClosed
	}
	s.conn = conn
	s.connCtx = connCtx
	s.cancelFn = cancel
	s.state = SessionConnected
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	h = s.onState
	s.mu.Unlock()
	if h != nil {
		h(SessionConnected)
	}

	go s.fetchHistory(connCtx, token)
	go s.readLoop(connCtx, conn)
	go s.keepAliveLoop(connCtx)
	return nil
}

// Stop tears the session down: it suppresses the reconnect path, cancels
// the pending retry and the keep-alive, and closes the socket. Frames that
// arrive after Stop are ignored. Stop is idempotent and the session cannot
// be restarted afterwards.
func (s *ChatSession) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = SessionDisconnected
	h := s.onState
	s.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session stopped")
	}
	if h != nil {
		h(SessionDisconnected)
	}
}

// ============================================================================
// Internals
// ============================================================================

func (s *ChatSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fetchHistory loads the chat history once per session. A failed fetch is
// retried on the next successful connect.
func (s *ChatSession) fetchHistory(ctx context.Context, token string) {
	s.mu.Lock()
	done := s.historyFetched
	s.mu.Unlock()
	if done {
		return
	}

	records, err := s.client.History(ctx, s.chatID, token)
	if err != nil {
		s.log.Warn("history fetch failed",
			zap.String("chat", s.chatID), zap.Error(err))
		return
	}
	if s.isClosed() {
		return
	}

	s.mu.Lock()
	s.historyFetched = true
	s.mu.Unlock()
	s.timeline.LoadHistory(records)
}

func (s *ChatSession) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleClose(err)
			return
		}
		s.handleFrame(data)
	}
}

// handleClose is the only place a live connection transitions to
// disconnected. Deliberate closes were marked via the closed flag first,
// so they never reach the reconnect path.
func (s *ChatSession) handleClose(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connCtx = nil
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	s.state = SessionDisconnected
	h := s.onState
	s.mu.Unlock()
	if h != nil {
		h(SessionDisconnected)
	}

	s.log.Info("connection lost",
		zap.String("chat", s.chatID), zap.Error(err))
	s.scheduleRetry(s.config.DropBackoff)
}

// scheduleRetry arms a single reconnect timer. A retry that is already
// pending is left alone, so consecutive drops can never stack timers.
func (s *ChatSession) scheduleRetry(d time.Duration) {
	s.mu.Lock()
	if s.closed || s.retryTimer != nil {
		s.mu.Unlock()
		return
	}
	ctx := s.runCtx
	s.state = SessionReconnectPending
	h := s.onState
	s.retryTimer = time.AfterFunc(d, func() {
		s.mu.Lock()
		s.retryTimer = nil
		closed := s.closed
		s.mu.Unlock()
		if closed || ctx == nil || ctx.Err() != nil {
			return
		}
		_ = s.Start(ctx) // a failed attempt schedules the next retry
	})
	s.mu.Unlock()
	if h != nil {
		h(SessionReconnectPending)
	}
}

// handleFrame parses and routes one inbound frame. Bad frames are logged
// and dropped; nothing here may take down the read loop.
func (s *ChatSession) handleFrame(data []byte) {
	if s.isClosed() {
		return // late frame after teardown
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in frame handler",
				zap.String("chat", s.chatID), zap.Any("panic", r))
		}
	}()

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		s.log.Warn("dropping unparseable frame",
			zap.String("chat", s.chatID), zap.Error(err))
		return
	}

	switch frame.Type {
	case EventChatMessage:
		var ev MessageEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			s.log.Warn("dropping malformed chat.message payload", zap.Error(err))
			return
		}
		s.timeline.ApplyMessage(ev)

	case EventDeliveryStatus:
		var ev DeliveryStatusEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			s.log.Warn("dropping malformed delivery_status payload", zap.Error(err))
			return
		}
		s.timeline.ApplyDelivery(ev)

	case EventReadNotification, EventMessageRead:
		var ev ReadEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil || ev.MessageID == "" {
			s.log.Warn("dropping malformed read event", zap.Error(err))
			return
		}
		s.timeline.ApplyBulkRead(string(ev.MessageID), string(ev.ReaderID))

	case EventTyping:
		var ev TypingEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil || ev.UserID == "" {
			s.log.Warn("dropping malformed typing payload", zap.Error(err))
			return
		}
		chatID := ev.ChatID
		if chatID == "" {
			chatID = s.chatID
		}
		s.presence.SetTyping(chatID, string(ev.UserID), ev.IsTyping)

	case EventPresenceUpdate:
		var ev PresenceEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil || ev.UserID == "" {
			s.log.Warn("dropping malformed presence payload", zap.Error(err))
			return
		}
		s.presence.SetPresence(string(ev.UserID), ev.IsOnline, ev.LastSeenAt)

	default:
		// Unknown tags are dropped silently.
	}
}

func (s *ChatSession) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.Connected() {
				return
			}
			if err := s.writeCommand(ctx, CommandPing, nil); err != nil {
				s.log.Debug("keep-alive write failed", zap.Error(err))
				return
			}
		}
	}
}
