package ripple

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned when a message send is attempted while the
// stream is down. Typing and read signals are best-effort and never return
// it; they simply do nothing while disconnected.
var ErrNotConnected = errors.New("ripple: not connected")

// command is the outbound wire envelope, the mirror of Frame.
type command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// SendText sends a text message. It refuses while disconnected; otherwise
// it registers an optimistic Sending entry under a fresh correlation token,
// transmits the command, and returns the token. Transmission is
// fire-and-forget: a write failure surfaces through the close handler and
// the entry stays in Sending until the reconnected stream echoes it.
func (s *ChatSession) SendText(content string) (string, error) {
	return s.sendMessage(CommandText, content, nil)
}

// SendImage sends an inline image (base64 data URL) with an optional
// caption. Same contract as SendText.
func (s *ChatSession) SendImage(dataURL, caption string) (string, error) {
	return s.sendMessage(CommandImage, caption, &ImageContent{Data: dataURL, Caption: caption})
}

func (s *ChatSession) sendMessage(kind, content string, image *ImageContent) (string, error) {
	s.mu.Lock()
	ctx := s.connCtx
	connected := s.conn != nil && s.state == SessionConnected
	s.mu.Unlock()
	if !connected {
		return "", ErrNotConnected
	}

	token := uuid.NewString()
	s.timeline.RegisterOptimistic(token, content, image)

	var payload any
	if kind == CommandImage {
		payload = imageCommand{Data: image.Data, Caption: image.Caption, CorrelationToken: token}
	} else {
		payload = textCommand{Content: content, CorrelationToken: token}
	}
	if err := s.writeCommand(ctx, kind, payload); err != nil {
		s.log.Warn("message transmit failed",
			zap.String("chat", s.chatID), zap.Error(err))
	}
	return token, nil
}

// SendTyping signals the user's typing state. Best-effort: a no-op while
// disconnected.
func (s *ChatSession) SendTyping(isTyping bool) {
	ctx := s.liveCtx()
	if ctx == nil {
		return
	}
	_ = s.writeCommand(ctx, CommandTyping, typingCommand{IsTyping: isTyping})
}

// SendReadReceipt signals that messageID has been seen. Best-effort, and
// de-duplicated for the session: visibility triggers tend to fire more
// than once per message, the server only needs to hear about it once.
func (s *ChatSession) SendReadReceipt(messageID string) {
	key := normalizeID(messageID)

	s.mu.Lock()
	ctx := s.connCtx
	connected := s.conn != nil && s.state == SessionConnected
	if !connected {
		s.mu.Unlock()
		return
	}
	if _, done := s.sentReads[key]; done {
		s.mu.Unlock()
		return
	}
	s.sentReads[key] = struct{}{}
	s.mu.Unlock()

	_ = s.writeCommand(ctx, CommandRead, readCommand{MessageID: messageID})
}

// liveCtx returns the current connection's context, or nil if disconnected.
func (s *ChatSession) liveCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.state != SessionConnected {
		return nil
	}
	return s.connCtx
}

func (s *ChatSession) writeCommand(ctx context.Context, typ string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(command{Type: typ, Payload: payload})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
