package ripple

import (
	"encoding/json"
	"strconv"
	"time"
)

// ============================================================================
// Delivery states
// ============================================================================

// DeliveryState is the client's best knowledge of how far a message has
// propagated. States are ordered; a message never moves backwards.
type DeliveryState int

const (
	StateSending DeliveryState = iota
	StateSent
	StateDelivered
	StateRead
)

func (s DeliveryState) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	}
	return "unknown"
}

// ============================================================================
// Message model
// ============================================================================

// ImageContent is an inline image attachment (base64 data URL + caption).
type ImageContent struct {
	Data    string `json:"data"`
	Caption string `json:"caption,omitempty"`
}

// Message is one chat message as known to the client.
//
// Before server confirmation, ID holds the correlation token and
// CorrelationToken is set; once confirmed, ID holds the server id and
// CorrelationToken is cleared. An optimistic entry and its confirmed
// counterpart occupy the same list slot.
type Message struct {
	ID               string
	CorrelationToken string
	ChatID           string
	SenderID         string
	Content          string
	Image            *ImageContent
	CreatedAt        time.Time
	State            DeliveryState
	Mine             bool
}

// ============================================================================
// Identifier normalization
// ============================================================================

// FlexID decodes a JSON string or number into its string form. Different
// backends report user and message ids with different JSON types; decoding
// both into one representation keeps comparisons uniform.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }

// normalizeID returns a canonical form so that numerically equal ids
// compare equal regardless of source formatting ("042" == 42).
func normalizeID(id string) string {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return id
}

// sameID reports whether two ids refer to the same entity, treating
// numeric ids as equal when numerically equal.
func sameID(a, b string) bool {
	return normalizeID(a) == normalizeID(b)
}

// ============================================================================
// Inbound stream events
// ============================================================================

// Inbound event tags routed by the session.
const (
	EventChatMessage      = "chat.message"
	EventDeliveryStatus   = "delivery_status"
	EventReadNotification = "read_notification"
	EventMessageRead      = "message_read"
	EventTyping           = "typing"
	EventPresenceUpdate   = "presence_update"
)

// Frame is the wire envelope for all stream traffic, inbound and outbound.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessageEvent is a new message delivered on the stream. For the sender's
// own messages it echoes the correlation token of the originating send.
type MessageEvent struct {
	ID               FlexID        `json:"id"`
	ChatID           string        `json:"chatId"`
	SenderID         FlexID        `json:"senderId"`
	Content          string        `json:"content"`
	Image            *ImageContent `json:"image,omitempty"`
	CorrelationToken string        `json:"correlationToken,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// RecipientStatus is one recipient's view of a message.
type RecipientStatus struct {
	UserID FlexID `json:"userId"`
	Status string `json:"status"` // "sent", "delivered" or "read"
}

// DeliveryStatusEvent aggregates per-recipient statuses for one message.
type DeliveryStatusEvent struct {
	MessageID FlexID            `json:"messageId"`
	Statuses  []RecipientStatus `json:"statuses"`
}

// ReadEvent reports that a user has read up to a message. Sent under both
// the read_notification and message_read tags.
type ReadEvent struct {
	MessageID FlexID `json:"messageId"`
	ReaderID  FlexID `json:"readerId"`
}

// TypingEvent reports a user starting or stopping typing in a chat.
type TypingEvent struct {
	ChatID   string `json:"chatId"`
	UserID   FlexID `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// PresenceEvent reports a user's presence transition.
type PresenceEvent struct {
	UserID     FlexID     `json:"userId"`
	IsOnline   bool       `json:"isOnline"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// ============================================================================
// Outbound commands
// ============================================================================

// Outbound command tags.
const (
	CommandText   = "text"
	CommandImage  = "image"
	CommandTyping = "typing"
	CommandRead   = "read"
	CommandPing   = "ping"
)

type textCommand struct {
	Content          string `json:"content"`
	CorrelationToken string `json:"correlationToken"`
}

type imageCommand struct {
	Data             string `json:"data"`
	Caption          string `json:"caption,omitempty"`
	CorrelationToken string `json:"correlationToken"`
}

type typingCommand struct {
	IsTyping bool `json:"isTyping"`
}

type readCommand struct {
	MessageID string `json:"messageId"`
}

// ============================================================================
// History
// ============================================================================

// HistoryRecord is one row of the server's paginated chat history. The
// array is served in final order; the client does not re-sort it.
type HistoryRecord struct {
	ID        FlexID            `json:"id"`
	SenderID  FlexID            `json:"senderId"`
	Content   string            `json:"content"`
	Image     *ImageContent     `json:"image,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	Statuses  []RecipientStatus `json:"statuses,omitempty"`
}

// APIError represents an API error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}
