package ripple

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Timeline is the single authoritative ordered message list for one chat.
// It merges three inputs: the one-shot server history, locally originated
// optimistic sends, and inbound stream events. All mutation happens under
// one mutex so no handler can observe a half-applied update.
//
// Entries are only appended or replaced in place, never removed or
// reordered, so the positional indexes stay valid for the life of the
// session.
type Timeline struct {
	mu     sync.Mutex
	chatID string
	selfID string
	log    *zap.Logger

	messages      []Message
	byID          map[string]int // normalized server id -> position
	byToken       map[string]int // correlation token -> position
	historyLoaded bool
}

// NewTimeline creates an empty timeline for one chat session. selfID is the
// current user's id, used to classify senders.
func NewTimeline(chatID, selfID string, log *zap.Logger) *Timeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Timeline{
		chatID:  chatID,
		selfID:  selfID,
		log:     log,
		byID:    make(map[string]int),
		byToken: make(map[string]int),
	}
}

// LoadHistory installs the server's history as the head of the list,
// keeping any entries that arrived before the fetch resolved at the tail.
// A record whose id already landed on the stream keeps its live entry (ids
// stay unique; only its delivery state is merged). Called once per
// session; later calls are ignored.
func (t *Timeline) LoadHistory(records []HistoryRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.historyLoaded {
		t.log.Debug("history already loaded, ignoring", zap.String("chat", t.chatID))
		return
	}
	t.historyLoaded = true

	head := make([]Message, 0, len(records)+len(t.messages))
	for _, rec := range records {
		if rec.ID == "" {
			t.log.Warn("dropping history record without id", zap.String("chat", t.chatID))
			continue
		}
		if pos, ok := t.byID[normalizeID(string(rec.ID))]; ok {
			live := &t.messages[pos]
			if live.Mine {
				if st := deriveState(rec.Statuses); st > live.State {
					live.State = st
				}
			}
			continue
		}
		msg := Message{
			ID:        string(rec.ID),
			ChatID:    t.chatID,
			SenderID:  string(rec.SenderID),
			Content:   rec.Content,
			Image:     rec.Image,
			CreatedAt: rec.CreatedAt,
			State:     StateSent,
			Mine:      sameID(string(rec.SenderID), t.selfID),
		}
		if msg.Mine {
			if st := deriveState(rec.Statuses); st > msg.State {
				msg.State = st
			}
		}
		head = append(head, msg)
	}

	t.messages = append(head, t.messages...)
	t.reindexLocked()
}

// RegisterOptimistic appends a new Sending entry keyed by its correlation
// token, visible to readers before any network confirmation.
func (t *Timeline) RegisterOptimistic(token, content string, image *ImageContent) Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := Message{
		ID:               token,
		CorrelationToken: token,
		ChatID:           t.chatID,
		SenderID:         t.selfID,
		Content:          content,
		Image:            image,
		CreatedAt:        time.Now().UTC(),
		State:            StateSending,
		Mine:             true,
	}
	t.messages = append(t.messages, msg)
	pos := len(t.messages) - 1
	t.byToken[token] = pos
	t.byID[normalizeID(token)] = pos
	return msg
}

// ApplyMessage merges an inbound message event. A matching correlation
// token promotes the optimistic entry in place; a known id is a duplicate
// and is dropped; anything else is appended as a new message.
func (t *Timeline) ApplyMessage(ev MessageEvent) {
	if ev.ID == "" && ev.CorrelationToken == "" {
		t.log.Warn("dropping message event without id or correlation token",
			zap.String("chat", t.chatID))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.CorrelationToken != "" {
		if pos, ok := t.byToken[ev.CorrelationToken]; ok {
			t.promoteLocked(pos, ev)
			return
		}
	}

	if ev.ID == "" {
		t.log.Warn("dropping message event without id",
			zap.String("chat", t.chatID))
		return
	}
	if _, ok := t.byID[normalizeID(string(ev.ID))]; ok {
		return // duplicate delivery
	}

	msg := Message{
		ID:        string(ev.ID),
		ChatID:    t.chatID,
		SenderID:  string(ev.SenderID),
		Content:   ev.Content,
		Image:     ev.Image,
		CreatedAt: ev.CreatedAt,
		State:     StateSent,
		Mine:      sameID(string(ev.SenderID), t.selfID),
	}
	t.messages = append(t.messages, msg)
	t.byID[normalizeID(msg.ID)] = len(t.messages) - 1
}

// promoteLocked replaces the optimistic entry at pos with its confirmed
// identity. List position is preserved; the token index entry is released.
func (t *Timeline) promoteLocked(pos int, ev MessageEvent) {
	msg := &t.messages[pos]

	delete(t.byToken, msg.CorrelationToken)
	delete(t.byID, normalizeID(msg.ID))

	msg.ID = string(ev.ID)
	msg.CorrelationToken = ""
	if !ev.CreatedAt.IsZero() {
		msg.CreatedAt = ev.CreatedAt // server clock wins
	}
	if ev.Content != "" {
		msg.Content = ev.Content
	}
	if msg.State < StateSent {
		msg.State = StateSent
	}

	t.byID[normalizeID(msg.ID)] = pos
}

// ApplyDelivery applies an aggregated per-recipient status event. The
// resulting state is read if any recipient has read the message, delivered
// if any has received it, else sent; a lower state never overwrites a
// higher one.
func (t *Timeline) ApplyDelivery(ev DeliveryStatusEvent) {
	if ev.MessageID == "" {
		t.log.Warn("dropping delivery event without message id", zap.String("chat", t.chatID))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.byID[normalizeID(string(ev.MessageID))]
	if !ok {
		return
	}
	if st := deriveState(ev.Statuses); st > t.messages[pos].State {
		t.messages[pos].State = st
	}
}

// ApplyRead marks a single message as read, by id.
func (t *Timeline) ApplyRead(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyReadLocked(messageID)
}

func (t *Timeline) applyReadLocked(messageID string) {
	pos, ok := t.byID[normalizeID(messageID)]
	if !ok {
		return
	}
	if t.messages[pos].State < StateRead {
		t.messages[pos].State = StateRead
	}
}

// ApplyBulkRead marks every own message with numeric id at or below the
// boundary as read. Self-read echoes are skipped. The numeric comparison
// assumes server ids are issued monotonically; when either id does not
// parse as a number the event degrades to an exact-id read instead.
func (t *Timeline) ApplyBulkRead(boundaryID, readerID string) {
	if sameID(readerID, t.selfID) {
		return
	}

	boundary, err := strconv.ParseInt(normalizeID(boundaryID), 10, 64)
	if err != nil {
		t.ApplyRead(boundaryID)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.messages {
		msg := &t.messages[i]
		if !msg.Mine || msg.State >= StateRead || msg.State == StateSending {
			continue
		}
		id, err := strconv.ParseInt(normalizeID(msg.ID), 10, 64)
		if err != nil {
			continue
		}
		if id <= boundary {
			msg.State = StateRead
		}
	}
}

// Messages returns a snapshot of the ordered list.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages in the list.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Get returns the message with the given id, if present.
func (t *Timeline) Get(messageID string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.byID[normalizeID(messageID)]
	if !ok {
		return Message{}, false
	}
	return t.messages[pos], true
}

func (t *Timeline) reindexLocked() {
	t.byID = make(map[string]int, len(t.messages))
	t.byToken = make(map[string]int)
	for i, msg := range t.messages {
		t.byID[normalizeID(msg.ID)] = i
		if msg.CorrelationToken != "" {
			t.byToken[msg.CorrelationToken] = i
		}
	}
}

// deriveState folds an unordered per-recipient status list into one state:
// first match wins on read, then delivered, else sent.
func deriveState(statuses []RecipientStatus) DeliveryState {
	state := StateSent
	for _, rs := range statuses {
		switch rs.Status {
		case "read":
			return StateRead
		case "delivered":
			state = StateDelivered
		}
	}
	return state
}
