package ripple

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingTTL is how long a typing flag stays live without being
// refreshed. A lost typing-stop frame otherwise pins the indicator forever.
const DefaultTypingTTL = 10 * time.Second

// PresenceEntry is one user's presence as known to the client. LastSeenAt
// is meaningful only while the user is offline.
type PresenceEntry struct {
	IsOnline   bool
	LastSeenAt *time.Time
}

// PresenceStore tracks which users are online and who is typing in which
// chat. It is shared process-wide: constructed once at the composition
// root and handed to every ChatSession, surviving across chat switches.
// Writes are last-write-wins per key.
type PresenceStore struct {
	mu        sync.RWMutex
	typingTTL time.Duration
	presence  map[string]PresenceEntry
	typing    map[string]map[string]time.Time // chat id -> user id -> set at

	now func() time.Time
}

type PresenceOption func(*PresenceStore)

// WithTypingTTL overrides the typing expiry window.
func WithTypingTTL(d time.Duration) PresenceOption {
	return func(p *PresenceStore) { p.typingTTL = d }
}

// NewPresenceStore creates an empty presence/typing store.
func NewPresenceStore(opts ...PresenceOption) *PresenceStore {
	p := &PresenceStore{
		typingTTL: DefaultTypingTTL,
		presence:  make(map[string]PresenceEntry),
		typing:    make(map[string]map[string]time.Time),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetPresence records a presence transition for userID. Going online clears
// the last-seen timestamp; going offline without a timestamp keeps whatever
// was stored before rather than erasing it.
func (p *PresenceStore) SetPresence(userID string, isOnline bool, lastSeenAt *time.Time) {
	key := normalizeID(userID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if isOnline {
		p.presence[key] = PresenceEntry{IsOnline: true}
		return
	}

	entry := PresenceEntry{IsOnline: false, LastSeenAt: lastSeenAt}
	if lastSeenAt == nil {
		if prev, ok := p.presence[key]; ok {
			entry.LastSeenAt = prev.LastSeenAt
		}
	}
	p.presence[key] = entry
}

// SetTyping adds or removes userID from the chat's typing set. Adding an
// already-typing user refreshes its expiry; removing an absent user is a
// no-op.
func (p *PresenceStore) SetTyping(chatID, userID string, isTyping bool) {
	key := normalizeID(userID)

	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.typing[chatID]
	if isTyping {
		if set == nil {
			set = make(map[string]time.Time)
			p.typing[chatID] = set
		}
		set[key] = p.now()
		return
	}
	if set != nil {
		delete(set, key)
	}
}

// IsOnline reports whether userID is currently online. Unknown users read
// as offline.
func (p *PresenceStore) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.presence[normalizeID(userID)].IsOnline
}

// LastSeen returns when userID was last seen, or nil if unknown or online.
func (p *PresenceStore) LastSeen(userID string) *time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.presence[normalizeID(userID)].LastSeenAt
}

// IsTyping reports whether userID is typing in chatID. Entries older than
// the typing TTL read as not typing.
func (p *PresenceStore) IsTyping(chatID, userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	set := p.typing[chatID]
	if set == nil {
		return false
	}
	at, ok := set[normalizeID(userID)]
	if !ok {
		return false
	}
	return p.now().Sub(at) < p.typingTTL
}

// TypingUsers returns the ids of users currently typing in chatID, sorted
// for stable rendering.
func (p *PresenceStore) TypingUsers(chatID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	set := p.typing[chatID]
	if len(set) == 0 {
		return nil
	}
	now := p.now()
	users := make([]string, 0, len(set))
	for id, at := range set {
		if now.Sub(at) < p.typingTTL {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users
}
