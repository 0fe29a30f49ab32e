package ripple

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	histTime   = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	serverTime = time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
)

func newTestTimeline() *Timeline {
	return NewTimeline("chat-1", "me", zap.NewNop())
}

func ownHistory(ids ...string) []HistoryRecord {
	records := make([]HistoryRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, HistoryRecord{
			ID:        FlexID(id),
			SenderID:  "me",
			Content:   "msg " + id,
			CreatedAt: histTime,
		})
	}
	return records
}

func TestPromotionPreservesPositionAndIdentity(t *testing.T) {
	tl := newTestTimeline()
	tl.LoadHistory([]HistoryRecord{
		{ID: "1", SenderID: "them", Content: "hi", CreatedAt: histTime},
		{ID: "2", SenderID: "me", Content: "hey", CreatedAt: histTime},
	})

	tl.RegisterOptimistic("tok-a", "draft", nil)
	require.Equal(t, 3, tl.Len())

	before := tl.Messages()[2]
	require.Equal(t, StateSending, before.State)
	require.Equal(t, "tok-a", before.CorrelationToken)

	tl.ApplyMessage(MessageEvent{
		ID:               "3",
		SenderID:         "me",
		Content:          "draft",
		CorrelationToken: "tok-a",
		CreatedAt:        serverTime,
	})

	require.Equal(t, 3, tl.Len(), "promotion must not append")
	got := tl.Messages()[2]
	require.Equal(t, "3", got.ID)
	require.Empty(t, got.CorrelationToken)
	require.Equal(t, StateSent, got.State)
	require.Equal(t, serverTime, got.CreatedAt, "server clock replaces client clock")
	require.True(t, got.Mine)
}

func TestDuplicateSuppression(t *testing.T) {
	tl := newTestTimeline()
	ev := MessageEvent{ID: "9", SenderID: "them", Content: "once", CreatedAt: serverTime}

	tl.ApplyMessage(ev)
	tl.ApplyMessage(ev)

	require.Equal(t, 1, tl.Len())
}

func TestDuplicateAfterPromotionSuppressed(t *testing.T) {
	tl := newTestTimeline()
	tl.RegisterOptimistic("tok-b", "hello", nil)

	echo := MessageEvent{ID: "5", SenderID: "me", CorrelationToken: "tok-b", CreatedAt: serverTime}
	tl.ApplyMessage(echo)
	// Redelivery without the token must match the confirmed id.
	tl.ApplyMessage(MessageEvent{ID: "5", SenderID: "me", CreatedAt: serverTime})

	require.Equal(t, 1, tl.Len())
}

func TestStatusMonotonicity(t *testing.T) {
	tl := newTestTimeline()
	tl.LoadHistory(ownHistory("10"))

	delivered := DeliveryStatusEvent{MessageID: "10", Statuses: []RecipientStatus{{UserID: "them", Status: "delivered"}}}

	tl.ApplyDelivery(delivered)
	tl.ApplyRead("10")
	tl.ApplyDelivery(delivered) // late event must not regress

	msg, ok := tl.Get("10")
	require.True(t, ok)
	require.Equal(t, StateRead, msg.State)
}

func TestDeliveryDerivation(t *testing.T) {
	cases := []struct {
		name     string
		statuses []RecipientStatus
		want     DeliveryState
	}{
		{"all sent", []RecipientStatus{{Status: "sent"}, {Status: "sent"}}, StateSent},
		{"one delivered", []RecipientStatus{{Status: "sent"}, {Status: "delivered"}}, StateDelivered},
		{"one read wins", []RecipientStatus{{Status: "sent"}, {Status: "read"}, {Status: "delivered"}}, StateRead},
		{"empty", nil, StateSent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, deriveState(tc.statuses))
		})
	}
}

func TestBulkReadBoundary(t *testing.T) {
	tl := newTestTimeline()
	tl.LoadHistory(ownHistory("10", "11", "12"))

	tl.ApplyBulkRead("11", "them")

	for id, want := range map[string]DeliveryState{"10": StateRead, "11": StateRead, "12": StateSent} {
		msg, ok := tl.Get(id)
		require.True(t, ok)
		require.Equal(t, want, msg.State, "message %s", id)
	}
}

func TestBulkReadSelfEchoIgnored(t *testing.T) {
	tl := newTestTimeline()
	tl.LoadHistory(ownHistory("10"))

	tl.ApplyBulkRead("10", "me")

	msg, _ := tl.Get("10")
	require.Equal(t, StateSent, msg.State)
}

func TestBulkReadSkipsForeignAndSending(t *testing.T) {
	tl := newTestTimeline()
	tl.LoadHistory([]HistoryRecord{
		{ID: "10", SenderID: "them", Content: "their msg", CreatedAt: histTime},
		{ID: "11", SenderID: "me", Content: "mine", CreatedAt: histTime},
	})
	tl.RegisterOptimistic("tok-c", "unconfirmed", nil)

	tl.ApplyBulkRead("999", "them")

	foreign, _ := tl.Get("10")
	require.Equal(t, StateSent, foreign.State)
	mine, _ := tl.Get("11")
	require.Equal(t, StateRead, mine.State)
	require.Equal(t, StateSending, tl.Messages()[2].State)
}

func TestBulkReadNonNumericFallsBackToExactMatch(t *testing.T) {
	tl := newTestTimeline()
	tl.LoadHistory(ownHistory("msg-a", "msg-b"))

	tl.ApplyBulkRead("msg-b", "them")

	a, _ := tl.Get("msg-a")
	require.Equal(t, StateSent, a.State)
	b, _ := tl.Get("msg-b")
	require.Equal(t, StateRead, b.State)
}

func TestHistorySenderClassificationNormalizesTypes(t *testing.T) {
	// The server reports sender ids as JSON numbers; the local user id is
	// the string "42". The message must still classify as the user's own.
	var rec HistoryRecord
	require.NoError(t, json.Unmarshal(
		[]byte(`{"id":7,"senderId":42,"content":"mine","createdAt":"2026-03-01T10:00:00Z"}`),
		&rec,
	))

	tl := NewTimeline("chat-1", "42", zap.NewNop())
	tl.LoadHistory([]HistoryRecord{rec})

	msg, ok := tl.Get("7")
	require.True(t, ok)
	require.True(t, msg.Mine)
}

func TestHistoryStateFromRecipientStatuses(t *testing.T) {
	tl := newTestTimeline()
	tl.LoadHistory([]HistoryRecord{
		{ID: "1", SenderID: "me", Content: "seen", CreatedAt: histTime,
			Statuses: []RecipientStatus{{UserID: "them", Status: "read"}}},
		{ID: "2", SenderID: "them", Content: "foreign", CreatedAt: histTime,
			Statuses: []RecipientStatus{{UserID: "me", Status: "read"}}},
	})

	mine, _ := tl.Get("1")
	require.Equal(t, StateRead, mine.State)
	foreign, _ := tl.Get("2")
	require.Equal(t, StateSent, foreign.State, "statuses only apply to own messages")
}

func TestLoadHistoryOnlyOnce(t *testing.T) {
	tl := newTestTimeline()
	tl.LoadHistory(ownHistory("1"))
	tl.LoadHistory(ownHistory("2", "3"))

	require.Equal(t, 1, tl.Len())
}

func TestLoadHistoryKeepsOptimisticTail(t *testing.T) {
	tl := newTestTimeline()
	tl.RegisterOptimistic("tok-early", "sent before history resolved", nil)
	tl.LoadHistory(ownHistory("1", "2"))

	require.Equal(t, 3, tl.Len())
	require.Equal(t, "tok-early", tl.Messages()[2].CorrelationToken)

	// Promotion still targets the right slot after the reindex.
	tl.ApplyMessage(MessageEvent{ID: "3", SenderID: "me", CorrelationToken: "tok-early", CreatedAt: serverTime})
	require.Equal(t, 3, tl.Len())
	require.Equal(t, "3", tl.Messages()[2].ID)
}

func TestHistorySkipsMessagesAlreadyStreamed(t *testing.T) {
	tl := newTestTimeline()
	// The stream can deliver a message while the history fetch is still in
	// flight; the snapshot then contains the same id.
	tl.ApplyMessage(MessageEvent{ID: "1", SenderID: "them", Content: "live copy", CreatedAt: serverTime})

	tl.LoadHistory([]HistoryRecord{
		{ID: "01", SenderID: "them", Content: "history copy", CreatedAt: histTime},
		{ID: "2", SenderID: "them", Content: "older", CreatedAt: histTime},
	})

	require.Equal(t, 2, tl.Len())
	seen := make(map[string]int)
	for _, msg := range tl.Messages() {
		seen[normalizeID(msg.ID)]++
	}
	require.Equal(t, map[string]int{"1": 1, "2": 1}, seen)

	msg, ok := tl.Get("1")
	require.True(t, ok)
	require.Equal(t, "live copy", msg.Content, "live entry wins over the snapshot")
}

func TestHistoryMergesStateIntoStreamedOwnMessage(t *testing.T) {
	tl := newTestTimeline()
	tl.RegisterOptimistic("tok-h", "hello", nil)
	tl.ApplyMessage(MessageEvent{ID: "5", SenderID: "me", CorrelationToken: "tok-h", CreatedAt: serverTime})

	tl.LoadHistory([]HistoryRecord{
		{ID: "5", SenderID: "me", Content: "hello", CreatedAt: histTime,
			Statuses: []RecipientStatus{{UserID: "them", Status: "read"}}},
	})

	require.Equal(t, 1, tl.Len())
	msg, ok := tl.Get("5")
	require.True(t, ok)
	require.Equal(t, StateRead, msg.State)
}

func TestUnmatchedTokenWithoutIDDropped(t *testing.T) {
	tl := newTestTimeline()

	tl.ApplyMessage(MessageEvent{CorrelationToken: "never-registered", Content: "orphan"})

	require.Zero(t, tl.Len())
	_, ok := tl.Get("")
	require.False(t, ok)
}

func TestForeignMessageAppendsAsSent(t *testing.T) {
	tl := newTestTimeline()
	tl.ApplyMessage(MessageEvent{ID: "4", SenderID: "them", Content: "yo", CreatedAt: serverTime})

	msg, ok := tl.Get("4")
	require.True(t, ok)
	require.False(t, msg.Mine)
	require.Equal(t, StateSent, msg.State)
}

func TestMalformedEventsDropped(t *testing.T) {
	tl := newTestTimeline()
	tl.LoadHistory(ownHistory("1"))

	tl.ApplyMessage(MessageEvent{}) // neither id nor token
	tl.ApplyDelivery(DeliveryStatusEvent{})
	tl.ApplyDelivery(DeliveryStatusEvent{MessageID: "no-such-id"})
	tl.ApplyRead("no-such-id")

	require.Equal(t, 1, tl.Len())
	msg, _ := tl.Get("1")
	require.Equal(t, StateSent, msg.State)
}

func TestNumericIDNormalization(t *testing.T) {
	require.True(t, sameID("42", "042"))
	require.True(t, sameID("42", "42"))
	require.False(t, sameID("42", "43"))
	require.False(t, sameID("abc", "abd"))
	require.True(t, sameID("abc", "abc"))
}
