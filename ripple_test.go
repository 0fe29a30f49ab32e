package ripple

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHistoryFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chats/chat-1/messages", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id":1,"senderId":"me","content":"first","createdAt":"2026-03-01T10:00:00Z"},
			{"id":"2","senderId":7,"content":"second","createdAt":"2026-03-01T10:01:00Z"}
		]`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	records, err := client.History(context.Background(), "chat-1", "tok")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, FlexID("1"), records[0].ID)
	require.Equal(t, FlexID("7"), records[1].SenderID)
	require.Equal(t, "second", records[1].Content)
}

func TestHistoryAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"code":"forbidden","message":"not a member of this chat"}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	_, err := client.History(context.Background(), "chat-1", "tok")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "forbidden", apiErr.Code)
}

func TestHistoryPlainHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	_, err := client.History(context.Background(), "chat-1", "tok")
	require.Error(t, err)
	require.Contains(t, err.Error(), "HTTP 502")
}

func TestWSURL(t *testing.T) {
	cases := []struct {
		name    string
		baseURL string
		chatID  string
		token   string
		want    string
	}{
		{"https to wss", "https://api.ripple.chat", "chat-1", "tok",
			"wss://api.ripple.chat/ws/chats/chat-1?token=tok"},
		{"http to ws", "http://127.0.0.1:8080", "chat-1", "tok",
			"ws://127.0.0.1:8080/ws/chats/chat-1?token=tok"},
		{"no token", "https://api.ripple.chat", "chat-1", "",
			"wss://api.ripple.chat/ws/chats/chat-1"},
		{"escaped ids", "https://api.ripple.chat", "chat/9", "a b",
			"wss://api.ripple.chat/ws/chats/chat%2F9?token=a+b"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := NewClient(WithBaseURL(tc.baseURL))
			require.Equal(t, tc.want, client.wsURL(tc.chatID, tc.token))
		})
	}
}

func TestBaseURLTrailingSlashTrimmed(t *testing.T) {
	client := NewClient(WithBaseURL("https://api.ripple.chat/"))
	require.Equal(t, "wss://api.ripple.chat/ws/chats/c", client.wsURL("c", ""))
}

func TestStaticCredentials(t *testing.T) {
	creds := &StaticCredentials{SessionToken: "tok", CurrentUserID: "me"}
	require.Equal(t, "tok", creds.Token())
	require.Equal(t, "me", creds.UserID())
}
