package youtube

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/crawd/coordinator/chatmsg"
)

// redirectTransport rewrites every request to hit the test server,
// regardless of the hardcoded apiBase host, so poll()/pollLoop() can be
// exercised without a real network call.
type redirectTransport struct {
	host string
}

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = rt.host
	return http.DefaultTransport.RoundTrip(req)
}

func newTestAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	a := New("chat123", "key456")
	a.client = &http.Client{Timeout: 2 * time.Second, Transport: redirectTransport{host: srv.URL[len("http://"):]}}
	return a
}

func TestEmit_SkipsBlankDisplayMessages(t *testing.T) {
	var got []chatmsg.Message
	item := liveChatMessage{}
	item.Snippet.DisplayMessage = ""
	emit(&listResponse{Items: []liveChatMessage{item}}, func(m chatmsg.Message) { got = append(got, m) })
	assert.Empty(t, got)
}

func TestEmit_MapsAuthorAndSuperchatMetadata(t *testing.T) {
	item := liveChatMessage{}
	item.AuthorDetails.DisplayName = "streamerFan"
	item.AuthorDetails.IsChatModerator = true
	item.Snippet.DisplayMessage = "pog"
	item.Snippet.PublishedAt = "2026-01-01T00:00:00Z"
	item.Snippet.SuperChatDetails = &struct {
		AmountDisplayString string `json:"amountDisplayString"`
	}{AmountDisplayString: "$5.00"}

	var got chatmsg.Message
	emit(&listResponse{Items: []liveChatMessage{item}}, func(m chatmsg.Message) { got = m })

	assert.Equal(t, "streamerFan", got.Username)
	assert.Equal(t, "pog", got.Body)
	assert.True(t, got.Meta.Moderator)
	assert.Equal(t, "$5.00", got.Meta.SuperchatAmount)
}

func TestEmit_FallsBackToNowOnUnparseableTimestamp(t *testing.T) {
	item := liveChatMessage{}
	item.Snippet.DisplayMessage = "hi"
	item.Snippet.PublishedAt = "not-a-timestamp"

	var got chatmsg.Message
	emit(&listResponse{Items: []liveChatMessage{item}}, func(m chatmsg.Message) { got = m })
	assert.NotZero(t, got.ArrivedAt)
}

func TestConnect_PollsInitialPageAndDelivers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		item := liveChatMessage{}
		item.Snippet.DisplayMessage = "hello from yt"
		item.AuthorDetails.DisplayName = "viewer1"
		_ = json.NewEncoder(w).Encode(listResponse{
			Items:                 []liveChatMessage{item},
			PollingIntervalMillis: 60_000,
		})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	received := make(chan chatmsg.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := a.Connect(ctx, func(m chatmsg.Message) { received <- m }, func(error) {})
	require.NoError(t, err)
	assert.True(t, a.IsConnected())

	select {
	case m := <-received:
		assert.Equal(t, "viewer1", m.Username)
		assert.Equal(t, "hello from yt", m.Body)
	case <-time.After(time.Second):
		t.Fatal("onMessage was never called")
	}
}

func TestConnect_InitialPollFailureReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	err := a.Connect(context.Background(), func(chatmsg.Message) {}, func(error) {})
	require.Error(t, err)
	assert.False(t, a.IsConnected())
}

func TestDisconnect_CancelsPollLoopAndClearsConnectedFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(listResponse{PollingIntervalMillis: 60_000})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	require.NoError(t, a.Connect(context.Background(), func(chatmsg.Message) {}, func(error) {}))
	require.True(t, a.IsConnected())

	require.NoError(t, a.Disconnect(context.Background()))
	assert.False(t, a.IsConnected())
}

func TestPlatform_ReportsYouTube(t *testing.T) {
	a := New("chat", "key")
	assert.Equal(t, chatmsg.YouTube, a.Platform())
}
