// Package twitter implements a chatbus.Adapter that polls mentions or
// replies to a given tweet/space as a pseudo chat feed, for operators
// running a crawd agent off a Twitter Spaces or reply-thread takeover.
// Shares youtube's poll-and-rate-limit shape since Twitter's API is
// likewise poll-based rather than a push socket.
package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/hrygo/crawd/coordinator/chatmsg"
)

const apiBase = "https://api.twitter.com/2"

// minPollInterval respects Twitter's v2 mentions-timeline rate limit
// (roughly 1 request per 12s per user on the basic tier); the adapter
// never polls faster than this regardless of caller configuration.
const minPollInterval = 12 * time.Second

// Adapter polls recent search for tweets in conversationID, treating
// each reply as a chat message.
type Adapter struct {
	conversationID string
	bearerToken    string
	client         *http.Client

	mu        sync.Mutex
	connected bool
	stop      context.CancelFunc
}

func New(conversationID, bearerToken string) *Adapter {
	return &Adapter{conversationID: conversationID, bearerToken: bearerToken, client: &http.Client{Timeout: 15 * time.Second}}
}

func (a *Adapter) Platform() chatmsg.Platform { return chatmsg.Twitter }

type tweetsResponse struct {
	Data []struct {
		ID         string `json:"id"`
		Text       string `json:"text"`
		AuthorID   string `json:"author_id"`
		CreatedAt  string `json:"created_at"`
	} `json:"data"`
	Includes struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"users"`
	} `json:"includes"`
	Meta struct {
		NewestID string `json:"newest_id"`
	} `json:"meta"`
}

func (a *Adapter) Connect(ctx context.Context, onMessage func(chatmsg.Message), onDisconnect func(error)) error {
	pollCtx, cancel := context.WithCancel(ctx)

	resp, err := a.poll(pollCtx, "")
	if err != nil {
		cancel()
		return errors.Wrap(err, "twitter: initial poll failed")
	}

	a.mu.Lock()
	a.connected = true
	a.stop = cancel
	a.mu.Unlock()

	go a.pollLoop(pollCtx, resp, onMessage, onDisconnect)
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context, first *tweetsResponse, onMessage func(chatmsg.Message), onDisconnect func(error)) {
	limiter := rate.NewLimiter(rate.Every(minPollInterval), 1)
	sinceID := emit(first, onMessage)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(minPollInterval):
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		resp, err := a.poll(ctx, sinceID)
		if err != nil {
			a.mu.Lock()
			a.connected = false
			a.mu.Unlock()
			onDisconnect(errors.Wrap(err, "twitter: poll failed"))
			return
		}
		if id := emit(resp, onMessage); id != "" {
			sinceID = id
		}
	}
}

func emit(resp *tweetsResponse, onMessage func(chatmsg.Message)) string {
	usernames := make(map[string]string, len(resp.Includes.Users))
	for _, u := range resp.Includes.Users {
		usernames[u.ID] = u.Username
	}
	for _, tw := range resp.Data {
		if tw.Text == "" {
			continue
		}
		arrived, err := time.Parse(time.RFC3339, tw.CreatedAt)
		if err != nil {
			arrived = time.Now()
		}
		username := usernames[tw.AuthorID]
		if username == "" {
			username = tw.AuthorID
		}
		onMessage(chatmsg.New(chatmsg.Twitter, username, tw.Text, arrived, chatmsg.Metadata{}))
	}
	return resp.Meta.NewestID
}

func (a *Adapter) poll(ctx context.Context, sinceID string) (*tweetsResponse, error) {
	url := fmt.Sprintf("%s/tweets/search/recent?query=conversation_id:%s&expansions=author_id&tweet.fields=created_at", apiBase, a.conversationID)
	if sinceID != "" {
		url += "&since_id=" + sinceID
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.bearerToken)

	res, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("twitter: unexpected status %d", res.StatusCode)
	}

	var out tweetsResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "twitter: decode response")
	}
	return &out, nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop != nil {
		a.stop()
		a.stop = nil
	}
	a.connected = false
	return nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}
