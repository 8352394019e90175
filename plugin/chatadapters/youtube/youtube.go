// Package youtube implements the YouTube Live Chat chatbus.Adapter by
// polling the liveChatMessages.list endpoint. Unlike the websocket
// sources (pumpfun, twitch), YouTube's API is poll-based, so this
// adapter paces itself with golang.org/x/time/rate instead of running
// a blocking read loop, while still reporting disconnects through the
// same onDisconnect hook chatbus expects.
package youtube

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

const apiBase = "https://www.googleapis.com/youtube/v3/liveChat/messages"

// minPollInterval is the floor on how often the adapter is allowed to
// hit the API, independent of the server-reported pollingIntervalMillis,
// so a misbehaving response never drives the limiter into a tight loop.
const minPollInterval = 2 * time.Second

type listResponse struct {
	Items                 []liveChatMessage `json:"items"`
	NextPageToken         string            `json:"nextPageToken"`
	PollingIntervalMillis int               `json:"pollingIntervalMillis"`
}

type liveChatMessage struct {
	AuthorDetails struct {
		DisplayName     string `json:"displayName"`
		ProfileImageURL string `json:"profileImageUrl"`
		IsChatModerator bool   `json:"isChatModerator"`
		IsChatSponsor   bool   `json:"isChatSponsor"`
	} `json:"authorDetails"`
	Snippet struct {
		DisplayMessage  string `json:"displayMessage"`
		PublishedAt     string `json:"publishedAt"`
		SuperChatDetails *struct {
			AmountDisplayString string `json:"amountDisplayString"`
		} `json:"superChatDetails"`
	} `json:"snippet"`
}

// Adapter polls a single YouTube live chat for new messages.
type Adapter struct {
	liveChatID string
	apiKey     string
	client     *http.Client

	mu        sync.Mutex
	connected bool
	stop      context.CancelFunc
}

// New creates an Adapter for the given live chat id, authenticated with
// an API key (a server-side YouTube Data API v3 key).
func New(liveChatID, apiKey string) *Adapter {
	return &Adapter{liveChatID: liveChatID, apiKey: apiKey, client: &http.Client{Timeout: 15 * time.Second}}
}

func (a *Adapter) Platform() chatmsg.Platform { return chatmsg.YouTube }

func (a *Adapter) Connect(ctx context.Context, onMessage func(chatmsg.Message), onDisconnect func(error)) error {
	pollCtx, cancel := context.WithCancel(ctx)

	pageToken := ""
	resp, err := a.poll(pollCtx, pageToken)
	if err != nil {
		cancel()
		return errors.Wrap(err, "youtube: initial poll failed")
	}

	a.mu.Lock()
	a.connected = true
	a.stop = cancel
	a.mu.Unlock()

	go a.pollLoop(pollCtx, resp, onMessage, onDisconnect)
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context, first *listResponse, onMessage func(chatmsg.Message), onDisconnect func(error)) {
	limiter := rate.NewLimiter(rate.Every(minPollInterval), 1)
	resp := first
	emit(resp, onMessage)
	pageToken := resp.NextPageToken

	for {
		wait := time.Duration(resp.PollingIntervalMillis) * time.Millisecond
		if wait < minPollInterval {
			wait = minPollInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		next, err := a.poll(ctx, pageToken)
		if err != nil {
			a.mu.Lock()
			a.connected = false
			a.mu.Unlock()
			onDisconnect(errors.Wrap(err, "youtube: poll failed"))
			return
		}
		resp = next
		pageToken = resp.NextPageToken
		emit(resp, onMessage)
	}
}

func emit(resp *listResponse, onMessage func(chatmsg.Message)) {
	for _, item := range resp.Items {
		if item.Snippet.DisplayMessage == "" {
			continue
		}
		arrived, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt)
		if err != nil {
			arrived = time.Now()
		}
		meta := chatmsg.Metadata{
			AuthorPhotoURL: item.AuthorDetails.ProfileImageURL,
			Moderator:      item.AuthorDetails.IsChatModerator,
			Member:         item.AuthorDetails.IsChatSponsor,
		}
		if item.Snippet.SuperChatDetails != nil {
			meta.SuperchatAmount = item.Snippet.SuperChatDetails.AmountDisplayString
		}
		onMessage(chatmsg.New(chatmsg.YouTube, item.AuthorDetails.DisplayName, item.Snippet.DisplayMessage, arrived, meta))
	}
}

func (a *Adapter) poll(ctx context.Context, pageToken string) (*listResponse, error) {
	url := fmt.Sprintf("%s?liveChatId=%s&part=snippet,authorDetails&key=%s", apiBase, a.liveChatID, a.apiKey)
	if pageToken != "" {
		url += "&pageToken=" + pageToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("youtube: unexpected status %d", res.StatusCode)
	}

	var out listResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "youtube: decode response")
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
