// Package pumpfun implements the pump.fun live chat chatbus.Adapter:
// a single websocket connection to a pump.fun livestream's chat room,
// decoding JSON chat frames into chatmsg.Message. Grounded on
// coordinator/gateway.Persistent's dial/readLoop shape, stripped of the
// request/response bridge this one-directional source never needs.
package pumpfun

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/websocket"

	"github.com/hrygo/crawd/coordinator/chatmsg"
)

// chatFrame is pump.fun's wire shape for one live-chat message.
type chatFrame struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	PhotoURL  string `json:"photoUrl"`
	Moderator bool   `json:"isModerator"`
}

// Adapter connects to one pump.fun livestream's chat room.
type Adapter struct {
	url    string
	origin string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// New creates an Adapter for the given livestream's chat websocket URL.
func New(url, origin string) *Adapter {
	return &Adapter{url: url, origin: origin}
}

func (a *Adapter) Platform() chatmsg.Platform { return chatmsg.Pumpfun }

// Connect dials the chat socket and starts the background read loop.
// The loop runs until ctx is cancelled or the socket errors, at which
// point onDisconnect fires exactly once; chatbus owns all reconnect
// scheduling from there.
func (a *Adapter) Connect(ctx context.Context, onMessage func(chatmsg.Message), onDisconnect func(error)) error {
	conn, err := websocket.Dial(a.url, "", a.origin)
	if err != nil {
		return errors.Wrap(err, "pumpfun: dial failed")
	}

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.mu.Unlock()

	go a.readLoop(ctx, conn, onMessage, onDisconnect)
	return nil
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, onMessage func(chatmsg.Message), onDisconnect func(error)) {
	for {
		if ctx.Err() != nil {
			return
		}
		var raw json.RawMessage
		if err := websocket.JSON.Receive(conn, &raw); err != nil {
			a.mu.Lock()
			a.connected = false
			a.conn = nil
			a.mu.Unlock()
			onDisconnect(errors.Wrap(err, "pumpfun: connection lost"))
			return
		}

		var frame chatFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if frame.Message == "" {
			continue
		}

		onMessage(chatmsg.New(chatmsg.Pumpfun, frame.Username, frame.Message, time.Now(), chatmsg.Metadata{
			AuthorPhotoURL: frame.PhotoURL,
			Moderator:      frame.Moderator,
		}))
	}
}

// Disconnect closes the underlying socket.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	a.connected = false
	return err
}

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}
