// Package twitch implements the Twitch chatbus.Adapter over Twitch's
// IRC-over-websocket chat interface. Grounded on the same
// dial/readLoop shape as plugin/chatadapters/pumpfun (itself grounded
// on coordinator/gateway.Persistent), adapted for IRC line framing
// instead of JSON frames.
package twitch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/websocket"

	"github.com/hrygo/crawd/coordinator/chatmsg"
)

const ircEndpoint = "wss://irc-ws.chat.twitch.tv:443"

// Adapter connects to one Twitch channel's IRC chat over websocket.
type Adapter struct {
	channel string
	nick    string
	oauth   string // "oauth:<token>", anonymous justinfan nick works without one

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// New creates an Adapter for the given channel. nick/oauth may be empty
// to join read-only as an anonymous "justinfan" viewer.
func New(channel, nick, oauth string) *Adapter {
	if nick == "" {
		nick = "justinfan12345"
	}
	return &Adapter{channel: strings.ToLower(channel), nick: nick, oauth: oauth}
}

func (a *Adapter) Platform() chatmsg.Platform { return chatmsg.Twitch }

func (a *Adapter) Connect(ctx context.Context, onMessage func(chatmsg.Message), onDisconnect func(error)) error {
	conn, err := websocket.Dial(ircEndpoint, "", "https://chat.twitch.tv")
	if err != nil {
		return errors.Wrap(err, "twitch: dial failed")
	}

	pass := a.oauth
	if pass == "" {
		pass = "SCHMOOPIIE"
	}
	for _, line := range []string{
		"PASS " + pass,
		"NICK " + a.nick,
		"JOIN #" + a.channel,
	} {
		if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
			conn.Close()
			return errors.Wrap(err, "twitch: registration failed")
		}
	}

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.mu.Unlock()

	go a.readLoop(ctx, conn, onMessage, onDisconnect)
	return nil
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, onMessage func(chatmsg.Message), onDisconnect func(error)) {
	buf := make([]byte, 4096)
	var pending strings.Builder

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			a.mu.Lock()
			a.connected = false
			a.conn = nil
			a.mu.Unlock()
			onDisconnect(errors.Wrap(err, "twitch: connection lost"))
			return
		}
		pending.Write(buf[:n])

		for {
			chunk := pending.String()
			idx := strings.Index(chunk, "\r\n")
			if idx < 0 {
				break
			}
			line := chunk[:idx]
			pending.Reset()
			pending.WriteString(chunk[idx+2:])

			if strings.HasPrefix(line, "PING") {
				conn.Write([]byte("PONG :tmi.twitch.tv\r\n"))
				continue
			}
			if m, ok := parsePrivmsg(line); ok {
				onMessage(chatmsg.New(chatmsg.Twitch, m.username, m.body, time.Now(), chatmsg.Metadata{
					Moderator: m.moderator,
				}))
			}
		}
	}
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	a.conn.Write([]byte(fmt.Sprintf("PART #%s\r\n", a.channel)))
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

type privmsg struct {
	username  string
	body      string
	moderator bool
}

// parsePrivmsg extracts username/body/mod-badge from a raw Twitch IRC
// PRIVMSG line of the form:
// @badges=moderator/1;display-name=Foo :foo!foo@foo.tmi.twitch.tv PRIVMSG #chan :hello
func parsePrivmsg(line string) (privmsg, bool) {
	if !strings.Contains(line, "PRIVMSG") {
		return privmsg{}, false
	}

	var tags string
	rest := line
	if strings.HasPrefix(line, "@") {
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			return privmsg{}, false
		}
		tags = parts[0]
		rest = parts[1]
	}

	bangIdx := strings.Index(rest, "!")
	if !strings.HasPrefix(rest, ":") || bangIdx < 0 {
		return privmsg{}, false
	}
	username := rest[1:bangIdx]

	sep := strings.Index(rest, " PRIVMSG ")
	if sep < 0 {
		return privmsg{}, false
	}
	afterCmd := rest[sep+len(" PRIVMSG "):]
	colonIdx := strings.Index(afterCmd, " :")
	if colonIdx < 0 {
		return privmsg{}, false
	}
	body := afterCmd[colonIdx+2:]

	return privmsg{
		username:  username,
		body:      body,
		moderator: strings.Contains(tags, "moderator/1") || strings.Contains(tags, "badges=broadcaster"),
	}, true
}
