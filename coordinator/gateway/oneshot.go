package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/net/websocket"
)

// hardCallTimeout is the §6 "hard timeout 120s" for the one-shot
// transport.
const hardCallTimeout = 120 * time.Second

// OneShot is the one-shot transport variant (§6): open a new
// connection per call, authenticate (handling an optional
// connect.challenge event), send the request, collect the final
// payloads, close.
type OneShot struct {
	url      string
	origin   string
	clientID string
	version  string
	token    string
}

// NewOneShot creates a OneShot transport.
func NewOneShot(url, origin, clientID, version, token string) *OneShot {
	return &OneShot{url: url, origin: origin, clientID: clientID, version: version, token: token}
}

// Trigger implements TriggerAgent by opening a fresh connection,
// running the full handshake → request → result round trip, and
// closing it. Hard-bounded at 120s regardless of the caller's ctx.
func (o *OneShot) Trigger(ctx context.Context, message string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, hardCallTimeout)
	defer cancel()

	type dialResult struct {
		conn *websocket.Conn
		err  error
	}
	dialCh := make(chan dialResult, 1)
	go func() {
		conn, err := websocket.Dial(o.url, "", o.origin)
		dialCh <- dialResult{conn, err}
	}()

	var conn *websocket.Conn
	select {
	case r := <-dialCh:
		if r.err != nil {
			return nil, errors.Wrap(r.err, "gateway: one-shot dial failed")
		}
		conn = r.conn
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer conn.Close()

	token := o.token
	// Handle the optional connect.challenge event: the gateway may send
	// it before authentication completes, in which case the handshake
	// carries the challenge echoed back as part of the auth token.
	if challenge, ok := peekChallenge(conn); ok {
		token = challenge.Challenge + ":" + o.token
	}

	if err := websocket.JSON.Send(conn, NewHandshake(o.clientID, o.version, token)); err != nil {
		return nil, errors.Wrap(err, "gateway: handshake send failed")
	}

	id := uuid.NewString()
	req := RequestFrame{
		Type:   "req",
		ID:     id,
		Method: "agent",
		Params: RequestParams{Message: message, IdempotencyKey: id, SessionKey: o.clientID},
	}
	if err := websocket.JSON.Send(conn, req); err != nil {
		return nil, errors.Wrap(err, "gateway: send request failed")
	}

	resultCh := make(chan ResponseFrame, 1)
	errCh := make(chan error, 1)
	go o.collectResult(conn, id, resultCh, errCh)

	select {
	case resp := <-resultCh:
		if resp.Error != "" {
			return nil, fmt.Errorf("gateway: agent turn failed: %s", resp.Error)
		}
		return payloadsToStrings(resp.Result), nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// collectResult reads frames until it sees the final response for id,
// skipping intermediate "accepted" frames and any inbound events (the
// one-shot transport does not serve the invoke bridge).
func (o *OneShot) collectResult(conn *websocket.Conn, id string, resultCh chan<- ResponseFrame, errCh chan<- error) {
	for {
		var raw json.RawMessage
		if err := websocket.JSON.Receive(conn, &raw); err != nil {
			errCh <- errors.Wrap(err, "gateway: one-shot receive failed")
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if env.Type != "res" {
			continue
		}
		var resp ResponseFrame
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		if resp.ID != id || resp.IsAccepted() {
			continue
		}
		resultCh <- resp
		return
	}
}

// peekChallenge tries to read a connect.challenge event with a short
// grace window. Returns ok=false if nothing challenge-shaped arrives
// immediately, in which case the caller proceeds straight to handshake.
func peekChallenge(conn *websocket.Conn) (ChallengeEvent, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})

	var raw json.RawMessage
	if err := websocket.JSON.Receive(conn, &raw); err != nil {
		return ChallengeEvent{}, false
	}
	var evt ChallengeEvent
	if err := json.Unmarshal(raw, &evt); err != nil || evt.Type != "connect.challenge" {
		return ChallengeEvent{}, false
	}
	return evt, true
}
