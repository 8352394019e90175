package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/net/websocket"

	"github.com/hrygo/crawd/coordinator/clock"
)

// InvokeHandler answers an inbound node.invoke.request for the "talk"
// command bridged in from the gateway (§6). It returns the payload to
// report back as ok, or an error to report as a failed invocation.
type InvokeHandler func(ctx context.Context, evt InvokeRequestEvent) (payload any, err error)

// Persistent is the persistent-connection transport variant (§6):
// connect once, authenticate, and keep the socket open across many
// Trigger calls, reconnecting with exponential backoff on disconnect.
type Persistent struct {
	url      string
	origin   string
	clientID string
	version  string
	token    string
	clock    clock.Clock
	log      *slog.Logger

	invokeHandler InvokeHandler

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan ResponseFrame
	backoff time.Duration
}

// NewPersistent creates a Persistent transport. Connect must be called
// before the first Trigger.
func NewPersistent(url, origin, clientID, version, token string, cl clock.Clock, log *slog.Logger) *Persistent {
	if log == nil {
		log = slog.Default()
	}
	return &Persistent{
		url: url, origin: origin, clientID: clientID, version: version, token: token,
		clock: cl, log: log,
		pending: make(map[string]chan ResponseFrame),
		backoff: time.Second,
	}
}

// OnInvoke registers the handler used to answer inbound
// node.invoke.request events (the tool-invoke bridge mentioned in
// spec.md §9's "Open questions" and §6).
func (p *Persistent) OnInvoke(h InvokeHandler) { p.invokeHandler = h }

// Connect establishes the socket and starts the background read loop,
// which owns reconnection for the lifetime of ctx.
func (p *Persistent) Connect(ctx context.Context) error {
	if err := p.dial(); err != nil {
		return err
	}
	go p.readLoop(ctx)
	return nil
}

func (p *Persistent) dial() error {
	conn, err := websocket.Dial(p.url, "", p.origin)
	if err != nil {
		return errors.Wrap(err, "gateway: dial failed")
	}
	if err := websocket.JSON.Send(conn, NewHandshake(p.clientID, p.version, p.token)); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "gateway: handshake send failed")
	}
	p.mu.Lock()
	p.conn = conn
	p.backoff = time.Second
	p.mu.Unlock()
	return nil
}

func (p *Persistent) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn == nil {
			p.reconnect(ctx)
			continue
		}

		var raw json.RawMessage
		if err := websocket.JSON.Receive(conn, &raw); err != nil {
			p.log.Warn("gateway: persistent connection lost", "error", err)
			p.mu.Lock()
			p.conn = nil
			p.mu.Unlock()
			p.failPending(errors.New("gateway connection lost"))
			p.reconnect(ctx)
			continue
		}
		p.handleFrame(ctx, raw)
	}
}

func (p *Persistent) reconnect(ctx context.Context) {
	wait := p.backoff
	select {
	case <-ctx.Done():
		return
	case <-time.After(wait):
	}
	p.mu.Lock()
	next := p.backoff * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	p.backoff = next
	p.mu.Unlock()
	if err := p.dial(); err != nil {
		p.log.Warn("gateway: reconnect attempt failed", "error", err, "nextBackoff", p.backoff)
	}
}

func (p *Persistent) handleFrame(ctx context.Context, raw json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		p.log.Warn("gateway: malformed frame", "error", err)
		return
	}
	switch env.Type {
	case "res":
		var resp ResponseFrame
		if err := json.Unmarshal(raw, &resp); err != nil {
			p.log.Warn("gateway: malformed response frame", "error", err)
			return
		}
		if resp.IsAccepted() {
			p.log.Debug("gateway: turn accepted, still running", "id", resp.ID)
			return
		}
		p.deliver(resp)
	case "node.invoke.request":
		var evt InvokeRequestEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			p.log.Warn("gateway: malformed invoke request", "error", err)
			return
		}
		go p.answerInvoke(ctx, evt)
	default:
		p.log.Debug("gateway: ignoring unknown frame type", "type", env.Type)
	}
}

func (p *Persistent) answerInvoke(ctx context.Context, evt InvokeRequestEvent) {
	result := InvokeResultEvent{Type: "node.invoke.result", ID: evt.ID, NodeID: evt.NodeID}
	if p.invokeHandler == nil {
		result.OK = false
		result.Error = "no invoke handler registered"
	} else {
		timeout := time.Duration(evt.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		payload, err := p.invokeHandler(callCtx, evt)
		if err != nil {
			result.OK = false
			result.Error = err.Error()
		} else {
			result.OK = true
			result.Payload = payload
		}
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		p.log.Warn("gateway: cannot answer invoke, socket down", "id", evt.ID)
		return
	}
	if err := websocket.JSON.Send(conn, result); err != nil {
		p.log.Warn("gateway: failed to send invoke result", "error", err)
	}
}

func (p *Persistent) deliver(resp ResponseFrame) {
	p.mu.Lock()
	ch, ok := p.pending[resp.ID]
	if ok {
		delete(p.pending, resp.ID)
	}
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (p *Persistent) failPending(err error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]chan ResponseFrame)
	p.mu.Unlock()
	for id, ch := range pending {
		ch <- ResponseFrame{Type: "res", ID: id, Error: err.Error()}
	}
}

// Trigger implements TriggerAgent over the persistent connection.
func (p *Persistent) Trigger(ctx context.Context, message string) ([]string, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil, errors.New("gateway: persistent connection not established")
	}

	id := uuid.NewString()
	ch := make(chan ResponseFrame, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()

	req := RequestFrame{
		Type:   "req",
		ID:     id,
		Method: "agent",
		Params: RequestParams{Message: message, IdempotencyKey: id, SessionKey: p.clientID},
	}
	if err := websocket.JSON.Send(conn, req); err != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, errors.Wrap(err, "gateway: send request failed")
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("gateway: agent turn failed: %s", resp.Error)
		}
		return payloadsToStrings(resp.Result), nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

func payloadsToStrings(r *Result) []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.Payloads))
	for i, p := range r.Payloads {
		out[i] = p.Text
	}
	return out
}
