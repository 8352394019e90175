package overlay

import (
	"encoding/json"
	"log/slog"

	"golang.org/x/net/websocket"
)

// inbound is the wire shape a subscriber sends back to the server: an
// ack or a mock-chat fixture, addressed by channel the same way
// outbound frames are.
type inbound struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Handler returns a websocket.Handler that bridges one overlay
// connection to the Bus: every Bus.Emit reaches this connection, and
// every frame this connection sends is routed through
// Bus.HandleInbound. This is the "overlay accept loop" task named in
// spec.md §5.
func (b *Bus) Handler(log *slog.Logger) websocket.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(ws *websocket.Conn) {
		sub := b.Subscribe(64)
		defer b.Unsubscribe(sub)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var in inbound
				if err := websocket.JSON.Receive(ws, &in); err != nil {
					return
				}
				b.HandleInbound(in.Channel, in.Data)
			}
		}()

		for {
			select {
			case frame, ok := <-sub:
				if !ok {
					return
				}
				if err := websocket.JSON.Send(ws, frame); err != nil {
					log.Debug("overlay: send failed, dropping subscriber", "error", err)
					return
				}
			case <-done:
				return
			}
		}
	}
}
