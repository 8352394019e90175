package gateway

import "encoding/json"

// Wire frame shapes for the bespoke agent-gateway protocol (§6). Both
// transports share these; only their connection lifecycle differs.

// ProtocolVersion is negotiated on every handshake. The coordinator
// only ever speaks version 3.
type ProtocolVersion struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

const supportedProtocolVersion = 3

// ClientInfo identifies this coordinator instance to the gateway.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"` // always "node"
	Mode     string `json:"mode"`     // always "backend"
}

// AuthInfo carries the optional bearer token for the gateway.
type AuthInfo struct {
	Token string `json:"token,omitempty"`
}

// HandshakeFrame is sent immediately after the socket opens.
type HandshakeFrame struct {
	ProtocolVersion ProtocolVersion `json:"protocolVersion"`
	Client          ClientInfo      `json:"client"`
	Commands        []string        `json:"commands"`
	Auth            AuthInfo        `json:"auth"`
}

// NewHandshake builds the standard handshake frame for a given client
// id/version and optional auth token.
func NewHandshake(clientID, version, token string) HandshakeFrame {
	return HandshakeFrame{
		ProtocolVersion: ProtocolVersion{Min: supportedProtocolVersion, Max: supportedProtocolVersion},
		Client:          ClientInfo{ID: clientID, Version: version, Platform: "node", Mode: "backend"},
		Commands:        []string{"talk"},
		Auth:            AuthInfo{Token: token},
	}
}

// RequestParams is the body of an "agent" method request.
type RequestParams struct {
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
	SessionKey     string `json:"sessionKey"`
}

// RequestFrame is a client→gateway RPC request.
type RequestFrame struct {
	Type   string        `json:"type"` // "req"
	ID     string        `json:"id"`
	Method string        `json:"method"` // "agent"
	Params RequestParams `json:"params"`
}

// ResponsePayload is the payload of a response frame. Status is set to
// "accepted" on the intermediate "still running" frame and omitted on
// the final frame, which instead carries Result.
type ResponsePayload struct {
	Status string `json:"status,omitempty"`
}

// ResultPayload is one item of the final response's result.payloads.
type ResultPayload struct {
	Text string `json:"text"`
}

// Result is the final payload set of a completed agent turn.
type Result struct {
	Payloads []ResultPayload `json:"payloads"`
}

// ResponseFrame is a gateway→client RPC response. Either Payload
// (intermediate) or Result (final) is populated, never both.
type ResponseFrame struct {
	Type    string           `json:"type"` // "res"
	ID      string           `json:"id"`
	Payload *ResponsePayload `json:"payload,omitempty"`
	Result  *Result          `json:"result,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// IsAccepted reports whether this is the intermediate "still running"
// frame.
func (r ResponseFrame) IsAccepted() bool {
	return r.Payload != nil && r.Payload.Status == "accepted"
}

// IsFinal reports whether this frame carries the completed result.
func (r ResponseFrame) IsFinal() bool {
	return r.Result != nil || r.Error != ""
}

// ChallengeEvent is the optional one-shot-only event sent by the
// gateway before authentication completes.
type ChallengeEvent struct {
	Type      string `json:"type"` // "connect.challenge"
	Challenge string `json:"challenge"`
}

// InvokeRequestEvent is an inbound event dispatched by the gateway for
// the "talk" command (persistent transport only).
type InvokeRequestEvent struct {
	Type      string          `json:"type"` // "node.invoke.request"
	ID        string          `json:"id"`
	NodeID    string          `json:"nodeId"`
	Command   string          `json:"command"`
	ParamsRaw json.RawMessage `json:"paramsJSON"`
	TimeoutMs int64           `json:"timeoutMs"`
}

// InvokeResultEvent is the reply to an InvokeRequestEvent.
type InvokeResultEvent struct {
	Type    string `json:"type"` // "node.invoke.result"
	ID      string `json:"id"`
	NodeID  string `json:"nodeId"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// envelope is used to peek at an inbound frame's discriminator field
// before unmarshaling it fully, since the socket multiplexes response
// frames and inbound events onto the same stream.
type envelope struct {
	Type string `json:"type"`
}
