package protocol

import "encoding/json"

// Frame type tags (§4.9): every line on the gateway's persistent socket is
// one JSON object carrying one of these in its "type" field.
const (
	FrameHello       = "hello"
	FrameHelloOK     = "hello-ok"
	FramePairRequest = "pair-request"
	FramePairOK      = "pair-ok"
	FrameRequest     = "request"
	FrameResponse    = "response"
	FrameEvent       = "event"
	FramePing        = "ping"
	FramePong        = "pong"
)

// Envelope is the outer shape every frame shares: decode this first to
// learn Type, then decode the rest of the line into the matching concrete
// frame struct.
type Envelope struct {
	Type string `json:"type"`
}

// HelloFrame is sent client → server immediately after connecting.
type HelloFrame struct {
	Type        string `json:"type"` // FrameHello
	NodeID      string `json:"nodeId"`
	Token       string `json:"token,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Version     string `json:"version,omitempty"`
}

// HelloOKFrame is the server's accept response to a verified hello.
type HelloOKFrame struct {
	Type       string `json:"type"` // FrameHelloOK
	ServerName string `json:"serverName"`
}

// PairRequestFrame is sent by a client with no valid token, asking an
// operator to approve it out-of-band.
type PairRequestFrame struct {
	Type        string `json:"type"` // FramePairRequest
	NodeName    string `json:"nodeName"`
	Platform    string `json:"platform,omitempty"`
	Version     string `json:"version,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// PairOKFrame carries the freshly minted token once an operator approves.
type PairOKFrame struct {
	Type   string `json:"type"` // FramePairOK
	Token  string `json:"token"`
	NodeID string `json:"nodeId"`
}

// RequestFrame is a client → server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"` // FrameRequest
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// WireError is the {code, message} shape serialized onto response.error —
// never a raw Go error string, per the error-handling design.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseFrame is the server's reply to one RequestFrame, correlated by ID.
type ResponseFrame struct {
	Type    string          `json:"type"` // FrameResponse
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// EventFrame is a server → client unsolicited push (heartbeat, agent.*,
// channel.activity, session.patched, …), optionally correlated to a
// long-running request's ID so streamed intermediate events can be matched
// to the call that triggered them.
type EventFrame struct {
	Type    string      `json:"type"` // FrameEvent
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	ID      string      `json:"id,omitempty"`
}

// NewEvent builds an EventFrame ready to marshal and send.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameEvent, Event: event, Payload: payload}
}

// PingPongFrame is the keepalive frame (ping or pong) either side may send.
type PingPongFrame struct {
	Type string `json:"type"` // FramePing or FramePong
	ID   string `json:"id,omitempty"`
}

// OK builds a successful ResponseFrame, marshaling payload.
func OK(id string, payload interface{}) (*ResponseFrame, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: true, Payload: raw}, nil
}

// Err builds a failed ResponseFrame carrying a wire-safe error.
func Err(id string, code, message string) *ResponseFrame {
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: false, Error: &WireError{Code: code, Message: message}}
}
