// Package wire defines the JSON frames exchanged with the execution
// peer over the bridge websocket. This is the one bit-exact contract
// the gateway shares with the browser-side bridge script.
package wire

import "encoding/json"

// Streaming modes carried on a RelayFrame.
const (
	StreamingModeReal = "real"
	StreamingModeFake = "fake"
)

// RelayFrame asks the peer to execute one attempt of an inbound
// request. A single request may produce several RelayFrames across
// retries, all sharing the same RequestID.
type RelayFrame struct {
	RequestID     string            `json:"request_id"`
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	Headers       map[string]string `json:"headers"`
	QueryParams   map[string]string `json:"query_params"`
	Body          string            `json:"body"`
	StreamingMode string            `json:"streaming_mode"`
}

// Event types emitted by the peer.
const (
	EventResponseHeaders = "response_headers"
	EventChunk           = "chunk"
	EventError           = "error"
	EventStreamClose     = "stream_close"

	// EventStreamEnd is the internal sentinel the frame router
	// substitutes for stream_close before enqueuing.
	EventStreamEnd = "STREAM_END"
)

// Event is one inbound frame from the peer, routed to the mailbox
// matching its RequestID.
type Event struct {
	RequestID string            `json:"request_id"`
	EventType string            `json:"event_type"`
	Status    int               `json:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Data      string            `json:"data,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Control frame types sent to the peer outside of request relaying.
const (
	ControlActivate = "activate"
)

// ControlFrame instructs the bridge script itself, e.g. to switch to a
// different account. Distinguished from RelayFrames by the presence of
// the control field.
type ControlFrame struct {
	Control      string          `json:"control"`
	AccountIndex int             `json:"account_index,omitempty"`
	Credential   json.RawMessage `json:"credential,omitempty"`
}
