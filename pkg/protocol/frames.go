// Package protocol defines the wire protocol of the DCM real-time gateway:
// JSON frame types exchanged over a persistent connection, the channel
// taxonomy, and the enumerated event names.
package protocol

import (
	"encoding/json"
	"time"
)

// FrameType discriminates client-to-server frames.
type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePublish     FrameType = "publish"
	FrameAuth        FrameType = "auth"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
	FrameAck         FrameType = "ack"
	FrameConnected   FrameType = "connected"
)

// Frame is the decoded form of a client-to-server message. Fields are a
// union across frame types; Type selects which are meaningful.
type Frame struct {
	Type      FrameType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Token     string          `json:"token,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Connected is sent once on connection open.
type Connected struct {
	Type      FrameType `json:"type"`
	ClientID  string    `json:"client_id"`
	Timestamp int64     `json:"timestamp"`
}

// Ack is the server reply to subscribe, unsubscribe, publish, and auth.
type Ack struct {
	Type      FrameType `json:"type"`
	ID        string    `json:"id,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// Ping is the server heartbeat frame; Pong is the reply in either direction.
type Ping struct {
	Type      FrameType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

// Event is a server-to-client event envelope delivered on a channel.
type Event struct {
	ID        string `json:"id,omitempty"`
	Channel   string `json:"channel"`
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorFrame is sent on protocol or auth failures without closing the
// connection (except explicit auth close codes).
type ErrorFrame struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
}

// Close codes used by the gateway.
const (
	ClosePingTimeout        = 4000
	CloseInvalidToken       = 4001
	CloseTokenRequired      = 4002
	CloseMissingCredentials = 4003
)

// Error codes carried in ErrorFrame.
const (
	CodeParseError    = "PARSE_ERROR"
	CodeInvalidToken  = "4001"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeInvalidFrame  = "INVALID_FRAME"
	CodeUnknownEvent  = "UNKNOWN_EVENT"
	CodeUnknownTarget = "UNKNOWN_CHANNEL"
)

// NowMillis returns the current time in ms since epoch, the timestamp unit
// used on every frame.
func NowMillis() int64 { return time.Now().UnixMilli() }

// NewAck builds an ack frame for the given operation id.
func NewAck(id string, success bool, errMsg string) *Ack {
	return &Ack{Type: FrameAck, ID: id, Success: success, Error: errMsg, Timestamp: NowMillis()}
}

// NewEvent builds an event envelope for a channel.
func NewEvent(channel, event string, data any) *Event {
	return &Event{Channel: channel, Event: event, Data: data, Timestamp: NowMillis()}
}

// NewError builds an error frame.
func NewError(code, msg string) *ErrorFrame {
	return &ErrorFrame{Error: msg, Code: code, Timestamp: NowMillis()}
}
