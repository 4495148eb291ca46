// Package web serves the wsrelay HTTP surface: the WebSocket endpoint, the
// publish API and the health and stats endpoints.
//
// # WebSocket Protocol
//
// Every frame is a flat JSON object with a "type" field.
//
// Client to server:
//
//	{"type":"auth","token":"..."}            first frame, when no header or query token was sent
//	{"type":"ping"}                          heartbeat, answered with pong
//	{"type":"subscribe","thread_id":"..."}   start receiving a thread's events
//	{"type":"unsubscribe","thread_id":"..."}
//
// Any other type is forwarded unchanged to the inbound handler.
//
// Server to client:
//
//	{"type":"connected","connection_id":"...","user_id":"..."}
//	{"type":"pong"}
//	{"type":"subscribed","thread_id":"..."}
//	{"type":"unsubscribed","thread_id":"..."}
//	{"type":"protocol_error","message":"..."}
//
// plus one frame per event envelope (see events.Envelope).
package web

import (
	"encoding/json"
	"errors"
)

// Client → server message types.
const (
	MsgTypeAuth        = "auth"
	MsgTypePing        = "ping"
	MsgTypeSubscribe   = "subscribe"
	MsgTypeUnsubscribe = "unsubscribe"
)

// Server → client control message types.
const (
	MsgTypeConnected     = "connected"
	MsgTypePong          = "pong"
	MsgTypeSubscribed    = "subscribed"
	MsgTypeUnsubscribed  = "unsubscribed"
	MsgTypeProtocolError = "protocol_error"
)

var errMissingType = errors.New("message has no type")

// ClientMessage is an inbound frame. Fields unused by a type are empty.
type ClientMessage struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Token    string `json:"token,omitempty"`
}

// ParseMessage decodes one inbound frame.
func ParseMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, err
	}
	if msg.Type == "" {
		return ClientMessage{}, errMissingType
	}
	return msg, nil
}

// ConnectedMessage is sent once when a connection becomes active.
type ConnectedMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// ThreadAck acknowledges subscribe and unsubscribe.
type ThreadAck struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
}

// ProtocolError reports a frame the server could not handle.
type ProtocolError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type typeOnly struct {
	Type string `json:"type"`
}

func pongMessage() typeOnly { return typeOnly{Type: MsgTypePong} }

func protocolError(message string) ProtocolError {
	return ProtocolError{Type: MsgTypeProtocolError, Message: message}
}
