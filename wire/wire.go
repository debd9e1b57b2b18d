// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package wire defines the message model and framing for the switchboard
// protocol.
//
// Every transmission on the wire is a frame: a 4-byte big-endian length
// prefix followed by that many bytes of encoded payload. The payload encoding
// is pluggable via the [Codec] interface; both ends of a connection must use
// the same codec.
package wire

import (
	"fmt"
)

// Type is the tag identifying the variant of a [Message].
type Type string

const (
	// Register is sent by a client to the gateway after connecting, carrying
	// the service name and the methods the service exposes.
	Register Type = "REGISTER"

	// RegisterAck is sent by the gateway to acknowledge a registration.
	RegisterAck Type = "REGISTER_ACK"

	// Call is a request from a caller to a callee.
	Call Type = "CALL"

	// Response is the reply to a Call, correlated by ID.
	Response Type = "RESPONSE"

	// Heartbeat is a one-way liveness signal.
	Heartbeat Type = "HEARTBEAT"

	// Error is an unsolicited error pushed on a connection, for example for a
	// duplicate registration or an unroutable message.
	Error Type = "ERROR"
)

// Status reports the outcome of a call in a Response message.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// A Message is the unit of exchange between services and the gateway. All
// variants share the wire representation; which fields are meaningful depends
// on Type. Decoders ignore fields that the schema does not define; a field
// the schema defines is decoded whatever the Type.
type Message struct {
	Type Type `json:"type" msgpack:"type"`

	// Call and Response.
	ID      string     `json:"id,omitempty" msgpack:"id,omitempty"`
	From    string     `json:"from,omitempty" msgpack:"from,omitempty"`
	To      string     `json:"to,omitempty" msgpack:"to,omitempty"`
	Method  string     `json:"method,omitempty" msgpack:"method,omitempty"`
	Params  any        `json:"params,omitempty" msgpack:"params,omitempty"`
	Status  Status     `json:"status,omitempty" msgpack:"status,omitempty"`
	Data    any        `json:"data,omitempty" msgpack:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty" msgpack:"error,omitempty"`
	Context *Context   `json:"context,omitempty" msgpack:"context,omitempty"`

	// Register.
	Service  string         `json:"serviceName,omitempty" msgpack:"serviceName,omitempty"`
	Methods  []string       `json:"methods,omitempty" msgpack:"methods,omitempty"`
	Version  string         `json:"version,omitempty" msgpack:"version,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`

	// Heartbeat.
	Timestamp int64 `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
}

// PoolIndex reports the integer metadata.poolIndex of a Register message, if
// one is present. A registration carrying a pool index is one member of a
// pooled registration; the index value itself is informational, arrival order
// is authoritative.
func (m *Message) PoolIndex() (int, bool) {
	if m.Metadata == nil {
		return 0, false
	}
	v, ok := m.Metadata["poolIndex"]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int8:
		return int(t), true
	case int16:
		return int(t), true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case uint8:
		return int(t), true
	case uint16:
		return int(t), true
	case uint32:
		return int(t), true
	case uint64:
		return int(t), true
	case float64:
		// JSON decodes all numbers to float64; accept only integral values.
		if t == float64(int64(t)) {
			return int(t), true
		}
	case float32:
		if t == float32(int64(t)) {
			return int(t), true
		}
	}
	return 0, false
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	switch m.Type {
	case Register:
		return fmt.Sprintf("Message(REGISTER, service=%s, methods=%v)", m.Service, m.Methods)
	case Call:
		return fmt.Sprintf("Message(CALL, id=%s, %s->%s, method=%s)", m.ID, m.From, m.To, m.Method)
	case Response:
		return fmt.Sprintf("Message(RESPONSE, id=%s, %s->%s, status=%s)", m.ID, m.From, m.To, m.Status)
	case Heartbeat:
		return fmt.Sprintf("Message(HEARTBEAT, from=%s)", m.From)
	case Error:
		return fmt.Sprintf("Message(ERROR, id=%s, %v)", m.ID, m.Error)
	}
	return fmt.Sprintf("Message(%s)", m.Type)
}

// ErrorInfo is the wire representation of an error carried in a Response or
// Error message.
type ErrorInfo struct {
	Message string `json:"message" msgpack:"message"`
	Code    Code   `json:"code,omitempty" msgpack:"code,omitempty"`
	Stack   string `json:"stack,omitempty" msgpack:"stack,omitempty"`

	// Details carries diagnostic payload, such as the registered services for
	// a SERVICE_NOT_FOUND or the available methods for a METHOD_NOT_FOUND.
	Details map[string]any `json:"details,omitempty" msgpack:"details,omitempty"`
}

func (e *ErrorInfo) String() string {
	if e == nil {
		return "<nil>"
	}
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return e.Message
}

// Code identifies an error kind exchanged on the wire. The set of codes is
// stable; unrecognized codes are carried verbatim.
type Code string

const (
	CodeConnectionFailed      Code = "CONNECTION_FAILED"
	CodeConnectionLost        Code = "CONNECTION_LOST"
	CodeNotConnected          Code = "NOT_CONNECTED"
	CodeServiceNotFound       Code = "SERVICE_NOT_FOUND"
	CodeMethodNotFound        Code = "METHOD_NOT_FOUND"
	CodeExecutionFailed       Code = "EXECUTION_FAILED"
	CodeTimeout               Code = "TIMEOUT"
	CodeDeadlineExceeded      Code = "DEADLINE_EXCEEDED"
	CodeInvalidMessage        Code = "INVALID_MESSAGE"
	CodeSerializationFailed   Code = "SERIALIZATION_FAILED"
	CodeDeserializationFailed Code = "DESERIALIZATION_FAILED"
	CodeInvalidContext        Code = "INVALID_CONTEXT"
	CodeMaxDepthExceeded      Code = "MAX_DEPTH_EXCEEDED"
	CodeInternalError         Code = "INTERNAL_ERROR"
)
