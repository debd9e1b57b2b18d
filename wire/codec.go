// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// A Codec translates messages to and from their payload encoding. The codec
// never sees the frame length prefix; framing is handled by [Encode] and
// [SplitStream].
//
// Implementations must be safe for concurrent use.
type Codec interface {
	// Name reports a short lower-case name for the codec ("json", "msgpack").
	Name() string

	// Marshal encodes a message into payload bytes.
	Marshal(*Message) ([]byte, error)

	// Unmarshal decodes payload bytes into a message. Fields not known to the
	// schema are ignored.
	Unmarshal([]byte, *Message) error
}

// JSON is a Codec that encodes messages as UTF-8 JSON text.
var JSON Codec = jsonCodec{}

// MessagePack is a Codec that encodes messages in MessagePack binary format.
var MessagePack Codec = msgpackCodec{}

// CodecByName returns the codec with the given name, or an error if the name
// is not recognized.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "json":
		return JSON, nil
	case "msgpack", "messagepack":
		return MessagePack, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(m *Message) ([]byte, error) { return json.Marshal(m) }

func (jsonCodec) Unmarshal(data []byte, m *Message) error {
	if len(data) == 0 {
		// A zero-length payload is legal and decodes to the empty message.
		*m = Message{}
		return nil
	}
	return json.Unmarshal(data, m)
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Marshal(m *Message) ([]byte, error) { return msgpack.Marshal(m) }

func (msgpackCodec) Unmarshal(data []byte, m *Message) error {
	if len(data) == 0 {
		*m = Message{}
		return nil
	}
	return msgpack.Unmarshal(data, m)
}
