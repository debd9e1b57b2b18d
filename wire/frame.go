// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"encoding/binary"
	"fmt"
)

// MaxPayload is the maximum payload size accepted when decoding a frame. A
// frame whose declared length exceeds this limit is treated as malformed and
// poisons its connection.
const MaxPayload = 64 << 20 // 64 MiB

// frameHeaderLen is the size of the length prefix preceding every payload.
const frameHeaderLen = 4

// Encode serializes m with the codec and prepends a 4-byte big-endian length
// covering only the payload.
func Encode(c Codec, m *Message) ([]byte, error) {
	payload, err := c.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	buf := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderLen:], payload)
	return buf, nil
}

// Decode parses a single complete frame, returning the message and the number
// of bytes consumed. It fails if the buffer does not hold the whole frame.
func Decode(c Codec, buf []byte) (*Message, int, error) {
	if len(buf) < frameHeaderLen {
		return nil, 0, fmt.Errorf("short frame header (%d bytes)", len(buf))
	}
	size := int(binary.BigEndian.Uint32(buf))
	if size > MaxPayload {
		return nil, 0, fmt.Errorf("frame payload too large (%d bytes)", size)
	}
	if len(buf) < frameHeaderLen+size {
		return nil, 0, fmt.Errorf("short frame payload (%d of %d bytes)", len(buf)-frameHeaderLen, size)
	}
	m := new(Message)
	if err := c.Unmarshal(buf[frameHeaderLen:frameHeaderLen+size], m); err != nil {
		return nil, 0, fmt.Errorf("decode frame: %w", err)
	}
	return m, frameHeaderLen + size, nil
}

// SplitStream peels as many complete frames as possible off the front of buf,
// returning the decoded messages in arrival order and the unconsumed tail.
//
// If fewer than 4 bytes remain, or fewer than the declared payload length,
// the tail is carried unchanged for the caller to extend with further reads.
// A frame that fails to decode is reported as an error; the messages decoded
// before it are still returned, and rest begins at the offending frame. The
// stream is never advanced past a frame that fails to decode.
func SplitStream(c Codec, buf []byte) (msgs []*Message, rest []byte, err error) {
	rest = buf
	for {
		if len(rest) < frameHeaderLen {
			return msgs, rest, nil
		}
		size := int(binary.BigEndian.Uint32(rest))
		if size > MaxPayload {
			return msgs, rest, fmt.Errorf("frame payload too large (%d bytes)", size)
		}
		if len(rest) < frameHeaderLen+size {
			return msgs, rest, nil
		}
		m := new(Message)
		if err := c.Unmarshal(rest[frameHeaderLen:frameHeaderLen+size], m); err != nil {
			return msgs, rest, fmt.Errorf("decode frame: %w", err)
		}
		msgs = append(msgs, m)
		rest = rest[frameHeaderLen+size:]
	}
}
