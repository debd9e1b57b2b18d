// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package wire_test

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/creachadair/switchboard/wire"
)

// testMessages is a sampler of messages in codec-normal form: params and
// data values are the shapes a JSON decode produces, so an encode/decode
// round trip is the identity.
func testMessages() []*wire.Message {
	return []*wire.Message{
		{Type: wire.Register, Service: "alpha", Methods: []string{"echo", "sum"}, Version: "1.2.0"},
		{Type: wire.RegisterAck},
		{
			Type: wire.Call, ID: "req-1700000000000-abc123", From: "alpha", To: "beta",
			Method: "echo", Params: map[string]any{"v": float64(42)},
			Context: &wire.Context{Root: "root-1700000000000-zzz999", Chain: []string{"alpha", "beta"}, Depth: 2, Deadline: 1700000030000},
		},
		{
			Type: wire.Response, ID: "req-1700000000000-abc123", From: "beta", To: "alpha",
			Status: wire.StatusSuccess, Data: map[string]any{"v": float64(42)},
			Context: &wire.Context{Root: "root-1700000000000-zzz999", Chain: []string{"alpha", "beta"}, Depth: 2, Deadline: 1700000030000},
		},
		{
			Type: wire.Response, ID: "req-2", From: "beta", To: "alpha", Status: wire.StatusError,
			Error:   &wire.ErrorInfo{Message: "no such method", Code: wire.CodeMethodNotFound},
			Context: &wire.Context{Root: "root-x", Chain: []string{"alpha", "beta"}, Depth: 2, Deadline: 1700000030000},
		},
		{Type: wire.Heartbeat, From: "alpha", Timestamp: 1700000000000},
		{Type: wire.Error, Error: &wire.ErrorInfo{Message: "Service already registered", Code: wire.CodeConnectionFailed}},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	opts := cmpopts.EquateEmpty()
	for _, codec := range []wire.Codec{wire.JSON, wire.MessagePack} {
		t.Run(codec.Name(), func(t *testing.T) {
			for _, m := range testMessages() {
				frame, err := wire.Encode(codec, m)
				if err != nil {
					t.Fatalf("Encode %v: unexpected error: %v", m, err)
				}
				if size := binary.BigEndian.Uint32(frame); int(size) != len(frame)-4 {
					t.Errorf("Frame length prefix = %d, want %d", size, len(frame)-4)
				}
				got, n, err := wire.Decode(codec, frame)
				if err != nil {
					t.Fatalf("Decode: unexpected error: %v", err)
				}
				if n != len(frame) {
					t.Errorf("Decode consumed %d bytes, want %d", n, len(frame))
				}
				if codec == wire.JSON {
					if diff := cmp.Diff(m, got, opts); diff != "" {
						t.Errorf("Round trip (-want, +got):\n%s", diff)
					}
				} else if got.Type != m.Type || got.ID != m.ID || got.From != m.From || got.To != m.To {
					t.Errorf("Round trip: got %v, want %v", got, m)
				}
			}
		})
	}
}

func TestSplitStream(t *testing.T) {
	msgs := testMessages()

	// Concatenate all the frames into a single buffer.
	var stream []byte
	var sizes []int
	for _, m := range msgs {
		frame, err := wire.Encode(wire.JSON, m)
		if err != nil {
			t.Fatalf("Encode: unexpected error: %v", err)
		}
		stream = append(stream, frame...)
		sizes = append(sizes, len(frame))
	}

	t.Run("Whole", func(t *testing.T) {
		got, rest, err := wire.SplitStream(wire.JSON, stream)
		if err != nil {
			t.Fatalf("SplitStream: unexpected error: %v", err)
		}
		if len(rest) != 0 {
			t.Errorf("SplitStream left %d trailing bytes, want 0", len(rest))
		}
		if diff := cmp.Diff(msgs, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("Messages (-want, +got):\n%s", diff)
		}
	})

	t.Run("EveryPrefix", func(t *testing.T) {
		// Any prefix yields a prefix of the messages, and feeding the carried
		// tail plus the truncated remainder completes the sequence.
		for cut := 0; cut <= len(stream); cut++ {
			got, rest, err := wire.SplitStream(wire.JSON, stream[:cut])
			if err != nil {
				t.Fatalf("SplitStream(prefix %d): unexpected error: %v", cut, err)
			}

			// Whole frames before the cut must all be delivered.
			want, total := 0, 0
			for _, size := range sizes {
				if total+size > cut {
					break
				}
				want++
				total += size
			}
			if len(got) != want {
				t.Fatalf("SplitStream(prefix %d): got %d messages, want %d", cut, len(got), want)
			}

			tail := append(append([]byte{}, rest...), stream[cut:]...)
			more, rest2, err := wire.SplitStream(wire.JSON, tail)
			if err != nil {
				t.Fatalf("SplitStream(tail %d): unexpected error: %v", cut, err)
			}
			if len(rest2) != 0 {
				t.Errorf("SplitStream(tail %d): %d trailing bytes, want 0", cut, len(rest2))
			}
			if len(got)+len(more) != len(msgs) {
				t.Errorf("Prefix %d: got %d+%d messages, want %d", cut, len(got), len(more), len(msgs))
			}
		}
	})

	t.Run("ExtraBytes", func(t *testing.T) {
		// A frame of declared length N never consumes more than 4+N bytes.
		frame, err := wire.Encode(wire.JSON, msgs[0])
		if err != nil {
			t.Fatalf("Encode: unexpected error: %v", err)
		}
		extra := append(append([]byte{}, frame...), 0xde, 0xad)
		got, rest, err := wire.SplitStream(wire.JSON, extra)
		if err != nil {
			t.Fatalf("SplitStream: unexpected error: %v", err)
		}
		if len(got) != 1 {
			t.Errorf("SplitStream: got %d messages, want 1", len(got))
		}
		if diff := cmp.Diff([]byte{0xde, 0xad}, rest); diff != "" {
			t.Errorf("Rest (-want, +got):\n%s", diff)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		got, rest, err := wire.SplitStream(wire.JSON, nil)
		if err != nil || len(got) != 0 || len(rest) != 0 {
			t.Errorf("SplitStream(nil): got %v, %v, %v; want none", got, rest, err)
		}
	})
}

func TestSplitStreamMalformed(t *testing.T) {
	good, err := wire.Encode(wire.JSON, &wire.Message{Type: wire.RegisterAck})
	if err != nil {
		t.Fatalf("Encode: unexpected error: %v", err)
	}

	// A syntactically invalid payload after one good frame: the good frame is
	// delivered, the stream does not advance past the bad one.
	bad := []byte{0, 0, 0, 3, '{', '{', '{'}
	stream := append(append([]byte{}, good...), bad...)

	msgs, rest, err := wire.SplitStream(wire.JSON, stream)
	if err == nil {
		t.Fatal("SplitStream: got nil error, want decode failure")
	}
	if len(msgs) != 1 {
		t.Errorf("SplitStream: got %d messages, want 1", len(msgs))
	}
	if diff := cmp.Diff(bad, rest); diff != "" {
		t.Errorf("Rest (-want, +got):\n%s", diff)
	}
}

func TestSplitStreamOversize(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], wire.MaxPayload+1)
	if _, _, err := wire.SplitStream(wire.JSON, hdr[:]); err == nil {
		t.Error("SplitStream: got nil error, want payload-too-large failure")
	}
}

func TestZeroLengthPayload(t *testing.T) {
	// A zero-length payload is a legal frame and decodes to the codec's
	// empty value.
	stream := []byte{0, 0, 0, 0}
	for _, codec := range []wire.Codec{wire.JSON, wire.MessagePack} {
		t.Run(codec.Name(), func(t *testing.T) {
			msgs, rest, err := wire.SplitStream(codec, stream)
			if err != nil {
				t.Fatalf("SplitStream: unexpected error: %v", err)
			}
			if len(rest) != 0 {
				t.Errorf("SplitStream left %d trailing bytes, want 0", len(rest))
			}
			if len(msgs) != 1 {
				t.Fatalf("SplitStream: got %d messages, want 1", len(msgs))
			}
			if diff := cmp.Diff(&wire.Message{}, msgs[0]); diff != "" {
				t.Errorf("Empty message (-want, +got):\n%s", diff)
			}
		})
	}
}
