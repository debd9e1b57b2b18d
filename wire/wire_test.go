// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package wire_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/creachadair/switchboard/wire"
)

func TestPoolIndex(t *testing.T) {
	tests := []struct {
		name string
		md   map[string]any
		want int
		ok   bool
	}{
		{"NoMetadata", nil, 0, false},
		{"NoKey", map[string]any{"zone": "a"}, 0, false},
		{"Int", map[string]any{"poolIndex": 2}, 2, true},
		{"Int64", map[string]any{"poolIndex": int64(3)}, 3, true},
		{"Uint64", map[string]any{"poolIndex": uint64(1)}, 1, true},
		{"JSONFloat", map[string]any{"poolIndex": float64(4)}, 4, true},
		{"FractionalFloat", map[string]any{"poolIndex": 1.5}, 0, false},
		{"String", map[string]any{"poolIndex": "0"}, 0, false},
		{"Bool", map[string]any{"poolIndex": true}, 0, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := &wire.Message{Type: wire.Register, Service: "s", Metadata: test.md}
			got, ok := m.PoolIndex()
			if got != test.want || ok != test.ok {
				t.Errorf("PoolIndex: got %d, %v; want %d, %v", got, ok, test.want, test.ok)
			}
		})
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	// Decoders ignore fields the schema does not define.
	payload := []byte(`{"type":"CALL","id":"req-1","from":"a","to":"b","method":"m","novelty":true,"extra":{"x":1}}`)
	var m wire.Message
	if err := wire.JSON.Unmarshal(payload, &m); err != nil {
		t.Fatalf("Unmarshal: unexpected error: %v", err)
	}
	want := wire.Message{Type: wire.Call, ID: "req-1", From: "a", To: "b", Method: "m"}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("Message (-want, +got):\n%s", diff)
	}
}

func TestCodecByName(t *testing.T) {
	for name, want := range map[string]wire.Codec{
		"json":    wire.JSON,
		"msgpack": wire.MessagePack,
	} {
		got, err := wire.CodecByName(name)
		if err != nil || got != want {
			t.Errorf("CodecByName(%q): got %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := wire.CodecByName("carrier-pigeon"); err == nil {
		t.Error("CodecByName(carrier-pigeon): got nil error, want failure")
	}
}

func TestMessagePackContextRoundTrip(t *testing.T) {
	// Typed fields survive the binary codec exactly; dynamic payload values
	// are exercised separately since integer widths normalize in transit.
	m := &wire.Message{
		Type: wire.Call, ID: "req-1", From: "a", To: "b", Method: "echo",
		Params:  map[string]any{"name": "zaphod"},
		Context: &wire.Context{Root: "root-9", Chain: []string{"a", "b"}, Depth: 2, Deadline: 1700000000000},
	}
	data, err := wire.MessagePack.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: unexpected error: %v", err)
	}
	var got wire.Message
	if err := wire.MessagePack.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: unexpected error: %v", err)
	}
	if diff := cmp.Diff(m.Context, got.Context); diff != "" {
		t.Errorf("Context (-want, +got):\n%s", diff)
	}
	if got.Type != m.Type || got.ID != m.ID || got.Method != m.Method {
		t.Errorf("Header: got %v, want %v", &got, m)
	}
}
