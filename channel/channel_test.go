// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"net"
	"testing"

	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/creachadair/switchboard/channel"
	"github.com/creachadair/switchboard/wire"
)

func TestDirect(t *testing.T) {
	a, b := channel.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		return a.Send(&wire.Message{Type: wire.Heartbeat, From: "a", Timestamp: 1})
	})
	got, err := b.Recv()
	g.Wait()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	if got.Type != wire.Heartbeat || got.From != "a" {
		t.Errorf("Recv: got %v, want heartbeat from a", got)
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if _, err := b.Recv(); err != net.ErrClosed {
		t.Errorf("Recv after close: got %v, want %v", err, net.ErrClosed)
	}
	if err := a.Send(&wire.Message{Type: wire.Heartbeat}); err != net.ErrClosed {
		t.Errorf("Send after close: got %v, want %v", err, net.ErrClosed)
	}
}

func TestIO(t *testing.T) {
	for _, codec := range []wire.Codec{wire.JSON, wire.MessagePack} {
		t.Run(codec.Name(), func(t *testing.T) {
			left, right := net.Pipe()
			a := channel.IO(left, left, codec)
			b := channel.IO(right, right, codec)
			defer a.Close()
			defer b.Close()

			want := &wire.Message{
				Type: wire.Call, ID: "req-1", From: "x", To: "y", Method: "echo",
				Context: &wire.Context{Root: "root-1", Chain: []string{"x", "y"}, Depth: 2, Deadline: 1700000000000},
			}

			g := taskgroup.New(nil)
			g.Go(func() error { return a.Send(want) })
			got, err := b.Recv()
			g.Wait()
			if err != nil {
				t.Fatalf("Recv: unexpected error: %v", err)
			}
			if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(wire.Message{}, "Params")); diff != "" {
				t.Errorf("Message (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestIOCloseUnblocksRecv(t *testing.T) {
	left, right := net.Pipe()
	a := channel.IO(left, left, wire.JSON)
	b := channel.IO(right, right, wire.JSON)

	g := taskgroup.New(nil)
	g.Go(func() error {
		if _, err := b.Recv(); err == nil {
			t.Error("Recv: got nil error after close")
		}
		return nil
	})
	a.Close()
	g.Wait()
	b.Close()
}
