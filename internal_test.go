// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package switchboard

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"

	"github.com/creachadair/switchboard/wire"
)

func testClient() *Client {
	return New(Options{Service: "test", Gateway: "/unused.sock", ReconnectDelay: 10 * time.Millisecond})
}

func TestOptionDefaults(t *testing.T) {
	c := New(Options{Service: "svc", Gateway: "/s.sock"})
	if c.codec != wire.JSON {
		t.Errorf("codec = %v, want JSON", c.codec)
	}
	if c.poolSize != 1 {
		t.Errorf("poolSize = %d, want 1", c.poolSize)
	}
	if c.callTimeout != 30*time.Second {
		t.Errorf("callTimeout = %v, want 30s", c.callTimeout)
	}
	if c.baseDelay != 5*time.Second {
		t.Errorf("baseDelay = %v, want 5s", c.baseDelay)
	}
	if c.maxReconnect != 10 {
		t.Errorf("maxReconnect = %d, want 10", c.maxReconnect)
	}
	if c.maxDepth != 100 {
		t.Errorf("maxDepth = %d, want 100", c.maxDepth)
	}
	if !c.autoReconnect {
		t.Error("autoReconnect = false, want true")
	}
}

func TestHandleAfterConnectPanics(t *testing.T) {
	c := testClient()
	c.μ.Lock()
	c.connected = true
	c.μ.Unlock()
	mtest.MustPanic(t, func() { c.Handle("late", nil) })
}

func TestPendingCompleteOnce(t *testing.T) {
	c := testClient()
	pc := c.addPending("req-1", &wire.Message{Type: wire.Call, ID: "req-1"}, time.Minute)

	// Racing completions deliver exactly one result to the waiter.
	const racers = 8
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.complete("req-1", result{data: "won"}) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("Got %d winning completions, want 1", wins)
	}
	select {
	case res := <-pc.ch:
		if res.data != "won" {
			t.Errorf("Result = %v, want won", res.data)
		}
	default:
		t.Error("No result delivered to the waiter")
	}
}

func TestPendingTimeout(t *testing.T) {
	c := testClient()
	pc := c.addPending("req-2", &wire.Message{Type: wire.Call, ID: "req-2"}, 20*time.Millisecond)

	select {
	case res := <-pc.ch:
		if CodeOf(res.err) != wire.CodeTimeout {
			t.Errorf("Result err = %v, want TIMEOUT", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the pending timer")
	}

	// The entry is gone; a late response finds nothing to complete.
	if c.complete("req-2", result{data: "late"}) {
		t.Error("Late completion succeeded, want lookup miss")
	}
}

func TestFailPending(t *testing.T) {
	c := testClient()
	var pcs []*pendingCall
	for _, id := range []string{"req-a", "req-b", "req-c"} {
		pcs = append(pcs, c.addPending(id, &wire.Message{Type: wire.Call, ID: id}, time.Minute))
	}
	c.failPending(errc(wire.CodeConnectionLost, "boom"))
	for i, pc := range pcs {
		select {
		case res := <-pc.ch:
			if CodeOf(res.err) != wire.CodeConnectionLost {
				t.Errorf("Entry %d: err = %v, want CONNECTION_LOST", i, res.err)
			}
		default:
			t.Errorf("Entry %d: no result delivered", i)
		}
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if len(c.pending) != 0 {
		t.Errorf("Pending map has %d entries, want 0", len(c.pending))
	}
}

func TestSocketHealth(t *testing.T) {
	c := testClient()
	s := c.newSocket(0)

	if conn, _ := s.state(); conn {
		t.Error("New socket reports connected")
	}

	// Errors below the threshold leave health alone; at the threshold the
	// member goes unhealthy even while connected.
	s.μ.Lock()
	s.connected, s.healthy = true, true
	s.μ.Unlock()
	for i := 0; i < unhealthyAfter-1; i++ {
		s.noteError()
	}
	if conn, healthy := s.state(); !conn || !healthy {
		t.Errorf("After %d errors: connected=%v healthy=%v, want true/true", unhealthyAfter-1, conn, healthy)
	}
	s.noteError()
	if conn, healthy := s.state(); !conn || healthy {
		t.Errorf("After %d errors: connected=%v healthy=%v, want true/false", unhealthyAfter, conn, healthy)
	}
}

func TestBackoffSchedule(t *testing.T) {
	c := testClient() // base delay 10ms
	s := c.newSocket(0)

	// The schedule multiplies by 1.5 per failure and is clamped at 30s.
	want := []time.Duration{
		10 * time.Millisecond,
		15 * time.Millisecond,
		22500 * time.Microsecond,
	}
	for i, w := range want {
		if got := s.bo.NextBackOff(); got != w {
			t.Errorf("Backoff %d = %v, want %v", i, got, w)
		}
	}
	for i := 0; i < 64; i++ {
		if got := s.bo.NextBackOff(); got > 30*time.Second {
			t.Fatalf("Backoff %d = %v, want clamp at 30s", i, got)
		}
	}
}

func TestPoolSelection(t *testing.T) {
	c := testClient()
	p := &pool{c: c, stop: make(chan struct{})}
	for i := 0; i < 3; i++ {
		s := c.newSocket(i)
		s.μ.Lock()
		s.connected, s.healthy = true, true
		s.μ.Unlock()
		p.members = append(p.members, s)
	}

	t.Run("RoundRobin", func(t *testing.T) {
		var got []int
		for i := 0; i < 6; i++ {
			s, err := p.get()
			if err != nil {
				t.Fatalf("get: unexpected error: %v", err)
			}
			got = append(got, s.index)
		}
		want := []int{0, 1, 2, 0, 1, 2}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("Selection order %v, want %v", got, want)
			}
		}
	})

	t.Run("SkipsUnhealthy", func(t *testing.T) {
		p.current = 0
		p.members[0].μ.Lock()
		p.members[0].healthy = false
		p.members[0].μ.Unlock()
		s, err := p.get()
		if err != nil {
			t.Fatalf("get: unexpected error: %v", err)
		}
		if s.index == 0 {
			t.Error("get returned the unhealthy member while healthy ones exist")
		}
	})

	t.Run("FallsBackToConnected", func(t *testing.T) {
		for _, s := range p.members {
			s.μ.Lock()
			s.healthy = false
			s.μ.Unlock()
		}
		s, err := p.get()
		if err != nil {
			t.Fatalf("get: unexpected error: %v", err)
		}
		if conn, _ := s.state(); !conn {
			t.Error("get returned a disconnected member")
		}
	})

	t.Run("NoneConnected", func(t *testing.T) {
		for _, s := range p.members {
			s.markDisconnected()
		}
		if _, err := p.get(); CodeOf(err) != wire.CodeNotConnected {
			t.Errorf("get: got %v, want NOT_CONNECTED", err)
		}
	})
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		code wire.Code
		want bool
	}{
		{wire.CodeTimeout, true},
		{wire.CodeConnectionLost, true},
		{wire.CodeNotConnected, true},
		{wire.CodeExecutionFailed, true},
		{wire.CodeMethodNotFound, false},
		{wire.CodeServiceNotFound, false},
		{wire.CodeInvalidMessage, false},
		{wire.CodeInvalidContext, false},
	}
	for _, test := range tests {
		err := errc(test.code, "probe")
		if got := Retryable(err); got != test.want {
			t.Errorf("Retryable(%s) = %v, want %v", test.code, got, test.want)
		}
	}
	if Retryable(errors.New("plain")) {
		t.Error("Retryable(plain error) = true, want false")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(errc(wire.CodeTimeout, "x")); got != wire.CodeTimeout {
		t.Errorf("CodeOf = %q, want TIMEOUT", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", got)
	}
}
