// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package channel provides framed transports for switchboard messages.
package channel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/creachadair/switchboard/wire"
)

// A Channel is a reliable ordered stream of messages shared by two endpoints.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the message to the receiver.
	Send(*wire.Message) error

	// Recv the next available message from the channel.
	Recv() (*wire.Message, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// Direct constructs a connected pair of in-memory channels that pass messages
// directly without encoding into binary. Messages sent to A are received by B
// and vice versa.
func Direct() (A, B Channel) {
	a2b := make(chan *wire.Message)
	b2a := make(chan *wire.Message)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *wire.Message
	b2a <-chan *wire.Message
}

// Send implements a method of the [Channel] interface.
func (d direct) Send(m *wire.Message) (err error) {
	defer safeClose(&err)
	d.a2b <- m
	return nil
}

// Recv implements a method of the [Channel] interface.
func (d direct) Recv() (*wire.Message, error) {
	m, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return m, nil
}

// Close implements a method of the [Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that reads frames from r and writes frames to wc,
// encoding payloads with the given codec.
func IO(r io.Reader, wc io.WriteCloser, codec wire.Codec) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc, codec: codec}
}

// Conn constructs a channel over a network connection, reading and writing
// frames encoded with the given codec.
func Conn(nc net.Conn, codec wire.Codec) IOChannel { return IO(nc, nc, codec) }

// An IOChannel sends and receives length-prefixed frames on a reader and a
// writer.
type IOChannel struct {
	r     *bufio.Reader
	w     *bufio.Writer
	c     io.Closer
	codec wire.Codec
}

// Send implements a method of the [Channel] interface.
func (c IOChannel) Send(m *wire.Message) error {
	frame, err := wire.Encode(c.codec, m)
	if err != nil {
		return err
	}
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [Channel] interface. A frame whose declared
// length exceeds [wire.MaxPayload], or whose payload fails to decode, is an
// error; the caller is expected to treat the connection as poisoned.
func (c IOChannel) Recv() (*wire.Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > wire.MaxPayload {
		return nil, fmt.Errorf("frame payload too large (%d bytes)", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, fmt.Errorf("short payload: %w", err)
	}
	m := new(wire.Message)
	if err := c.codec.Unmarshal(payload, m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return m, nil
}

// Close implements a method of the [Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }
