// Package wire implements the framed JSON transport used between peers and
// with the tracker: a 4-byte big-endian length followed by that many bytes of
// UTF-8 JSON.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// maxFrameSize bounds a single frame. Larger lengths are treated as a
// protocol violation rather than an allocation request.
const maxFrameSize = 16 << 20

var (
	// ErrDisconnected reports that the remote side went away mid-frame.
	ErrDisconnected = errors.New("peer disconnected")

	// ErrMalformed reports an undecodable or oversized frame.
	ErrMalformed = errors.New("malformed frame")
)

// Conn is a framed bidirectional channel to one remote endpoint. Sends are
// serialized internally so concurrent callers never interleave frames.
// Close is idempotent and safe from any goroutine.
type Conn struct {
	nc net.Conn

	sendM sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established network connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Send marshals v and writes it as a single frame. The frame is written
// atomically with respect to other Send calls on the same Conn.
func (c *Conn) Send(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	c.sendM.Lock()
	defer c.sendM.Unlock()
	return WriteFrame(c.nc, body)
}

// Recv blocks until a full frame arrives and unmarshals it into v.
// It fails with ErrDisconnected on socket errors and ErrMalformed on
// undecodable frames.
func (c *Conn) Recv(v interface{}) error {
	body, err := ReadFrame(c.nc)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrapf(ErrMalformed, "unmarshal message: %s", err)
	}
	return nil
}

// Close closes the underlying socket. Subsequent calls return the first
// result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, body []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrapf(ErrDisconnected, "write frame header: %s", err)
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrapf(ErrDisconnected, "write frame body: %s", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errors.Wrapf(ErrDisconnected, "read frame header: %s", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, errors.Wrapf(ErrMalformed, "frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrapf(ErrDisconnected, "read frame body: %s", err)
	}
	return body, nil
}
