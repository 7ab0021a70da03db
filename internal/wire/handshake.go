package wire

import (
	"net"
	"time"

	"github.com/magnobeto/minibit/internal/protocol"
	"github.com/pkg/errors"
)

var errInvalidHandshake = errors.New("invalid handshake")

// Dial connects to addr and performs the opening handshake as initiator.
// The handshake deadline covers both frames; it is cleared before returning
// so that later reads block until the remote disconnects.
func Dial(addr string, ownID string, dialTimeout, handshakeTimeout time.Duration) (*Conn, string, error) {
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, "", errors.Wrapf(ErrDisconnected, "dial %s: %s", addr, err)
	}
	c := NewConn(nc)
	remoteID, err := c.handshake(nc, ownID, handshakeTimeout, true)
	if err != nil {
		c.Close()
		return nil, "", err
	}
	return c, remoteID, nil
}

// Accept performs the opening handshake as responder on an accepted socket.
func Accept(nc net.Conn, ownID string, handshakeTimeout time.Duration) (*Conn, string, error) {
	c := NewConn(nc)
	remoteID, err := c.handshake(nc, ownID, handshakeTimeout, false)
	if err != nil {
		c.Close()
		return nil, "", err
	}
	return c, remoteID, nil
}

func (c *Conn) handshake(nc net.Conn, ownID string, timeout time.Duration, initiator bool) (string, error) {
	if err := nc.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", errors.Wrap(err, "set handshake deadline")
	}
	defer nc.SetDeadline(time.Time{})

	send := func() error {
		return c.Send(protocol.Handshake(ownID))
	}
	recv := func() (string, error) {
		var msg protocol.Message
		if err := c.Recv(&msg); err != nil {
			return "", err
		}
		if msg.Type != protocol.TypeHandshake || msg.PeerID == "" {
			return "", errors.Wrapf(errInvalidHandshake, "got message type %q", msg.Type)
		}
		return msg.PeerID, nil
	}

	var remoteID string
	var err error
	if initiator {
		if err = send(); err != nil {
			return "", err
		}
		remoteID, err = recv()
	} else {
		remoteID, err = recv()
		if err == nil {
			err = send()
		}
	}
	if err != nil {
		return "", err
	}
	if remoteID == ownID {
		return "", errors.Wrap(errInvalidHandshake, "dropped own connection")
	}
	return remoteID, nil
}
