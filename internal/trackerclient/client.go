// Package trackerclient speaks the framed tracker protocol on behalf of a peer.
package trackerclient

import (
	"net"
	"sync"
	"time"

	"github.com/magnobeto/minibit/internal/protocol"
	"github.com/magnobeto/minibit/internal/wire"
	"github.com/pkg/errors"
)

// Rejection is returned when the tracker answers status "error". The peer
// logs it and retries on the next cycle.
type Rejection struct {
	Reason string
}

func (e *Rejection) Error() string {
	return "tracker rejected request: " + e.Reason
}

// Client is a tracker connection that redials lazily after transport errors.
// Calls are serialized; the tracker handles one in-flight command per
// connection.
type Client struct {
	addr        string
	dialTimeout time.Duration

	m    sync.Mutex
	conn *wire.Conn
}

// New creates a client for the tracker at addr. No connection is made until
// the first command.
func New(addr string, dialTimeout time.Duration) *Client {
	return &Client{addr: addr, dialTimeout: dialTimeout}
}

// Register announces this peer's membership and inventory under fileName.
func (c *Client) Register(peerID, fileName string, address protocol.Addr, blocks []int) error {
	_, err := c.roundTrip(protocol.TrackerRequest{
		Command:  protocol.CmdRegister,
		PeerID:   peerID,
		FileName: fileName,
		Address:  &address,
		Blocks:   blocks,
	})
	return err
}

// GetPeers fetches the swarm members for fileName, excluding the requester.
func (c *Client) GetPeers(peerID, fileName string) ([]protocol.PeerInfo, error) {
	resp, err := c.roundTrip(protocol.TrackerRequest{
		Command:  protocol.CmdGetPeers,
		PeerID:   peerID,
		FileName: fileName,
	})
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// UpdateBlocks replaces this peer's advertised block set. Last write wins.
func (c *Client) UpdateBlocks(peerID, fileName string, blocks []int) error {
	_, err := c.roundTrip(protocol.TrackerRequest{
		Command:  protocol.CmdUpdateBlocks,
		PeerID:   peerID,
		FileName: fileName,
		Blocks:   blocks,
	})
	return err
}

func (c *Client) roundTrip(req protocol.TrackerRequest) (*protocol.TrackerResponse, error) {
	c.m.Lock()
	defer c.m.Unlock()

	if c.conn == nil {
		nc, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
		if err != nil {
			return nil, errors.Wrapf(wire.ErrDisconnected, "dial tracker %s: %s", c.addr, err)
		}
		c.conn = wire.NewConn(nc)
	}

	var resp protocol.TrackerResponse
	err := c.conn.Send(req)
	if err == nil {
		err = c.conn.Recv(&resp)
	}
	if err != nil {
		// Drop the connection; the next command redials.
		c.conn.Close()
		c.conn = nil
		return nil, err
	}
	if resp.Status != protocol.StatusOK {
		return nil, &Rejection{Reason: resp.Reason}
	}
	return &resp, nil
}

// Close tears down the tracker connection if one is open.
func (c *Client) Close() error {
	c.m.Lock()
	defer c.m.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
