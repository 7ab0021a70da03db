package peer

import (
	"net"
	"sync"

	"github.com/magnobeto/minibit/internal/logger"
	"github.com/magnobeto/minibit/internal/protocol"
	"github.com/magnobeto/minibit/internal/wire"
)

// conn is the per-link record for one established peer connection.
type conn struct {
	id   string
	addr protocol.Addr
	wc   *wire.Conn
	log  logger.Logger

	m              sync.Mutex
	chokedByRemote bool
	unchokedByUs   bool
}

func (c *conn) setChokedByRemote(v bool) {
	c.m.Lock()
	c.chokedByRemote = v
	c.m.Unlock()
}

func (c *conn) isChokedByRemote() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.chokedByRemote
}

func (c *conn) setUnchokedByUs(v bool) {
	c.m.Lock()
	c.unchokedByUs = v
	c.m.Unlock()
}

// handleIncoming completes the responder side of the handshake and promotes
// the socket to a tracked connection.
func (p *Peer) handleIncoming(nc net.Conn) {
	defer p.wg.Done()
	wc, remoteID, err := wire.Accept(nc, p.id, p.cfg.HandshakeTimeout)
	if err != nil {
		p.log.Debugln("incoming handshake failed:", err)
		nc.Close()
		return
	}
	p.startConn(remoteID, protocol.Addr{}, wc)
}

// startConn registers the link and runs its message loop. Duplicate ids and
// post-shutdown arrivals are dropped.
func (p *Peer) startConn(remoteID string, addr protocol.Addr, wc *wire.Conn) {
	c := &conn{
		id:             remoteID,
		addr:           addr,
		wc:             wc,
		log:            logger.New("peer " + shortID(p.id) + " <-> " + shortID(remoteID)),
		chokedByRemote: true,
	}

	p.m.Lock()
	if !p.running {
		p.m.Unlock()
		wc.Close()
		return
	}
	if _, ok := p.conns[remoteID]; ok {
		p.m.Unlock()
		c.log.Debugln("duplicate connection, dropping")
		wc.Close()
		return
	}
	p.conns[remoteID] = c
	p.m.Unlock()

	// Advertise our inventory right after the handshake so the remote can
	// compute interest and rarity immediately.
	if err := wc.Send(protocol.Have(p.blocks.MyBlocks())); err != nil {
		c.log.Debugln("initial have failed:", err)
		p.dropConn(c)
		return
	}

	c.log.Debugln("connection established")
	p.wg.Add(1)
	go p.messageLoop(c)
}

// dropConn removes a dead link from the connection map and the rarity view.
// The tracker may reintroduce the peer on a later GET_PEERS.
func (p *Peer) dropConn(c *conn) {
	c.wc.Close()
	p.m.Lock()
	if cur, ok := p.conns[c.id]; ok && cur == c {
		delete(p.conns, c.id)
	}
	p.m.Unlock()
	p.blocks.RemovePeer(c.id)
}

// snapshotConns returns the current connections without holding the map lock
// during any send.
func (p *Peer) snapshotConns() []*conn {
	p.m.Lock()
	defer p.m.Unlock()
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	return conns
}

func (p *Peer) getConn(id string) *conn {
	p.m.Lock()
	defer p.m.Unlock()
	return p.conns[id]
}

// broadcastHave announces our inventory on every established link. Sends
// happen outside the connection-map lock.
func (p *Peer) broadcastHave() {
	msg := protocol.Have(p.blocks.MyBlocks())
	for _, c := range p.snapshotConns() {
		if err := c.wc.Send(msg); err != nil {
			c.log.Debugln("have broadcast failed:", err)
		}
	}
}

// messageLoop reads frames until the link dies and dispatches by type.
func (p *Peer) messageLoop(c *conn) {
	defer p.wg.Done()
	defer p.dropConn(c)
	for {
		var msg protocol.Message
		if err := c.wc.Recv(&msg); err != nil {
			if p.isRunning() {
				c.log.Debugln("connection closed:", err)
			}
			return
		}
		p.handleMessage(c, &msg)
	}
}

func (p *Peer) handleMessage(c *conn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeHave:
		p.blocks.UpdatePeerBlocks(c.id, msg.Blocks)

	case protocol.TypeRequestBlock:
		p.serveBlock(c, msg.BlockID)

	case protocol.TypeBlockData:
		p.receiveBlock(c, msg.BlockID, msg.Data)

	case protocol.TypeChoke:
		c.setChokedByRemote(true)

	case protocol.TypeUnchoke:
		c.setChokedByRemote(false)

	case protocol.TypeHandshake:
		c.log.Debugln("ignoring repeated handshake")

	default:
		c.log.Warningf("ignoring unknown message type %q", msg.Type)
	}
}

// serveBlock answers a request_block if the remote currently holds an upload
// grant and we have the block. Anything else is dropped silently; the remote
// retries on a later cycle.
func (p *Peer) serveBlock(c *conn, id int) {
	if !p.unchoker.IsUnchoked(c.id) {
		c.log.Debugf("dropping request for block %d: peer is choked", id)
		return
	}
	data := p.blocks.GetBlock(id)
	if data == nil {
		c.log.Debugf("dropping request for block %d: not held", id)
		return
	}
	if err := c.wc.Send(protocol.BlockData(id, data)); err != nil {
		c.log.Debugln("block send failed:", err)
		return
	}
	p.uploadSpeed.Update(int64(len(data)))
}

// receiveBlock stores a block_data payload. A newly stored block is announced
// to every link and to the tracker after AddBlock returns, so a remote that
// learns we have it may validly request it.
func (p *Peer) receiveBlock(c *conn, id int, data []byte) {
	added, err := p.blocks.AddBlock(id, data)
	if err != nil {
		c.log.Warningf("rejected block %d: %s", id, err)
		return
	}
	if !added {
		return
	}
	p.downloadSpeed.Update(int64(len(data)))

	p.broadcastHave()
	if err := p.tracker.UpdateBlocks(p.id, p.fileName, p.blocks.MyBlocks()); err != nil {
		p.log.Warningln("tracker update failed:", err)
	}

	if p.blocks.IsComplete() {
		p.completeOnce.Do(p.finishDownload)
	}
}

func (p *Peer) finishDownload() {
	out := p.DownloadPath()
	if err := p.blocks.WriteFile(out); err != nil {
		p.log.Errorln("cannot write completed file:", err)
		return
	}
	p.log.Infof("download completed, wrote %q", out)
}
