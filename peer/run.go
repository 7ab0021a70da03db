package peer

import (
	"net"
	"strconv"
	"time"

	"github.com/magnobeto/minibit/internal/protocol"
	"github.com/magnobeto/minibit/internal/wire"
)

// acceptLoop serves inbound peer connections until the listener is closed.
func (p *Peer) acceptLoop() {
	defer p.wg.Done()
	for {
		nc, err := p.listener.Accept()
		if err != nil {
			if p.isRunning() {
				p.log.Errorln("accept error:", err)
				continue
			}
			return
		}
		p.wg.Add(1)
		go p.handleIncoming(nc)
	}
}

// requestLoop refreshes the peer list, dials new peers and requests missing
// blocks rarest-first. Errors are per-iteration; the loop always continues.
func (p *Peer) requestLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.RequestInterval)
	defer ticker.Stop()
	for {
		p.requestPass()
		select {
		case <-ticker.C:
		case <-p.closeC:
			return
		}
	}
}

func (p *Peer) requestPass() {
	p.refreshPeers()
	p.dialNewPeers()
	p.requestBlocks()

	// The EWMA tick period matches the request cadence.
	p.downloadSpeed.Tick()
	p.uploadSpeed.Tick()

	have, total := p.blocks.Progress()
	if total > 0 {
		p.log.Infof("progress: %d/%d blocks, %d peers connected", have, total, len(p.snapshotConns()))
	}
}

// refreshPeers pulls the swarm membership from the tracker and merges it into
// the known-peer and rarity maps.
func (p *Peer) refreshPeers() {
	infos, err := p.tracker.GetPeers(p.id, p.fileName)
	if err != nil {
		p.log.Warningln("tracker refresh failed:", err)
		return
	}
	p.m.Lock()
	for _, info := range infos {
		p.known[info.PeerID] = info.Address
	}
	p.m.Unlock()
	for _, info := range infos {
		p.blocks.UpdatePeerBlocks(info.PeerID, info.Blocks)
	}
}

// dialNewPeers opens outbound connections to known peers we are not linked
// to. Failures are silent; the next cycle retries.
func (p *Peer) dialNewPeers() {
	p.m.Lock()
	targets := make(map[string]protocol.Addr)
	for id, addr := range p.known {
		if id == p.id {
			continue
		}
		if _, ok := p.conns[id]; ok {
			continue
		}
		if _, ok := p.dialing[id]; ok {
			continue
		}
		p.dialing[id] = struct{}{}
		targets[id] = addr
	}
	p.m.Unlock()

	for id, addr := range targets {
		p.wg.Add(1)
		go p.dialPeer(id, addr)
	}
}

func (p *Peer) dialPeer(id string, addr protocol.Addr) {
	defer p.wg.Done()
	defer func() {
		p.m.Lock()
		delete(p.dialing, id)
		p.m.Unlock()
	}()

	hostPort := net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port))
	wc, remoteID, err := wire.Dial(hostPort, p.id, p.cfg.DialTimeout, p.cfg.HandshakeTimeout)
	if err != nil {
		p.log.Debugf("dial %s failed: %s", hostPort, err)
		return
	}
	p.startConn(remoteID, addr, wc)
}

// requestBlocks walks the rarest-first selection and sends one request_block
// per eligible block, at most one outstanding request per remote per pass.
func (p *Peer) requestBlocks() {
	if p.blocks.IsComplete() {
		return
	}
	selection := p.blocks.RarestMissing()
	if len(selection) == 0 {
		return
	}

	conns := p.snapshotConns()
	inventories := make(map[string]map[int]struct{}, len(conns))
	for _, c := range conns {
		inventories[c.id] = p.blocks.GetPeerBlocks(c.id)
	}

	used := make(map[string]struct{}, len(conns))
	for _, id := range selection {
		for _, c := range conns {
			if _, ok := used[c.id]; ok {
				continue
			}
			if c.isChokedByRemote() {
				continue
			}
			if _, ok := inventories[c.id][id]; !ok {
				continue
			}
			if err := c.wc.Send(protocol.RequestBlock(id)); err != nil {
				c.log.Debugln("request send failed:", err)
				continue
			}
			used[c.id] = struct{}{}
			break
		}
		if len(used) == len(conns) {
			break
		}
	}
}
