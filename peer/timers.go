package peer

import (
	"time"

	"github.com/magnobeto/minibit/internal/protocol"
)

// unchokeLoop periodically recomputes which remotes may pull from us.
func (p *Peer) unchokeLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.UnchokeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.tickUnchoke()
		case <-p.closeC:
			return
		}
	}
}

// tickUnchoke rotates the upload grants among currently interested remotes.
// A remote is interested when it lacks at least one block we hold. The
// connection map is snapshotted first, then each remote's interest is checked
// against the block manager; the two locks are never held together, so the
// interest set is not one atomic snapshot of both.
func (p *Peer) tickUnchoke() {
	var interested []string
	for _, c := range p.snapshotConns() {
		if p.blocks.PeerLacksAny(c.id) {
			interested = append(interested, c.id)
		}
	}

	toChoke, toUnchoke := p.unchoker.Evaluate(interested)
	for _, id := range toChoke {
		if c := p.getConn(id); c != nil {
			c.setUnchokedByUs(false)
			if err := c.wc.Send(protocol.Message{Type: protocol.TypeChoke}); err != nil {
				c.log.Debugln("choke send failed:", err)
			}
		}
	}
	for _, id := range toUnchoke {
		if c := p.getConn(id); c != nil {
			c.setUnchokedByUs(true)
			if err := c.wc.Send(protocol.Message{Type: protocol.TypeUnchoke}); err != nil {
				c.log.Debugln("unchoke send failed:", err)
			}
		}
	}
	if len(toChoke) > 0 || len(toUnchoke) > 0 {
		p.log.Debugf("unchoke cycle: %d granted, %d revoked", len(toUnchoke), len(toChoke))
	}
}
