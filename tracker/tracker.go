// Package tracker implements the swarm coordinator. It accepts framed TCP
// connections from peers and serves three commands: REGISTER, GET_PEERS and
// UPDATE_BLOCKS. Membership is held in memory only.
package tracker

import (
	"net"
	"sort"
	"sync"

	"github.com/magnobeto/minibit/internal/logger"
	"github.com/magnobeto/minibit/internal/protocol"
	"github.com/magnobeto/minibit/internal/wire"
	"github.com/pkg/errors"
)

type peerEntry struct {
	address protocol.Addr
	blocks  map[int]struct{}
}

// Tracker serves swarm membership for any number of files. All state lives
// behind a single mutex; every mutation is totally ordered.
type Tracker struct {
	listener net.Listener
	log      logger.Logger

	m sync.Mutex
	// file name -> peer id -> entry. A peer id lives under at most one
	// file name at a time.
	files   map[string]map[string]*peerEntry
	running bool

	wg sync.WaitGroup
}

// New binds a listener on addr ("host:port"; port 0 picks a free port).
// Bind failure is fatal to the caller.
func New(addr string) (*Tracker, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind tracker on %s", addr)
	}
	t := &Tracker{
		listener: l,
		log:      logger.New("tracker " + l.Addr().String()),
		files:    make(map[string]map[string]*peerEntry),
		running:  true,
	}
	return t, nil
}

// Addr returns the bound listen address.
func (t *Tracker) Addr() net.Addr {
	return t.listener.Addr()
}

// Run accepts client connections until Close. Each client is served by its
// own goroutine.
func (t *Tracker) Run() {
	t.log.Infoln("tracker started")
	for {
		nc, err := t.listener.Accept()
		if err != nil {
			t.m.Lock()
			running := t.running
			t.m.Unlock()
			if !running {
				break
			}
			t.log.Errorln("accept error:", err)
			continue
		}
		t.wg.Add(1)
		go t.handleClient(nc)
	}
	t.wg.Wait()
	t.log.Infoln("tracker stopped")
}

// Close stops the accept loop by closing the listener. Client connections are
// not closed: each handler exits at its next read error, and Run returns once
// all of them have. Idempotent enough for shutdown paths.
func (t *Tracker) Close() error {
	t.m.Lock()
	if !t.running {
		t.m.Unlock()
		return nil
	}
	t.running = false
	t.m.Unlock()
	return t.listener.Close()
}

// handleClient serves one peer until it disconnects or sends garbage.
// Whatever peer id it registered is removed from every file before the
// handler returns.
func (t *Tracker) handleClient(nc net.Conn) {
	defer t.wg.Done()
	conn := wire.NewConn(nc)
	defer conn.Close()

	log := logger.New("tracker client " + nc.RemoteAddr().String())
	var registeredID string

	for {
		var req protocol.TrackerRequest
		if err := conn.Recv(&req); err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				log.Warningln("malformed request, closing connection:", err)
			} else {
				log.Debugln("client gone:", err)
			}
			if registeredID != "" {
				t.removePeer(registeredID)
				log.Debugf("removed peer %s from all files", registeredID)
			}
			return
		}

		resp := t.handleRequest(&req)
		if resp.Status == protocol.StatusOK && req.PeerID != "" {
			registeredID = req.PeerID
		}
		if err := conn.Send(resp); err != nil {
			log.Debugln("write error:", err)
			if registeredID != "" {
				t.removePeer(registeredID)
			}
			return
		}
	}
}

func (t *Tracker) handleRequest(req *protocol.TrackerRequest) *protocol.TrackerResponse {
	switch req.Command {
	case protocol.CmdRegister:
		return t.register(req)
	case protocol.CmdGetPeers:
		return t.getPeers(req)
	case protocol.CmdUpdateBlocks:
		return t.updateBlocks(req)
	default:
		t.log.Warningf("unknown command %q from peer %s", req.Command, req.PeerID)
		return &protocol.TrackerResponse{
			Status: protocol.StatusError,
			Reason: protocol.ReasonUnknownCommand,
		}
	}
}

func (t *Tracker) register(req *protocol.TrackerRequest) *protocol.TrackerResponse {
	if req.PeerID == "" || req.FileName == "" || req.Address == nil {
		return &protocol.TrackerResponse{Status: protocol.StatusError, Reason: "missing_field"}
	}
	t.m.Lock()
	defer t.m.Unlock()

	// A peer participates in one file at a time.
	for name, peers := range t.files {
		if name != req.FileName {
			delete(peers, req.PeerID)
		}
	}

	peers := t.files[req.FileName]
	if peers == nil {
		peers = make(map[string]*peerEntry)
		t.files[req.FileName] = peers
	}
	peers[req.PeerID] = &peerEntry{
		address: *req.Address,
		blocks:  toSet(req.Blocks),
	}
	t.log.Infof("registered peer %s for %q with %d blocks", req.PeerID, req.FileName, len(req.Blocks))
	return &protocol.TrackerResponse{Status: protocol.StatusOK}
}

func (t *Tracker) getPeers(req *protocol.TrackerRequest) *protocol.TrackerResponse {
	t.m.Lock()
	defer t.m.Unlock()

	infos := make([]protocol.PeerInfo, 0)
	for id, entry := range t.files[req.FileName] {
		if id == req.PeerID {
			continue
		}
		infos = append(infos, protocol.PeerInfo{
			PeerID:  id,
			Address: entry.address,
			Blocks:  toSorted(entry.blocks),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].PeerID < infos[j].PeerID })
	return &protocol.TrackerResponse{Status: protocol.StatusOK, Peers: infos}
}

func (t *Tracker) updateBlocks(req *protocol.TrackerRequest) *protocol.TrackerResponse {
	t.m.Lock()
	defer t.m.Unlock()

	entry, ok := t.files[req.FileName][req.PeerID]
	if !ok {
		return &protocol.TrackerResponse{Status: protocol.StatusError, Reason: "unknown_peer"}
	}
	entry.blocks = toSet(req.Blocks)
	return &protocol.TrackerResponse{Status: protocol.StatusOK}
}

// removePeer drops the peer from every file's member map.
func (t *Tracker) removePeer(peerID string) {
	t.m.Lock()
	defer t.m.Unlock()
	for _, peers := range t.files {
		delete(peers, peerID)
	}
}

func toSet(ids []int) map[int]struct{} {
	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func toSorted(set map[int]struct{}) []int {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
