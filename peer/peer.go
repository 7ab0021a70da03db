// Package peer implements the minibit peer engine: the listening endpoint,
// outbound connection management, the periodic request and unchoke loops, and
// per-connection message dispatch.
package peer

import (
	"math/rand"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/magnobeto/minibit"
	"github.com/magnobeto/minibit/internal/block"
	"github.com/magnobeto/minibit/internal/logger"
	"github.com/magnobeto/minibit/internal/protocol"
	"github.com/magnobeto/minibit/internal/trackerclient"
	"github.com/magnobeto/minibit/internal/unchoker"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	uuid "github.com/satori/go.uuid"
)

// Peer is one swarm participant. It serves inbound connections, dials peers
// learned from the tracker, requests missing blocks rarest-first and rotates
// upload grants with a simplified tit-for-tat policy.
type Peer struct {
	cfg      minibit.Config
	id       string
	fileName string

	listener net.Listener
	host     string

	tracker  *trackerclient.Client
	blocks   *block.Manager
	unchoker *unchoker.Unchoker

	m       sync.Mutex
	running bool
	conns   map[string]*conn
	known   map[string]protocol.Addr
	dialing map[string]struct{}

	closeC chan struct{}
	wg     sync.WaitGroup

	completeOnce sync.Once

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA

	log logger.Logger
}

// Stats is a point-in-time view of the peer's progress.
type Stats struct {
	PeerID         string
	FileName       string
	HaveBlocks     int
	TotalBlocks    int
	Complete       bool
	ConnectedPeers int
	// Rates are bytes per second, exponentially weighted.
	DownloadRate float64
	UploadRate   float64
}

// New binds the listening socket and prepares a peer for a single swarm.
// Bind failure is fatal; everything later is retried per cycle.
func New(cfg minibit.Config, trackerAddr string, listenPort int) (*Peer, error) {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(listenPort)))
	if err != nil {
		return nil, errors.Wrapf(err, "bind peer listener on port %d", listenPort)
	}
	id := uuid.NewV4().String()
	p := &Peer{
		cfg:           cfg,
		id:            id,
		listener:      l,
		host:          "127.0.0.1",
		tracker:       trackerclient.New(trackerAddr, cfg.DialTimeout),
		blocks:        block.NewManager(cfg.BlockSize, 0),
		unchoker:      unchoker.New(rand.New(rand.NewSource(time.Now().UnixNano()))),
		conns:         make(map[string]*conn),
		known:         make(map[string]protocol.Addr),
		dialing:       make(map[string]struct{}),
		closeC:        make(chan struct{}),
		downloadSpeed: metrics.NewEWMA1(),
		uploadSpeed:   metrics.NewEWMA1(),
		log:           logger.New("peer " + shortID(id)),
	}
	return p, nil
}

// ID returns the peer's identifier within the swarm.
func (p *Peer) ID() string {
	return p.id
}

// Port returns the bound listen port.
func (p *Peer) Port() int {
	return p.listener.Addr().(*net.TCPAddr).Port
}

// ShareFile seeds the file at path: every block is loaded and registered
// with the tracker, then the engine loops start.
func (p *Peer) ShareFile(path string) error {
	if err := p.blocks.LoadFromFile(path); err != nil {
		return err
	}
	p.fileName = filepath.Base(path)
	have, total := p.blocks.Progress()
	p.log.Infof("sharing %q: %d/%d blocks of %d bytes", p.fileName, have, total, p.cfg.BlockSize)
	if err := p.register(); err != nil {
		return err
	}
	p.start()
	return nil
}

// DownloadFile joins the swarm for name with an empty store and starts
// acquiring blocks.
func (p *Peer) DownloadFile(name string) error {
	p.fileName = name
	p.log.Infof("downloading %q", name)
	if err := p.register(); err != nil {
		return err
	}
	p.start()
	return nil
}

func (p *Peer) register() error {
	addr := protocol.Addr{Host: p.host, Port: p.Port()}
	return p.tracker.Register(p.id, p.fileName, addr, p.blocks.MyBlocks())
}

func (p *Peer) start() {
	p.m.Lock()
	p.running = true
	p.m.Unlock()

	p.wg.Add(3)
	go p.acceptLoop()
	go p.requestLoop()
	go p.unchokeLoop()
}

func (p *Peer) isRunning() bool {
	p.m.Lock()
	defer p.m.Unlock()
	return p.running
}

// Stats returns a snapshot of progress and transfer rates.
func (p *Peer) Stats() Stats {
	have, total := p.blocks.Progress()
	p.m.Lock()
	connected := len(p.conns)
	p.m.Unlock()
	return Stats{
		PeerID:         p.id,
		FileName:       p.fileName,
		HaveBlocks:     have,
		TotalBlocks:    total,
		Complete:       total > 0 && have == total,
		ConnectedPeers: connected,
		DownloadRate:   p.downloadSpeed.Rate(),
		UploadRate:     p.uploadSpeed.Rate(),
	}
}

// IsComplete reports whether every block of the file has been acquired.
func (p *Peer) IsComplete() bool {
	return p.blocks.IsComplete()
}

// DownloadPath returns where the reconstructed file is (or will be) written.
func (p *Peer) DownloadPath() string {
	return filepath.Join(p.cfg.DownloadDir, p.fileName)
}

// Close stops all loops and tears down every connection. Safe to call once
// the peer has started; loops exit at their next suspension point.
func (p *Peer) Close() {
	p.m.Lock()
	if !p.running {
		p.m.Unlock()
		return
	}
	p.running = false
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.m.Unlock()

	close(p.closeC)
	p.listener.Close()
	p.tracker.Close()
	for _, c := range conns {
		c.wc.Close()
	}
	p.wg.Wait()
	p.log.Infoln("peer stopped")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
