// Package block owns the local block store and the swarm rarity view.
package block

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrIncomplete is returned when reconstruction is attempted before all
	// blocks have arrived.
	ErrIncomplete = errors.New("file is not complete")

	errBadBlockID = errors.New("block id out of range")
)

// Manager holds the blocks this peer possesses plus the last-known inventory
// of every remote peer. All access is serialized by an internal mutex; raw
// references to internal maps never leave the Manager.
type Manager struct {
	m sync.Mutex

	blockSize  int
	blockCount int

	// Blocks we have, keyed by block id. Entries are never deleted; only
	// LoadFromFile replaces the whole store.
	myBlocks map[int][]byte

	// Last-known inventory per remote peer, fed by have messages and
	// tracker snapshots. Used only to compute per-block holder counts.
	peerBlocks map[string]map[int]struct{}
}

// NewManager creates an empty store for a file of blockCount blocks.
// A leecher learns blockCount from the swarm; pass 0 and UpdatePeerBlocks
// grows it as remote inventories arrive.
func NewManager(blockSize, blockCount int) *Manager {
	return &Manager{
		blockSize:  blockSize,
		blockCount: blockCount,
		myBlocks:   make(map[int][]byte),
		peerBlocks: make(map[string]map[int]struct{}),
	}
}

// BlockSize returns the configured block size in bytes.
func (m *Manager) BlockSize() int {
	m.m.Lock()
	defer m.m.Unlock()
	return m.blockSize
}

// BlockCount returns the total number of blocks in the file, or 0 when it is
// not yet known.
func (m *Manager) BlockCount() int {
	m.m.Lock()
	defer m.m.Unlock()
	return m.blockCount
}

// SetBlockCount records the file's block count once it becomes known.
// The count only grows; a value not above the current count is ignored.
func (m *Manager) SetBlockCount(n int) {
	m.m.Lock()
	defer m.m.Unlock()
	if n > m.blockCount {
		m.blockCount = n
	}
}

// LoadFromFile populates the store with every block of the file at path.
// This is the seeder bootstrap; it replaces any previous content.
func (m *Manager) LoadFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open shared file")
	}
	defer f.Close()

	m.m.Lock()
	defer m.m.Unlock()

	m.myBlocks = make(map[int][]byte)
	m.blockCount = 0
	for id := 0; ; id++ {
		buf := make([]byte, m.blockSize)
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			m.myBlocks[id] = buf[:n]
			m.blockCount = id + 1
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read shared file")
		}
	}
}

// AddBlock inserts a downloaded block. Duplicates are ignored; the first
// arrival wins. It reports whether the block was newly added. Payloads for
// ids outside the known block count are rejected, including any payload
// that arrives before the count is known.
func (m *Manager) AddBlock(id int, data []byte) (bool, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if id < 0 || id >= m.blockCount {
		return false, errors.Wrapf(errBadBlockID, "id %d, count %d", id, m.blockCount)
	}
	if len(data) == 0 {
		return false, errors.New("empty block payload")
	}
	if _, ok := m.myBlocks[id]; ok {
		return false, nil
	}
	m.myBlocks[id] = data
	return true, nil
}

// HasBlock reports whether the block is in the local store.
func (m *Manager) HasBlock(id int) bool {
	m.m.Lock()
	defer m.m.Unlock()
	_, ok := m.myBlocks[id]
	return ok
}

// GetBlock returns the block's bytes, or nil when absent.
func (m *Manager) GetBlock(id int) []byte {
	m.m.Lock()
	defer m.m.Unlock()
	return m.myBlocks[id]
}

// IsComplete reports whether every block of the file has arrived.
func (m *Manager) IsComplete() bool {
	m.m.Lock()
	defer m.m.Unlock()
	return m.blockCount > 0 && len(m.myBlocks) == m.blockCount
}

// Progress returns the number of blocks held and the total block count.
func (m *Manager) Progress() (have, total int) {
	m.m.Lock()
	defer m.m.Unlock()
	return len(m.myBlocks), m.blockCount
}

// MyBlocks returns a sorted snapshot of held block ids.
func (m *Manager) MyBlocks() []int {
	m.m.Lock()
	defer m.m.Unlock()
	ids := make([]int, 0, len(m.myBlocks))
	for id := range m.myBlocks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// UpdatePeerBlocks overwrites the recorded inventory of a remote peer.
// The block count grows if the remote advertises ids beyond it; a seeder's
// announcement is how a leecher learns the file's size.
func (m *Manager) UpdatePeerBlocks(peerID string, blocks []int) {
	m.m.Lock()
	defer m.m.Unlock()
	set := make(map[int]struct{}, len(blocks))
	for _, id := range blocks {
		if id < 0 {
			continue
		}
		set[id] = struct{}{}
		if id >= m.blockCount {
			m.blockCount = id + 1
		}
	}
	m.peerBlocks[peerID] = set
}

// RemovePeer drops a dead peer from the rarity view.
func (m *Manager) RemovePeer(peerID string) {
	m.m.Lock()
	defer m.m.Unlock()
	delete(m.peerBlocks, peerID)
}

// GetPeerBlocks returns a snapshot of a remote peer's last-known inventory.
func (m *Manager) GetPeerBlocks(peerID string) map[int]struct{} {
	m.m.Lock()
	defer m.m.Unlock()
	set := make(map[int]struct{}, len(m.peerBlocks[peerID]))
	for id := range m.peerBlocks[peerID] {
		set[id] = struct{}{}
	}
	return set
}

// PeerLacksAny reports whether the remote is missing at least one block we
// hold, i.e. whether it is interested in us.
func (m *Manager) PeerLacksAny(peerID string) bool {
	m.m.Lock()
	defer m.m.Unlock()
	theirs := m.peerBlocks[peerID]
	for id := range m.myBlocks {
		if _, ok := theirs[id]; !ok {
			return true
		}
	}
	return false
}

// RarestMissing returns the ids of blocks we lack, ordered by ascending
// holder count with the id as the deterministic tie-break. It is recomputed
// on every call; rarity shifts as have messages arrive. A block no known
// peer advertises sorts first and simply stays unrequestable until a holder
// appears.
func (m *Manager) RarestMissing() []int {
	m.m.Lock()
	defer m.m.Unlock()

	counts := make(map[int]int)
	for _, set := range m.peerBlocks {
		for id := range set {
			counts[id]++
		}
	}

	missing := make([]int, 0, m.blockCount-len(m.myBlocks))
	for id := 0; id < m.blockCount; id++ {
		if _, ok := m.myBlocks[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		ci, cj := counts[missing[i]], counts[missing[j]]
		if ci != cj {
			return ci < cj
		}
		return missing[i] < missing[j]
	})
	return missing
}

// HoldersOf returns the peers whose last-known inventory contains id.
func (m *Manager) HoldersOf(id int) []string {
	m.m.Lock()
	defer m.m.Unlock()
	var holders []string
	for peerID, set := range m.peerBlocks {
		if _, ok := set[id]; ok {
			holders = append(holders, peerID)
		}
	}
	return holders
}

// WriteFile reconstructs the original file at path, blocks ordered by id.
// The store must be complete.
func (m *Manager) WriteFile(path string) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.blockCount == 0 || len(m.myBlocks) != m.blockCount {
		return ErrIncomplete
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return errors.Wrap(err, "create download dir")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create output file")
	}
	defer f.Close()
	for id := 0; id < m.blockCount; id++ {
		if _, err := f.Write(m.myBlocks[id]); err != nil {
			return errors.Wrapf(err, "write block %d", id)
		}
	}
	return f.Sync()
}
