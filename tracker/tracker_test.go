package tracker

import (
	"net"
	"testing"
	"time"

	"github.com/magnobeto/minibit/internal/protocol"
	"github.com/magnobeto/minibit/internal/trackerclient"
	"github.com/magnobeto/minibit/internal/wire"
	"github.com/stretchr/testify/require"
)

func startTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := New("127.0.0.1:0")
	require.NoError(t, err)
	go tr.Run()
	t.Cleanup(func() { tr.Close() })
	return tr
}

func newClient(t *testing.T, tr *Tracker) *trackerclient.Client {
	t.Helper()
	c := trackerclient.New(tr.Addr().String(), time.Second)
	t.Cleanup(func() { c.Close() })
	return c
}

func addr(port int) protocol.Addr {
	return protocol.Addr{Host: "127.0.0.1", Port: port}
}

func TestRegisterGetPeersRoundTrip(t *testing.T) {
	tr := startTracker(t)
	seeder := newClient(t, tr)
	leecher := newClient(t, tr)

	require.NoError(t, seeder.Register("seeder", "movie.mkv", addr(7001), []int{0, 1, 2}))
	require.NoError(t, leecher.Register("leecher", "movie.mkv", addr(7002), nil))

	peers, err := leecher.GetPeers("leecher", "movie.mkv")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "seeder", peers[0].PeerID)
	require.Equal(t, addr(7001), peers[0].Address)
	require.Equal(t, []int{0, 1, 2}, peers[0].Blocks)
}

func TestGetPeersExcludesRequester(t *testing.T) {
	tr := startTracker(t)
	c := newClient(t, tr)

	require.NoError(t, c.Register("only", "movie.mkv", addr(7001), []int{0}))
	peers, err := c.GetPeers("only", "movie.mkv")
	require.NoError(t, err)
	require.Empty(t, peers)
}

func TestUpdateBlocksLastWriteWins(t *testing.T) {
	tr := startTracker(t)
	c := newClient(t, tr)
	other := newClient(t, tr)

	require.NoError(t, c.Register("p1", "movie.mkv", addr(7001), []int{0}))
	require.NoError(t, other.Register("p2", "movie.mkv", addr(7002), nil))

	require.NoError(t, c.UpdateBlocks("p1", "movie.mkv", []int{0, 1}))
	require.NoError(t, c.UpdateBlocks("p1", "movie.mkv", []int{0, 1}))
	require.NoError(t, c.UpdateBlocks("p1", "movie.mkv", []int{2}))

	peers, err := other.GetPeers("p2", "movie.mkv")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, []int{2}, peers[0].Blocks)
}

func TestUpdateBlocksUnknownPeer(t *testing.T) {
	tr := startTracker(t)
	c := newClient(t, tr)

	err := c.UpdateBlocks("ghost", "movie.mkv", []int{0})
	require.Error(t, err)
	var rej *trackerclient.Rejection
	require.ErrorAs(t, err, &rej)
}

func TestUnknownCommand(t *testing.T) {
	tr := startTracker(t)
	c := newClient(t, tr)
	require.NoError(t, c.Register("p1", "movie.mkv", addr(7001), []int{0}))

	// Speak the raw protocol to send a command the tracker does not serve.
	nc, err := net.Dial("tcp", tr.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	conn := wire.NewConn(nc)
	require.NoError(t, conn.Send(protocol.TrackerRequest{Command: "NUKE"}))
	var resp protocol.TrackerResponse
	require.NoError(t, conn.Recv(&resp))
	require.Equal(t, protocol.StatusError, resp.Status)
	require.Equal(t, protocol.ReasonUnknownCommand, resp.Reason)

	// State is unchanged and valid commands still succeed.
	other := newClient(t, tr)
	require.NoError(t, other.Register("p2", "movie.mkv", addr(7002), nil))
	peers, err := other.GetPeers("p2", "movie.mkv")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "p1", peers[0].PeerID)
}

func TestDisconnectRemovesPeer(t *testing.T) {
	tr := startTracker(t)
	dying := newClient(t, tr)
	watcher := newClient(t, tr)

	require.NoError(t, dying.Register("dying", "movie.mkv", addr(7001), []int{0, 1}))
	require.NoError(t, watcher.Register("watcher", "movie.mkv", addr(7002), nil))

	require.NoError(t, dying.Close())

	require.Eventually(t, func() bool {
		peers, err := watcher.GetPeers("watcher", "movie.mkv")
		return err == nil && len(peers) == 0
	}, 2*time.Second, 10*time.Millisecond, "dead peer still listed")
}

func TestReRegisterMovesPeerBetweenFiles(t *testing.T) {
	tr := startTracker(t)
	mover := newClient(t, tr)
	a := newClient(t, tr)
	b := newClient(t, tr)

	require.NoError(t, a.Register("wa", "a.bin", addr(7001), nil))
	require.NoError(t, b.Register("wb", "b.bin", addr(7002), nil))

	require.NoError(t, mover.Register("mover", "a.bin", addr(7003), []int{0}))
	require.NoError(t, mover.Register("mover", "b.bin", addr(7003), []int{0}))

	peersA, err := a.GetPeers("wa", "a.bin")
	require.NoError(t, err)
	require.Empty(t, peersA, "peer must appear under at most one file")

	peersB, err := b.GetPeers("wb", "b.bin")
	require.NoError(t, err)
	require.Len(t, peersB, 1)
	require.Equal(t, "mover", peersB[0].PeerID)
}

func TestMalformedFrameClosesOnlyThatConnection(t *testing.T) {
	tr := startTracker(t)
	good := newClient(t, tr)
	require.NoError(t, good.Register("good", "movie.mkv", addr(7001), []int{0}))

	nc, err := net.Dial("tcp", tr.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	// Valid frame header, invalid JSON body.
	_, err = nc.Write([]byte{0, 0, 0, 3, 'x', 'y', 'z'})
	require.NoError(t, err)

	// The bad connection gets closed...
	buf := make([]byte, 1)
	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = nc.Read(buf)
	require.Error(t, err)

	// ...while the good one keeps working.
	require.NoError(t, good.UpdateBlocks("good", "movie.mkv", []int{0, 1}))
}
