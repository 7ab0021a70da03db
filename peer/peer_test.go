package peer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/magnobeto/minibit"
	"github.com/magnobeto/minibit/tracker"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) minibit.Config {
	cfg := minibit.DefaultConfig
	cfg.BlockSize = 4
	cfg.DownloadDir = filepath.Join(t.TempDir(), "downloads")
	cfg.RequestInterval = 50 * time.Millisecond
	cfg.UnchokeInterval = 100 * time.Millisecond
	cfg.DialTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	return cfg
}

func startTracker(t *testing.T) *tracker.Tracker {
	t.Helper()
	tr, err := tracker.New("127.0.0.1:0")
	require.NoError(t, err)
	go tr.Run()
	t.Cleanup(func() { tr.Close() })
	return tr
}

func writeSharedFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func TestSeederLeecherEndToEnd(t *testing.T) {
	tr := startTracker(t)
	content := []byte("hello swarm") // 11 bytes -> blocks of 4, 4, 3

	seederCfg := testConfig(t)
	seeder, err := New(seederCfg, tr.Addr().String(), 0)
	require.NoError(t, err)
	require.NoError(t, seeder.ShareFile(writeSharedFile(t, "greeting.txt", content)))
	t.Cleanup(seeder.Close)

	leecherCfg := testConfig(t)
	leecher, err := New(leecherCfg, tr.Addr().String(), 0)
	require.NoError(t, err)
	require.NoError(t, leecher.DownloadFile("greeting.txt"))
	t.Cleanup(leecher.Close)

	require.Eventually(t, leecher.IsComplete, 15*time.Second, 20*time.Millisecond,
		"leecher never completed")

	got, err := os.ReadFile(leecher.DownloadPath())
	require.NoError(t, err)
	require.Equal(t, content, got)

	stats := leecher.Stats()
	require.True(t, stats.Complete)
	require.Equal(t, 3, stats.TotalBlocks)
	require.Equal(t, 3, stats.HaveBlocks)
}

func TestTwoLeechersOneSeeder(t *testing.T) {
	tr := startTracker(t)
	content := bytes.Repeat([]byte("wxyz"), 4) // 16 bytes -> 4 blocks

	seeder, err := New(testConfig(t), tr.Addr().String(), 0)
	require.NoError(t, err)
	require.NoError(t, seeder.ShareFile(writeSharedFile(t, "payload.bin", content)))
	t.Cleanup(seeder.Close)

	var leechers []*Peer
	for i := 0; i < 2; i++ {
		l, err := New(testConfig(t), tr.Addr().String(), 0)
		require.NoError(t, err)
		require.NoError(t, l.DownloadFile("payload.bin"))
		t.Cleanup(l.Close)
		leechers = append(leechers, l)
	}

	for _, l := range leechers {
		require.Eventually(t, l.IsComplete, 20*time.Second, 20*time.Millisecond,
			"leecher %s never completed", l.ID())
		got, err := os.ReadFile(l.DownloadPath())
		require.NoError(t, err)
		require.Equal(t, content, got)
	}
}

func TestLeecherSurvivesSeederDeath(t *testing.T) {
	tr := startTracker(t)
	content := bytes.Repeat([]byte("data"), 4)

	// The seeder never reaches an unchoke cycle, so the leecher cannot make
	// progress before the seeder dies.
	seederCfg := testConfig(t)
	seederCfg.UnchokeInterval = time.Hour
	seeder, err := New(seederCfg, tr.Addr().String(), 0)
	require.NoError(t, err)
	require.NoError(t, seeder.ShareFile(writeSharedFile(t, "payload.bin", content)))

	leecher, err := New(testConfig(t), tr.Addr().String(), 0)
	require.NoError(t, err)
	require.NoError(t, leecher.DownloadFile("payload.bin"))
	t.Cleanup(leecher.Close)

	// Wait for the link to come up, then kill the seeder.
	require.Eventually(t, func() bool {
		return leecher.Stats().ConnectedPeers == 1
	}, 10*time.Second, 20*time.Millisecond, "leecher never connected to seeder")
	seeder.Close()

	// The leecher keeps cycling: the dead peer drops out of its maps and the
	// download stays incomplete without any crash.
	require.Eventually(t, func() bool {
		return leecher.Stats().ConnectedPeers == 0
	}, 10*time.Second, 20*time.Millisecond, "dead seeder still in connection map")

	time.Sleep(3 * leecher.cfg.RequestInterval)
	require.False(t, leecher.IsComplete())
	require.Equal(t, 0, leecher.Stats().HaveBlocks)
}

func TestSeederStatsAfterShare(t *testing.T) {
	tr := startTracker(t)
	content := []byte("abcdefgh")

	seeder, err := New(testConfig(t), tr.Addr().String(), 0)
	require.NoError(t, err)
	require.NoError(t, seeder.ShareFile(writeSharedFile(t, "small.bin", content)))
	t.Cleanup(seeder.Close)

	stats := seeder.Stats()
	require.True(t, stats.Complete)
	require.Equal(t, 2, stats.TotalBlocks)
	require.Equal(t, 2, stats.HaveBlocks)
	require.Equal(t, "small.bin", stats.FileName)
	require.NotEmpty(t, stats.PeerID)
}
