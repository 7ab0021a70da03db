package unchoker

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func interestedSet(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("peer-%02d", i)
	}
	return ids
}

func TestEvaluateSlotLimits(t *testing.T) {
	u := New(rand.New(rand.NewSource(1)))
	_, toUnchoke := u.Evaluate(interestedSet(10))

	require.Len(t, toUnchoke, MaxFixed+MaxOptimistic)
	require.Len(t, u.Unchoked(), MaxFixed+MaxOptimistic)
	for _, id := range toUnchoke {
		require.True(t, u.IsUnchoked(id))
	}
}

func TestEvaluateFewerThanSlots(t *testing.T) {
	u := New(rand.New(rand.NewSource(1)))
	toChoke, toUnchoke := u.Evaluate(interestedSet(2))
	require.Empty(t, toChoke)
	require.ElementsMatch(t, interestedSet(2), toUnchoke)
}

func TestEvaluateEmptyInput(t *testing.T) {
	u := New(rand.New(rand.NewSource(1)))
	u.Evaluate(interestedSet(6))

	toChoke, toUnchoke := u.Evaluate(nil)
	require.Empty(t, toUnchoke)
	require.Len(t, toChoke, MaxFixed+MaxOptimistic)
	require.Empty(t, u.Unchoked())
}

func TestEvaluateDeltaLaw(t *testing.T) {
	u := New(rand.New(rand.NewSource(42)))
	interested := interestedSet(8)

	old := map[string]struct{}{}
	for cycle := 0; cycle < 50; cycle++ {
		toChoke, toUnchoke := u.Evaluate(interested)

		// toChoke and toUnchoke are disjoint.
		seen := map[string]struct{}{}
		for _, id := range toChoke {
			seen[id] = struct{}{}
		}
		for _, id := range toUnchoke {
			_, dup := seen[id]
			require.False(t, dup, "peer %s both choked and unchoked", id)
		}

		// New union equals (old ∪ toUnchoke) \ toChoke.
		want := map[string]struct{}{}
		for id := range old {
			want[id] = struct{}{}
		}
		for _, id := range toUnchoke {
			want[id] = struct{}{}
		}
		for _, id := range toChoke {
			delete(want, id)
		}
		got := map[string]struct{}{}
		for _, id := range u.Unchoked() {
			got[id] = struct{}{}
		}
		require.Equal(t, want, got, "cycle %d", cycle)
		old = got
	}
}

func TestRotationCoversAllPeers(t *testing.T) {
	u := New(rand.New(rand.NewSource(7)))
	interested := interestedSet(10)

	unchokedAtLeastOnce := map[string]int{}
	for cycle := 0; cycle < 100; cycle++ {
		_, toUnchoke := u.Evaluate(interested)
		for _, id := range toUnchoke {
			unchokedAtLeastOnce[id]++
		}
	}
	for _, id := range interested {
		require.Greater(t, unchokedAtLeastOnce[id], 0, "peer %s never unchoked in 100 cycles", id)
	}
}
