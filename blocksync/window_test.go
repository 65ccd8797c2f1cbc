package blocksync

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func entryAt(height int32) windowEntry {
	prev := height - 1

	return windowEntry{
		Height:   height,
		Hash:     chainhash.Hash{byte(height), byte(height >> 8), 1},
		PrevHash: chainhash.Hash{byte(prev), byte(prev >> 8), 1},
	}
}

// TestWindowProperty asserts the window holds the newest entries up to its
// depth, newest first, across pushes and truncations.
func TestWindowProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		depth := rapid.IntRange(1, 20).Draw(t, "depth")
		w := newRecentWindow(depth)

		// model is every entry on the current chain.
		var model []windowEntry
		var height int32

		steps := rapid.IntRange(1, 100).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(model) > 0 && rapid.IntRange(0, 4).Draw(
				t, "op") == 0 {

				keep := rapid.IntRange(0, len(model)-1).Draw(
					t, "keep",
				)
				model = model[:keep+1]
				height = model[keep].Height
				w.Truncate(height)

				continue
			}

			height++
			entry := entryAt(height)
			model = append(model, entry)
			w.Push(entry)
		}

		expected := len(model)
		if expected > depth {
			expected = depth
		}
		require.Equal(t, depth, w.Depth())

		// Truncation can drop entries the model still has below the
		// window, so the window holds at most the expected count.
		newest := w.Newest()
		require.LessOrEqual(t, len(newest), expected)
		require.Equal(t, len(newest), w.Len())

		for i, entry := range newest {
			require.Equal(t, model[len(model)-1-i], entry)
		}
	})
}

// TestWindowEviction checks a full window drops its oldest entry.
func TestWindowEviction(t *testing.T) {
	t.Parallel()

	w := newRecentWindow(3)
	for height := int32(1); height <= 5; height++ {
		w.Push(entryAt(height))
	}

	require.Equal(
		t, []windowEntry{entryAt(5), entryAt(4), entryAt(3)},
		w.Newest(),
	)

	w.Truncate(3)
	require.Equal(t, []windowEntry{entryAt(3)}, w.Newest())

	w.Push(entryAt(4))
	require.Equal(t, []windowEntry{entryAt(4), entryAt(3)}, w.Newest())

	w.Truncate(0)
	require.Zero(t, w.Len())
}
