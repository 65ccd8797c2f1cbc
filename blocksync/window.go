package blocksync

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// windowEntry is one applied block remembered by the window.
type windowEntry struct {
	Height   int32
	Hash     chainhash.Hash
	PrevHash chainhash.Hash
}

// recentWindow is a ring of the most recently applied blocks. Its capacity
// is the deepest reorg that can be resolved: a common ancestor is only
// searched among the entries it holds.
type recentWindow struct {
	entries []windowEntry

	// head is the index of the oldest entry.
	head int
	size int
}

func newRecentWindow(depth int) *recentWindow {
	return &recentWindow{
		entries: make([]windowEntry, depth),
	}
}

// Depth returns the capacity of the window.
func (w *recentWindow) Depth() int {
	return len(w.entries)
}

// Len returns the number of entries held.
func (w *recentWindow) Len() int {
	return w.size
}

// Push adds the newest entry, evicting the oldest one when full.
func (w *recentWindow) Push(entry windowEntry) {
	if len(w.entries) == 0 {
		return
	}

	if w.size == len(w.entries) {
		w.entries[w.head] = entry
		w.head = (w.head + 1) % len(w.entries)

		return
	}

	w.entries[(w.head+w.size)%len(w.entries)] = entry
	w.size++
}

// Truncate removes every entry above height.
func (w *recentWindow) Truncate(height int32) {
	for w.size > 0 {
		newest := (w.head + w.size - 1) % len(w.entries)
		if w.entries[newest].Height <= height {
			return
		}

		w.entries[newest] = windowEntry{}
		w.size--
	}
}

// Newest returns the entries from the newest to the oldest.
func (w *recentWindow) Newest() []windowEntry {
	result := make([]windowEntry, 0, w.size)
	for i := w.size - 1; i >= 0; i-- {
		result = append(result, w.entries[(w.head+i)%len(w.entries)])
	}

	return result
}
