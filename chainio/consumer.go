package chainio

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/qtumsync/chaindb"
	"github.com/lightninglabs/qtumsync/qwire"
)

// ReorgEvent describes one chain reorganization. It is delivered once per
// reorg and carries every block that was discarded.
type ReorgEvent struct {
	// Height is the height of the common ancestor the chain was rolled
	// back to.
	Height int32

	// Hash is the hash of the common ancestor.
	Hash chainhash.Hash

	// Discarded holds the abandoned blocks ordered from the old tip down
	// to the first block above the ancestor.
	Discarded []*chaindb.BlockRecord
}

// String returns a short description of the reorg.
func (e *ReorgEvent) String() string {
	return fmt.Sprintf("reorg to height=%d hash=%v discarding %d blocks",
		e.Height, e.Hash, len(e.Discarded))
}

// Consumer defines a service that is driven by the chain sync engine. The
// hooks are invoked synchronously and sequentially: apply hooks in
// dependency order, OnReorg in reverse dependency order.
type Consumer interface {
	// Name returns a human-readable string for this consumer. It must be
	// unique among the registered consumers.
	Name() string

	// Dependencies returns the names of the consumers that must process a
	// block before this one.
	Dependencies() []string

	// OnHeaders is called once the header chain caught up with the
	// network.
	OnHeaders(ctx context.Context) error

	// OnBlock is called with each block applied on top of the current tip.
	// A returned error aborts the application and is fatal.
	OnBlock(ctx context.Context, block *qwire.MsgBlock, height int32) error

	// OnReorg is called when the chain was rolled back to a common
	// ancestor.
	OnReorg(ctx context.Context, event *ReorgEvent) error

	// OnSynced is called when the block tip reached the header tip.
	OnSynced(ctx context.Context) error
}
